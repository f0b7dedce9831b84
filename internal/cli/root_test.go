package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lydakis/cws/internal/daemon"
)

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	oldIn, oldOut, oldErr := rootStdin, rootStdout, rootStderr
	defer func() {
		rootStdin, rootStdout, rootStderr = oldIn, oldOut, oldErr
	}()

	var out, errOut bytes.Buffer
	rootStdin = strings.NewReader(stdin)
	rootStdout = &out
	rootStderr = &errOut

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	code := run(ctx, args)
	return code, out.String(), errOut.String()
}

func newWorkspace(t *testing.T, policyTOML string) string {
	t.Helper()
	dir := t.TempDir()
	if policyTOML != "" {
		if err := os.MkdirAll(filepath.Join(dir, ".cws"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, ".cws", "policy.toml"), []byte(policyTOML), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestVersionFlag(t *testing.T) {
	oldVersion := buildVersion
	defer func() { buildVersion = oldVersion }()
	buildVersion = "1.2.3"

	code, out, errOut := runCLI(t, "", "--version")
	if code != ExitOK {
		t.Fatalf("code = %d, want %d", code, ExitOK)
	}
	if out != "cws 1.2.3\n" {
		t.Fatalf("output = %q, want %q", out, "cws 1.2.3\n")
	}
	if errOut != "" {
		t.Fatalf("stderr = %q, want empty", errOut)
	}
}

func TestResolveBuildVersionKeepsExplicitVersion(t *testing.T) {
	if got := resolveBuildVersion("v0.3.0"); got != "v0.3.0" {
		t.Fatalf("resolveBuildVersion() = %q, want %q", got, "v0.3.0")
	}
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown command", args: []string{"frobnicate"}},
		{name: "unknown flag", args: []string{"serve", "--bogus"}},
		{name: "bad transport", args: []string{"serve", "--transport", "carrier-pigeon"}},
		{name: "call without method", args: []string{"call"}},
		{name: "call unknown method", args: []string{"call", "fs.chmod"}},
		{name: "call bad params", args: []string{"call", "fs.read", "{not json"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, _, errOut := runCLI(t, "", tc.args...)
			if code != ExitUsageErr {
				t.Fatalf("code = %d, want %d (stderr %q)", code, ExitUsageErr, errOut)
			}
			if !strings.HasPrefix(errOut, "cws: ") {
				t.Fatalf("stderr = %q, want cws: prefix", errOut)
			}
		})
	}
}

func TestNoArgsPrintsHelp(t *testing.T) {
	code, out, _ := runCLI(t, "")
	if code != ExitOK {
		t.Fatalf("code = %d, want %d", code, ExitOK)
	}
	for _, want := range []string{"serve", "call", "mcp", "policy"} {
		if !strings.Contains(out, want) {
			t.Fatalf("help output missing %q:\n%s", want, out)
		}
	}
}

func TestPolicyCheckPrintsEffectivePolicy(t *testing.T) {
	ws := newWorkspace(t, "allowedCommands = [\"go\"]\ntestCommand = \"go\"\n")

	code, out, errOut := runCLI(t, "", "policy", "check", "--workspace", ws)
	if code != ExitOK {
		t.Fatalf("code = %d, want %d (stderr %q)", code, ExitOK, errOut)
	}
	for _, want := range []string{
		"# policy file: .cws/policy.toml",
		`allowedCommands = ["go"]`,
		`testCommand = "go"`,
		"maxFileSize = 10485760",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPolicyCheckDefaults(t *testing.T) {
	code, out, _ := runCLI(t, "", "policy", "check", "--workspace", newWorkspace(t, ""))
	if code != ExitOK {
		t.Fatalf("code = %d, want %d", code, ExitOK)
	}
	if !strings.Contains(out, "# policy file: none (defaults apply)") {
		t.Fatalf("output = %q, want defaults note", out)
	}
}

func TestInvalidPolicyIsReportedAsPolicyConfigError(t *testing.T) {
	ws := newWorkspace(t, "allowedCommands = [\n")

	for _, args := range [][]string{
		{"policy", "check", "--workspace", ws},
		{"serve", "--workspace", ws},
	} {
		code, _, errOut := runCLI(t, "", args...)
		if code != ExitUsageErr {
			t.Fatalf("%v: code = %d, want %d", args, code, ExitUsageErr)
		}
		if !strings.Contains(errOut, "PolicyConfigError") {
			t.Fatalf("%v: stderr = %q, want PolicyConfigError", args, errOut)
		}
	}
}

func TestServeStdioAnswersUntilEOF(t *testing.T) {
	ws := newWorkspace(t, "")
	if err := os.WriteFile(filepath.Join(ws, "a.txt"), []byte("alpha"), 0o644); err != nil {
		t.Fatal(err)
	}
	input := `{"protocolVersion":"1.0","id":1,"method":"fs.read","params":{"path":"a.txt"}}` + "\n"

	code, out, errOut := runCLI(t, input, "serve", "--workspace", ws)
	if code != ExitOK {
		t.Fatalf("code = %d, want %d (stderr %q)", code, ExitOK, errOut)
	}
	var resp struct {
		ID     int `json:"id"`
		Result struct {
			Contents string `json:"contents"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &resp); err != nil {
		t.Fatalf("Unmarshal(%q) error = %v", out, err)
	}
	if resp.ID != 1 || resp.Result.Contents != "alpha" {
		t.Fatalf("response = %+v, want id 1 with contents alpha", resp)
	}
}

func TestCall(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	ws := newWorkspace(t, "requireConfirmation = []\n")
	if err := os.WriteFile(filepath.Join(ws, "a.txt"), []byte("alpha"), 0o644); err != nil {
		t.Fatal(err)
	}
	socket := fmt.Sprintf("/tmp/cws-cli-%d.sock", time.Now().UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- daemon.Run(ctx, daemon.RunOptions{Workspace: ws, Transport: daemon.TransportSocket, SocketPath: socket})
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("daemon.Run() error = %v", err)
		}
	}()
	waitForSocket(t, socket, done)

	code, out, errOut := runCLI(t, "", "call", "--socket", socket, "fs.read", `{"path":"a.txt"}`)
	if code != ExitOK {
		t.Fatalf("fs.read code = %d, want %d (stderr %q)", code, ExitOK, errOut)
	}
	var read struct {
		Contents string `json:"contents"`
	}
	if err := json.Unmarshal([]byte(out), &read); err != nil || read.Contents != "alpha" {
		t.Fatalf("fs.read output = %q (%v), want contents alpha", out, err)
	}

	code, _, errOut = runCLI(t, "", "call", "--socket", socket, "fs.read", `{"path":"../outside"}`)
	if code != ExitRequestErr {
		t.Fatalf("traversal code = %d, want %d", code, ExitRequestErr)
	}
	var perr struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(errOut), &perr); err != nil || perr.Code != "PathTraversalError" {
		t.Fatalf("traversal stderr = %q (%v), want PathTraversalError object", errOut, err)
	}

	code, out, _ = runCLI(t, "", "call", "--socket", socket, "capabilities")
	if code != ExitOK || !strings.Contains(out, `"methods"`) {
		t.Fatalf("capabilities code = %d output = %q", code, out)
	}
}

func TestCallWithoutDaemon(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "absent.sock")
	code, _, errOut := runCLI(t, "", "call", "--socket", socket, "capabilities")
	if code != ExitInternal {
		t.Fatalf("code = %d, want %d", code, ExitInternal)
	}
	if !strings.Contains(errOut, "no daemon reachable") {
		t.Fatalf("stderr = %q, want no daemon reachable", errOut)
	}
}

func TestServeSocketRefusesSecondDaemon(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	ws := newWorkspace(t, "")
	socket := fmt.Sprintf("/tmp/cws-cli-%d.sock", time.Now().UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- daemon.Run(ctx, daemon.RunOptions{Workspace: ws, Transport: daemon.TransportSocket, SocketPath: socket})
	}()
	defer func() {
		cancel()
		<-done
	}()
	waitForSocket(t, socket, done)

	other := fmt.Sprintf("/tmp/cws-cli-%d-b.sock", time.Now().UnixNano())
	code, _, errOut := runCLI(t, "", "serve", "--workspace", ws, "--transport", "socket", "--socket", other)
	if code != ExitUsageErr {
		t.Fatalf("code = %d, want %d (stderr %q)", code, ExitUsageErr, errOut)
	}
	if !strings.Contains(errOut, daemon.ErrAlreadyRunning.Error()) {
		t.Fatalf("stderr = %q, want %q", errOut, daemon.ErrAlreadyRunning)
	}
}

func waitForSocket(t *testing.T, socket string, done <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socket); err == nil {
			return
		}
		select {
		case err := <-done:
			t.Fatalf("daemon exited early: %v", errors.Join(err, errors.New("socket never appeared")))
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatalf("socket %s never appeared", socket)
}
