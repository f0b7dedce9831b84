package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lydakis/cws/internal/fsops"
	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/search"
	"github.com/lydakis/cws/internal/task"
)

func TestTraversalIsRejectedWithEchoedID(t *testing.T) {
	d := openDispatcher(t, newWorkspace(t, ""))
	peer := newRawPeer(t, d)

	peer.send(`{"id":1,"method":"fs.write","params":{"path":"../etc/passwd","contents":"x"}}`)
	got := peer.recv()
	want := `{"id":1,"error":{"code":"PathTraversalError","message":"path escapes the workspace","data":{"path":"../etc/passwd"}}}`
	if got != want {
		t.Fatalf("response = %s, want %s", got, want)
	}
}

func TestConfirmationRequiredThenConfirmed(t *testing.T) {
	ws := newWorkspace(t, "")
	d := openDispatcher(t, ws)
	peer := newRawPeer(t, d)

	peer.send(`{"id":2,"method":"fs.write","params":{"path":"notes.txt","contents":"hi"}}`)
	resp := peer.recvResponse()
	if resp.Error == nil || resp.Error.Code != protocol.ConfirmationRequired {
		t.Fatalf("response error = %v, want ConfirmationRequired", resp.Error)
	}
	if !resp.Error.Recoverable() {
		t.Fatal("ConfirmationRequired should be recoverable")
	}
	if _, err := os.Stat(filepath.Join(ws, "notes.txt")); !os.IsNotExist(err) {
		t.Fatalf("file written before confirmation: %v", err)
	}

	peer.send(`{"id":2,"method":"fs.write","params":{"path":"notes.txt","contents":"hi","confirmed":true}}`)
	resp = peer.recvResponse()
	if resp.Error != nil {
		t.Fatalf("confirmed write error = %v", resp.Error)
	}
	if *resp.ID != "2" {
		t.Fatalf("response id = %s, want 2", *resp.ID)
	}
	var result fsops.WriteResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.BytesWritten != 2 {
		t.Fatalf("bytesWritten = %d, want 2", result.BytesWritten)
	}
	data, err := os.ReadFile(filepath.Join(ws, "notes.txt"))
	if err != nil || string(data) != "hi" {
		t.Fatalf("notes.txt = %q, %v; want hi", data, err)
	}
}

func TestSearchReturnsRequestedNumberOfMatches(t *testing.T) {
	ws := newWorkspace(t, "")
	for i := 0; i < 4; i++ {
		var b strings.Builder
		for j := 0; j < 5; j++ {
			fmt.Fprintf(&b, "// TODO item %d\n", j)
		}
		writeFile(t, ws, fmt.Sprintf("src/f%d.go", i), b.String())
	}
	c := connect(t, openDispatcher(t, ws))

	params := map[string]any{"query": "TODO", "options": map[string]any{"maxResults": 5}}
	first := call[search.Result](t, c, protocol.MethodSearchFind, params)
	second := call[search.Result](t, c, protocol.MethodSearchFind, params)

	if len(first.Matches) != 5 || !first.Truncated {
		t.Fatalf("matches = %d truncated = %v, want 5 and truncated", len(first.Matches), first.Truncated)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("search is not deterministic (-first +second):\n%s", diff)
	}
	for i, m := range first.Matches {
		if m.Path != "src/f0.go" || m.Line != i+1 {
			t.Fatalf("match %d = %s:%d, want src/f0.go:%d", i, m.Path, m.Line, i+1)
		}
	}
}

func TestTaskTimeoutIsReported(t *testing.T) {
	c := connect(t, openDispatcher(t, newWorkspace(t, openPolicy)))

	start := time.Now()
	_, err := c.Call(context.Background(), protocol.MethodTaskRun, map[string]any{
		"command":   "sleep",
		"args":      []string{"30"},
		"timeoutMs": 100,
	})
	pe := wantCode(t, err, protocol.TimedOut)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("task.run took %v, want a bounded overshoot over 100ms", elapsed)
	}
	rec, ok := pe.Data["task"].(map[string]any)
	if !ok || rec["state"] != string(task.TimedOut) {
		t.Fatalf("error data = %#v, want task record in state timedOut", pe.Data)
	}
}

func TestNonZeroExitIsAResult(t *testing.T) {
	c := connect(t, openDispatcher(t, newWorkspace(t, openPolicy)))

	rec := call[task.Record](t, c, protocol.MethodTaskRun, map[string]any{
		"command": "sh",
		"args":    []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	if rec.State != task.Exited || rec.ExitCode == nil || *rec.ExitCode != 3 {
		t.Fatalf("record = %+v, want exited with code 3", rec)
	}
	if rec.Stdout != "out\n" || rec.Stderr != "err\n" {
		t.Fatalf("stdout = %q stderr = %q", rec.Stdout, rec.Stderr)
	}
}

func TestCommandNotAllowed(t *testing.T) {
	c := connect(t, openDispatcher(t, newWorkspace(t, openPolicy)))

	_, err := c.Call(context.Background(), protocol.MethodTaskRun, map[string]any{"command": "rm", "args": []string{"-rf", "."}})
	pe := wantCode(t, err, protocol.CommandNotAllowed)
	if pe.Data["command"] != "rm" {
		t.Fatalf("error data = %v, want command rm", pe.Data)
	}
}

func TestTaskTest(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		c := connect(t, openDispatcher(t, newWorkspace(t, openPolicy)))
		_, err := c.Call(context.Background(), protocol.MethodTaskTest, nil)
		wantCode(t, err, protocol.CommandNotAllowed)
	})
	t.Run("configured", func(t *testing.T) {
		ws := newWorkspace(t, openPolicy+`
testCommand = "sh"
testArgs = ["-c", "echo ran \"$@\"", "test"]
`)
		c := connect(t, openDispatcher(t, ws))
		rec := call[task.Record](t, c, protocol.MethodTaskTest, map[string]any{"args": []string{"./..."}})
		if rec.Stdout != "ran ./...\n" {
			t.Fatalf("stdout = %q, want %q", rec.Stdout, "ran ./...\n")
		}
		if rec.Command != "sh" {
			t.Fatalf("command = %q, want sh", rec.Command)
		}
	})
}

func TestNotificationGetsNoResponse(t *testing.T) {
	ws := newWorkspace(t, "requireConfirmation = []\n")
	peer := newRawPeer(t, openDispatcher(t, ws))

	peer.send(`{"method":"fs.write","params":{"path":"a.txt","contents":"x"}}`)
	peer.send(`{"id":null,"method":"fs.read","params":{"path":"missing.txt"}}`)
	peer.send(`{"method":"no.such.method"}`)
	peer.send(`{"id":"last","method":"capabilities"}`)

	resp := peer.recvResponse()
	if resp.ID == nil || *resp.ID != `"last"` {
		t.Fatalf("first response id = %v, want \"last\"", resp.ID)
	}
}

func TestMalformedInput(t *testing.T) {
	peer := newRawPeer(t, openDispatcher(t, newWorkspace(t, "")))

	peer.send(`{"id":1,"method":`)
	peer.send(`{"id":2,"params":{}}`)
	peer.send(`{"id":3,"method":"capabilities","params":[1]}`)
	peer.send(`{"id":4,"method":"nope"}`)
	peer.send(`{"id":5,"method":"fs.read","params":{"path":7}}`)
	peer.send(`{"id":6,"method":"fs.read","params":{"path":"a","bogus":true}}`)

	want := map[string]protocol.Code{
		"2": protocol.InvalidRequest,
		"3": protocol.InvalidRequest,
		"4": protocol.MethodNotFound,
		"5": protocol.InvalidParams,
		"6": protocol.InvalidParams,
	}
	got := make(map[string]protocol.Code)
	for range want {
		resp := peer.recvResponse()
		if resp.Error == nil {
			t.Fatalf("response %s has no error", *resp.ID)
		}
		got[string(*resp.ID)] = resp.Error.Code
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("codes mismatch (-want +got):\n%s", diff)
	}
}

func TestLongTaskDoesNotBlockOtherRequests(t *testing.T) {
	ws := newWorkspace(t, openPolicy)
	writeFile(t, ws, "a.txt", "hello")
	c := connect(t, openDispatcher(t, ws))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := c.Call(context.Background(), protocol.MethodTaskRun, map[string]any{
			"command": "sleep", "args": []string{"1"},
		}); err != nil {
			t.Errorf("task.run error = %v", err)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	got := call[fsops.ReadResult](t, c, protocol.MethodFSRead, map[string]any{"path": "a.txt"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("fs.read took %v while a task was running", elapsed)
	}
	if got.Contents != "hello" {
		t.Fatalf("contents = %q, want hello", got.Contents)
	}
	wg.Wait()
}

func TestDuplicateInFlightIDIsRejected(t *testing.T) {
	peer := newRawPeer(t, openDispatcher(t, newWorkspace(t, openPolicy)))

	peer.send(`{"id":7,"method":"task.run","params":{"command":"sleep","args":["0.5"]}}`)
	peer.send(`{"id":7,"method":"capabilities"}`)

	first := peer.recvResponse()
	if first.Error == nil || first.Error.Code != protocol.InvalidRequest {
		t.Fatalf("first response = %+v, want InvalidRequest for the duplicate", first)
	}
	second := peer.recvResponse()
	if second.Error != nil {
		t.Fatalf("task response error = %v", second.Error)
	}

	// The id is free again once answered.
	peer.send(`{"id":7,"method":"capabilities"}`)
	if third := peer.recvResponse(); third.Error != nil {
		t.Fatalf("reused id error = %v", third.Error)
	}
}

type panicParams struct {
	capabilitiesParams
}

func (p *panicParams) handle(context.Context, *Dispatcher) (any, error) {
	panic("boom")
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	orig := registry[protocol.MethodCapabilities]
	registry[protocol.MethodCapabilities] = func() params { return &panicParams{} }
	defer func() { registry[protocol.MethodCapabilities] = orig }()

	d := openDispatcher(t, newWorkspace(t, ""))
	c := connect(t, d)

	_, err := c.Call(context.Background(), protocol.MethodCapabilities, nil)
	wantCode(t, err, protocol.InternalError)

	// The daemon keeps serving.
	info := call[initializeResult](t, c, protocol.MethodInitialize, nil)
	if info.ServerInfo.Name != ServerName {
		t.Fatalf("serverInfo.name = %q, want %q", info.ServerInfo.Name, ServerName)
	}
}

func TestRequestDeadlineKillsTask(t *testing.T) {
	ws := newWorkspace(t, openPolicy+"requestTimeoutMs = 200\n")
	c := connect(t, openDispatcher(t, ws))

	_, err := c.Call(context.Background(), protocol.MethodTaskRun, map[string]any{
		"command": "sleep", "args": []string{"30"}, "timeoutMs": 60000,
	})
	pe := wantCode(t, err, protocol.TimedOut)
	rec, _ := pe.Data["task"].(map[string]any)
	if rec["state"] != string(task.Killed) {
		t.Fatalf("task state = %v, want killed", rec["state"])
	}
}

func TestShutdownKillsRunningTasks(t *testing.T) {
	d, err := Open(newWorkspace(t, openPolicy), Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	done := make(chan *protocol.Error, 1)
	go func() {
		_, perr := d.Call(context.Background(), protocol.MethodTaskRun, json.RawMessage(`{"command":"sleep","args":["30"]}`))
		done <- perr
	}()

	deadline := time.Now().Add(5 * time.Second)
	for d.tasks.Running() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("task never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	d.Shutdown()
	select {
	case perr := <-done:
		if perr == nil || perr.Code != protocol.InternalError {
			t.Fatalf("Call() error = %v, want InternalError", perr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task survived Shutdown")
	}

	_, perr := d.Call(context.Background(), protocol.MethodTaskRun, json.RawMessage(`{"command":"sleep","args":["1"]}`))
	if perr == nil || perr.Code != protocol.InternalError {
		t.Fatalf("Call() after Shutdown error = %v, want InternalError", perr)
	}
}

func TestErrorsDoNotLeakHostPaths(t *testing.T) {
	ws := newWorkspace(t, "allowedCommands = [\"*\"]\nrequireConfirmation = []\n")
	d := openDispatcher(t, ws)
	c := connect(t, d)

	checks := []struct {
		method string
		params map[string]any
		code   protocol.Code
	}{
		{protocol.MethodFSRead, map[string]any{"path": "missing.txt"}, protocol.NotFound},
		{protocol.MethodFSDelete, map[string]any{"path": "missing.txt"}, protocol.NotFound},
		{protocol.MethodTaskRun, map[string]any{"command": "./missing.sh"}, protocol.SpawnError},
		{protocol.MethodFSMove, map[string]any{"source": "missing.txt", "destination": "../x"}, protocol.PathTraversalError},
	}
	for _, tc := range checks {
		_, err := c.Call(context.Background(), tc.method, tc.params)
		pe := wantCode(t, err, tc.code)
		encoded, _ := json.Marshal(pe)
		if strings.Contains(string(encoded), d.root.Dir()) {
			t.Fatalf("%s error %s leaks the workspace location", tc.method, encoded)
		}
	}
}

func TestPolicyRestrictsPaths(t *testing.T) {
	ws := newWorkspace(t, `
allowedPaths = ["src"]
excludeDirs = ["vendor"]
requireConfirmation = []
`)
	writeFile(t, ws, "src/a.go", "// TODO a\n")
	writeFile(t, ws, "src/vendor/b.go", "// TODO b\n")
	writeFile(t, ws, "secret.txt", "TODO secret\n")
	c := connect(t, openDispatcher(t, ws))

	for _, path := range []string{"secret.txt", "src/vendor/b.go"} {
		_, err := c.Call(context.Background(), protocol.MethodFSRead, map[string]any{"path": path})
		wantCode(t, err, protocol.PolicyViolation)
	}

	got := call[search.Result](t, c, protocol.MethodSearchFind, map[string]any{"query": "TODO"})
	if len(got.Matches) != 1 || got.Matches[0].Path != "src/a.go" {
		t.Fatalf("matches = %+v, want only src/a.go", got.Matches)
	}
}

func TestFileLifecycleThroughDispatcher(t *testing.T) {
	ws := newWorkspace(t, "requireConfirmation = []\n")
	c := connect(t, openDispatcher(t, ws))

	w := call[fsops.WriteResult](t, c, protocol.MethodFSWrite, map[string]any{
		"path": "pkg/a.txt", "contents": "one\ntwo\n", "atomic": true,
	})
	e := call[fsops.EditResult](t, c, protocol.MethodFSEdit, map[string]any{
		"path":    "pkg/a.txt",
		"ifMatch": w.Hash,
		"edits": []map[string]any{{
			"range":   map[string]any{"start": map[string]int{"line": 1, "character": 0}, "end": map[string]int{"line": 1, "character": 3}},
			"newText": "TWO",
		}},
	})
	if e.EditsApplied != 1 {
		t.Fatalf("editsApplied = %d, want 1", e.EditsApplied)
	}

	_, err := c.Call(context.Background(), protocol.MethodFSWrite, map[string]any{
		"path": "pkg/a.txt", "contents": "stale", "ifMatch": w.Hash,
	})
	wantCode(t, err, protocol.Conflict)

	call[fsops.MoveResult](t, c, protocol.MethodFSMove, map[string]any{"source": "pkg/a.txt", "destination": "pkg/b.txt"})
	r := call[fsops.ReadResult](t, c, protocol.MethodFSRead, map[string]any{"path": "pkg/b.txt"})
	if r.Contents != "one\nTWO\n" {
		t.Fatalf("contents = %q", r.Contents)
	}

	l := call[fsops.ListResult](t, c, protocol.MethodFSList, map[string]any{"path": "pkg", "recursive": true})
	var listed []string
	for _, entry := range l.Entries {
		listed = append(listed, entry.Path)
	}
	if diff := cmp.Diff([]string{"pkg/b.txt"}, listed); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}

	_, err = c.Call(context.Background(), protocol.MethodFSDelete, map[string]any{"path": "pkg"})
	wantCode(t, err, protocol.Conflict)
	call[fsops.DeleteResult](t, c, protocol.MethodFSDelete, map[string]any{"path": "pkg", "recursive": true})
	if _, err := os.Stat(filepath.Join(ws, "pkg")); !os.IsNotExist(err) {
		t.Fatalf("pkg still exists: %v", err)
	}
}

func TestCapabilitiesReflectPolicy(t *testing.T) {
	c := connect(t, openDispatcher(t, newWorkspace(t, "")))

	got := call[capabilitiesResult](t, c, protocol.MethodCapabilities, nil)
	if diff := cmp.Diff(protocol.Methods, got.Methods); diff != "" {
		t.Fatalf("methods mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(protocol.MutatingMethods, got.RequireConfirmation); diff != "" {
		t.Fatalf("requireConfirmation mismatch (-want +got):\n%s", diff)
	}
	if len(got.AllowedCommands) != 0 {
		t.Fatalf("allowedCommands = %v, want none by default", got.AllowedCommands)
	}

	_, err := c.Call(context.Background(), protocol.MethodInitialize, map[string]any{"protocolVersion": "2.0"})
	wantCode(t, err, protocol.InvalidParams)
}

func TestHandleAppliesRequestDeadlineAndShutdown(t *testing.T) {
	ws := newWorkspace(t, "allowedCommands = [\"sleep\"]\nrequireConfirmation = []\nrequestTimeoutMs = 200\n")
	d := openDispatcher(t, ws)

	_, perr := d.Handle(context.Background(), protocol.MethodTaskRun, json.RawMessage(`{"command":"sleep","args":["5"]}`))
	if perr == nil || perr.Code != protocol.TimedOut {
		t.Fatalf("Handle(task.run) error = %v, want %s", perr, protocol.TimedOut)
	}

	d.Shutdown()
	_, perr = d.Handle(context.Background(), protocol.MethodCapabilities, nil)
	if perr == nil || perr.Code != protocol.InternalError {
		t.Fatalf("Handle() after Shutdown error = %v, want %s", perr, protocol.InternalError)
	}
}

func TestConfirmationCanGateReadOnlyMethods(t *testing.T) {
	ws := newWorkspace(t, `requireConfirmation = ["fs.read", "fs.list", "search.find", "capabilities"]`+"\n")
	writeFile(t, ws, "a.txt", "alpha\n")
	c := connect(t, openDispatcher(t, ws))

	requests := []struct {
		method string
		params map[string]any
	}{
		{method: protocol.MethodFSRead, params: map[string]any{"path": "a.txt"}},
		{method: protocol.MethodFSList, params: map[string]any{}},
		{method: protocol.MethodSearchFind, params: map[string]any{"query": "alpha"}},
		{method: protocol.MethodCapabilities, params: map[string]any{}},
	}
	for _, r := range requests {
		_, err := c.Call(context.Background(), r.method, r.params)
		wantCode(t, err, protocol.ConfirmationRequired)

		r.params["confirmed"] = true
		if _, err := c.Call(context.Background(), r.method, r.params); err != nil {
			t.Fatalf("confirmed %s error = %v, want success", r.method, err)
		}
	}
}

func TestWorkspaceCommandsFollowPathPolicy(t *testing.T) {
	ws := newWorkspace(t, `
allowedCommands = ["*"]
allowedPaths = ["src"]
requireConfirmation = []
`)
	for _, rel := range []string{"scripts/run.sh", "src/ok.sh", "src/.git/hooks/x.sh"} {
		writeFile(t, ws, rel, "#!/bin/sh\necho ran\n")
		if err := os.Chmod(filepath.Join(ws, rel), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	c := connect(t, openDispatcher(t, ws))

	for _, command := range []string{"./scripts/run.sh", "./src/.git/hooks/x.sh"} {
		_, err := c.Call(context.Background(), protocol.MethodTaskRun, map[string]any{"command": command})
		wantCode(t, err, protocol.PolicyViolation)
	}

	rec := call[task.Record](t, c, protocol.MethodTaskRun, map[string]any{"command": "./src/ok.sh"})
	if rec.Stdout != "ran\n" {
		t.Fatalf("stdout = %q, want %q", rec.Stdout, "ran\n")
	}

	rec = call[task.Record](t, c, protocol.MethodTaskRun, map[string]any{"command": "/bin/sh", "args": []string{"-c", "echo abs"}})
	if rec.Stdout != "abs\n" {
		t.Fatalf("absolute command stdout = %q, want %q", rec.Stdout, "abs\n")
	}
}
