package daemon

import (
	"context"
	"encoding/json"
	"iter"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/transport"
)

// openPolicy lets tests run commands without confirmation.
const openPolicy = `
allowedCommands = ["sh", "sleep"]
requireConfirmation = []
`

func newWorkspace(t *testing.T, policyTOML string) string {
	t.Helper()
	ws := t.TempDir()
	if policyTOML != "" {
		if err := os.MkdirAll(filepath.Join(ws, ".cws"), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(ws, ".cws", "policy.toml"), []byte(policyTOML), 0o644); err != nil {
			t.Fatalf("write policy: %v", err)
		}
	}
	return ws
}

func writeFile(t *testing.T, ws, rel, contents string) {
	t.Helper()
	abs := filepath.Join(ws, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func openDispatcher(t *testing.T, ws string) *Dispatcher {
	t.Helper()
	d, err := Open(ws, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(d.Shutdown)
	return d
}

// servePipe runs d.Serve on one end of an in-memory connection and returns
// the other end.
func servePipe(t *testing.T, d *Dispatcher) (net.Conn, *transport.Conn) {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Serve(context.Background(), transport.NewSocketConn(server))
	}()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
		<-done
	})
	return client, transport.NewSocketConn(client)
}

func connect(t *testing.T, d *Dispatcher) *transport.Client {
	t.Helper()
	_, conn := servePipe(t, d)
	c := transport.NewClient(conn, 10*time.Second)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// rawPeer exchanges raw frames with a served dispatcher.
type rawPeer struct {
	t    *testing.T
	nc   net.Conn
	conn *transport.Conn
	next func() ([]byte, error, bool)
}

func newRawPeer(t *testing.T, d *Dispatcher) *rawPeer {
	t.Helper()
	nc, conn := servePipe(t, d)
	next, stop := iter.Pull2(conn.Messages())
	t.Cleanup(stop)
	return &rawPeer{t: t, nc: nc, conn: conn, next: next}
}

func (p *rawPeer) send(payload string) {
	p.t.Helper()
	if err := p.conn.WriteMessage([]byte(payload)); err != nil {
		p.t.Fatalf("WriteMessage() error = %v", err)
	}
}

func (p *rawPeer) recv() string {
	p.t.Helper()
	_ = p.nc.SetReadDeadline(time.Now().Add(10 * time.Second))
	payload, err, ok := p.next()
	if !ok || err != nil {
		p.t.Fatalf("reading response: ok=%v err=%v", ok, err)
	}
	return string(payload)
}

func (p *rawPeer) recvResponse() protocol.Response {
	p.t.Helper()
	var resp protocol.Response
	raw := p.recv()
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		p.t.Fatalf("decoding response %s: %v", raw, err)
	}
	return resp
}

func wantCode(t *testing.T, err error, code protocol.Code) *protocol.Error {
	t.Helper()
	pe, ok := protocol.AsError(err)
	if !ok {
		t.Fatalf("error = %v, want protocol error %s", err, code)
	}
	if pe.Code != code {
		t.Fatalf("error code = %s (%s), want %s", pe.Code, pe.Message, code)
	}
	return pe
}

func call[T any](t *testing.T, c *transport.Client, method string, params any) T {
	t.Helper()
	raw, err := c.Call(context.Background(), method, params)
	if err != nil {
		t.Fatalf("Call(%s) error = %v", method, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decoding %s result %s: %v", method, raw, err)
	}
	return out
}
