package task

import "testing"

func TestTransitions(t *testing.T) {
	tests := []struct {
		from  State
		ev    event
		to    State
		moved bool
	}{
		{Pending, evSpawned, Running, true},
		{Pending, evSpawnFailed, SpawnError, true},
		{Running, evExited, Exited, true},
		{Running, evDeadline, TimedOut, true},
		{Running, evCanceled, Killed, true},
		{Pending, evExited, Pending, false},
		{TimedOut, evExited, TimedOut, false},
		{Killed, evDeadline, Killed, false},
		{Exited, evCanceled, Exited, false},
	}
	for _, tt := range tests {
		to, moved := next(tt.from, tt.ev)
		if to != tt.to || moved != tt.moved {
			t.Fatalf("next(%s, %s) = (%s, %v), want (%s, %v)", tt.from, tt.ev, to, moved, tt.to, tt.moved)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []State{Exited, TimedOut, Killed, SpawnError} {
		if !s.Terminal() {
			t.Fatalf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []State{Pending, Running} {
		if s.Terminal() {
			t.Fatalf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("abc"))
	if b.String() != "abc" || b.Truncated() {
		t.Fatalf("after short write: %q truncated=%v", b.String(), b.Truncated())
	}
	_, _ = b.Write([]byte("defghij"))
	if b.String() != "cdefghij" || !b.Truncated() {
		t.Fatalf("after overflow: %q truncated=%v", b.String(), b.Truncated())
	}
	_, _ = b.Write([]byte("0123456789"))
	if b.String() != "23456789" {
		t.Fatalf("after large write: %q", b.String())
	}

	u := newTailBuffer(4)
	_, _ = u.Write([]byte("aé!!!"))
	// The retained tail starts inside "é" and the stray byte is trimmed.
	if got := u.String(); got != "!!!" {
		t.Fatalf("utf-8 tail = %q", got)
	}
}
