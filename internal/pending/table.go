// Package pending tracks in-flight requests by correlation id.
//
// The same table backs both ends of a connection: the client parks a reply
// channel per id, the daemon parks a cancel function per id. Each entry
// leaves the table exactly once, either through Complete or through its
// deadline, whichever comes first.
package pending

import (
	"errors"
	"sync"
	"time"

	"github.com/lydakis/cws/internal/protocol"
)

// ErrDuplicate is returned when an id is already in flight.
var ErrDuplicate = errors.New("request id already in flight")

type entry[V any] struct {
	value V
	timer *time.Timer
	gen   uint64
}

// Table maps request ids to values with optional deadlines.
type Table[V any] struct {
	mu      sync.Mutex
	entries map[protocol.ID]*entry[V]
	nextGen uint64
}

// New creates an empty table.
func New[V any]() *Table[V] {
	return &Table[V]{entries: make(map[protocol.ID]*entry[V])}
}

// Insert registers id. When timeout is positive and the entry is still
// present once it elapses, the entry is removed and onTimeout is called with
// its value.
func (t *Table[V]) Insert(id protocol.ID, value V, timeout time.Duration, onTimeout func(V)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; ok {
		return ErrDuplicate
	}

	t.nextGen++
	e := &entry[V]{value: value, gen: t.nextGen}
	if timeout > 0 {
		gen := e.gen
		e.timer = time.AfterFunc(timeout, func() {
			t.expire(id, gen, onTimeout)
		})
	}
	t.entries[id] = e
	return nil
}

// Complete removes id and returns its value. The boolean is false when the
// id is unknown or its deadline already fired.
func (t *Table[V]) Complete(id protocol.ID) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		var zero V
		return zero, false
	}
	delete(t.entries, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	return e.value, true
}

// Len returns the number of in-flight entries.
func (t *Table[V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Drain removes every entry, stops all deadlines and returns the values.
func (t *Table[V]) Drain() []V {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]V, 0, len(t.entries))
	for id, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		out = append(out, e.value)
		delete(t.entries, id)
	}
	return out
}

func (t *Table[V]) expire(id protocol.ID, gen uint64, onTimeout func(V)) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	t.mu.Unlock()

	if onTimeout != nil {
		onTimeout(e.value)
	}
}
