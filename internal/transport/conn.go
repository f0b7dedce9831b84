package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net"
	"sync"
)

// Conn pairs a Reader and a Writer. Reads come from a single loop; writes
// may come from many goroutines and are serialized.
type Conn struct {
	r      Reader
	w      Writer
	closer io.Closer

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn assembles a Conn. closer may be nil.
func NewConn(r Reader, w Writer, closer io.Closer) *Conn {
	return &Conn{r: r, w: w, closer: closer}
}

// NewLineConn frames r and w as newline-delimited JSON, the stdio binding.
func NewLineConn(r io.Reader, w io.Writer, closer io.Closer) *Conn {
	return NewConn(NewLineReader(r, MaxMessageSize), NewLineWriter(w), closer)
}

// NewSocketConn frames c with length prefixes, the socket binding.
func NewSocketConn(c net.Conn) *Conn {
	return NewConn(NewFrameReader(c, MaxMessageSize), NewFrameWriter(c), c)
}

// Messages returns the lazy sequence of incoming payloads.
func (c *Conn) Messages() iter.Seq2[[]byte, error] {
	return Messages(c.r)
}

// Send encodes v as JSON and writes it as one message.
func (c *Conn) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return c.WriteMessage(payload)
}

// WriteMessage writes one raw payload.
func (c *Conn) WriteMessage(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.w.WriteMessage(payload); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Close closes the underlying stream once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}
