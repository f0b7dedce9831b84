package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lydakis/cws/internal/pending"
	"github.com/lydakis/cws/internal/protocol"
)

// DefaultCallTimeout is how long a Client waits for a response before
// reporting TimedOut locally.
const DefaultCallTimeout = 30 * time.Second

// ErrClientClosed is returned for calls that were pending when the
// connection went away.
var ErrClientClosed = errors.New("connection closed")

// Client issues requests over one connection and correlates responses by
// id. Calls may be made from many goroutines.
type Client struct {
	conn    *Conn
	timeout time.Duration
	nextID  atomic.Uint64
	pending *pending.Table[chan *protocol.Response]

	done    chan struct{}
	errMu   sync.Mutex
	readErr error
}

// Dial connects to a daemon socket. timeout bounds each call as in NewClient.
func Dial(ctx context.Context, socketPath string, timeout time.Duration) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon: %w", err)
	}
	return NewClient(NewSocketConn(nc), timeout), nil
}

// NewClient starts the response reader for conn. timeout <= 0 selects
// DefaultCallTimeout.
func NewClient(conn *Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	c := &Client{
		conn:    conn,
		timeout: timeout,
		pending: pending.New[chan *protocol.Response](),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends method with params and waits for the matching response. A
// protocol error response is returned as a *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}

	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	id := protocol.NumericID(c.nextID.Add(1))

	reply := make(chan *protocol.Response, 1)
	err = c.pending.Insert(id, reply, c.timeout, func(ch chan *protocol.Response) {
		ch <- &protocol.Response{
			ID:    &id,
			Error: protocol.NewError(protocol.TimedOut, "no response to %s within %s", method, c.timeout),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("registering request %s: %w", id, err)
	}

	req := protocol.Request{
		ProtocolVersion: protocol.Version,
		ID:              &id,
		Method:          method,
		Params:          raw,
	}
	if err := c.conn.Send(&req); err != nil {
		c.pending.Complete(id)
		return nil, err
	}

	select {
	case resp := <-reply:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.pending.Complete(id)
		return nil, ctx.Err()
	case <-c.done:
		// The reader may have delivered right before exiting.
		select {
		case resp := <-reply:
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		default:
		}
		return nil, c.closedErr()
	}
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	return c.pending.Len()
}

// Close closes the connection and waits for the reader to stop.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.pending.Drain()

	for payload, err := range c.conn.Messages() {
		if err != nil {
			var fe *FrameError
			if errors.As(err, &fe) {
				continue
			}
			c.setErr(err)
			return
		}
		var resp protocol.Response
		if err := json.Unmarshal(payload, &resp); err != nil || resp.ID == nil {
			continue
		}
		if reply, ok := c.pending.Complete(*resp.ID); ok {
			reply <- &resp
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	c.readErr = err
	c.errMu.Unlock()
}

func (c *Client) closedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClientClosed, c.readErr)
	}
	return ErrClientClosed
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		return raw, nil
	}
}
