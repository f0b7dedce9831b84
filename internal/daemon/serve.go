package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lydakis/cws/internal/pending"
	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/transport"
)

// Serve reads requests from conn until it closes or ctx is done, running
// each one in its own goroutine. It returns after every request it started
// has been answered. Cancelling ctx stops reading but does not cancel
// requests already started; Shutdown kills their tasks.
//
// A nil error means conn reached a clean end of stream.
func (d *Dispatcher) Serve(ctx context.Context, conn *transport.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	base := context.WithoutCancel(ctx)
	inflight := pending.New[context.CancelCauseFunc]()
	timeout := d.engine.Config().RequestTimeout

	var wg sync.WaitGroup
	defer wg.Wait()

	// reply sends an error response off the read loop.
	reply := func(resp *protocol.Response) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.send(conn, resp)
		}()
	}

	for payload, err := range conn.Messages() {
		if err != nil {
			var fe *transport.FrameError
			if errors.As(err, &fe) {
				d.logger.Warn("discarding oversized message", zap.Int64("size", fe.Size))
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading requests: %w", err)
		}

		req, perr := protocol.DecodeRequest(payload)
		if perr != nil {
			if perr.Code == protocol.ParseError || req == nil || req.ID == nil {
				d.logger.Warn("dropping undecodable message", zap.String("code", string(perr.Code)), zap.String("reason", perr.Message))
				continue
			}
			reply(protocol.NewErrorResponse(req.ID, perr))
			continue
		}

		reqCtx, cancel := context.WithCancelCause(base)
		if req.IsNotification() {
			release := cancel
			timer := time.AfterFunc(timeout, func() { release(context.DeadlineExceeded) })
			cancel = func(cause error) {
				timer.Stop()
				release(cause)
			}
		} else {
			err := inflight.Insert(*req.ID, cancel, timeout, func(cancel context.CancelCauseFunc) {
				cancel(context.DeadlineExceeded)
			})
			if err != nil {
				cancel(nil)
				reply(protocol.NewErrorResponse(req.ID,
					protocol.NewError(protocol.InvalidRequest, "request id %s is already in flight", req.ID).
						WithData("id", req.ID.String())))
				continue
			}
		}

		if !d.begin() {
			cancel(nil)
			if req.ID != nil {
				inflight.Complete(*req.ID)
				reply(protocol.NewErrorResponse(req.ID,
					protocol.NewError(protocol.InternalError, "daemon is shutting down")))
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer d.inflight.Done()
			defer wg.Done()
			defer cancel(nil)

			resp := d.dispatch(reqCtx, req)
			if req.ID != nil {
				inflight.Complete(*req.ID)
			}
			if resp != nil {
				d.send(conn, resp)
			}
		}()
	}
	return nil
}

func (d *Dispatcher) send(conn *transport.Conn, resp *protocol.Response) {
	if err := conn.Send(resp); err != nil {
		d.logger.Debug("dropping response", zap.Stringer("id", resp.ID), zap.Error(err))
	}
}
