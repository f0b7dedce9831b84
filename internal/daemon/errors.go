package daemon

import (
	"context"
	"errors"
	"io/fs"

	"go.uber.org/zap"

	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/sandbox"
	"github.com/lydakis/cws/internal/task"
)

// classify maps a handler error onto a wire error. Anything unrecognized
// becomes InternalError. Messages and string data are scrubbed of the
// workspace's host location.
func (d *Dispatcher) classify(ctx context.Context, err error) *protocol.Error {
	if err == nil {
		return nil
	}

	if pe, ok := protocol.AsError(err); ok {
		return d.scrub(pe)
	}

	var te *sandbox.TraversalError
	if errors.As(err, &te) {
		return protocol.NewError(protocol.PathTraversalError, "path escapes the workspace").
			WithData("path", te.Raw)
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if errors.Is(context.Cause(ctx), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return protocol.NewError(protocol.TimedOut, "request exceeded its deadline")
		}
		return protocol.NewError(protocol.InternalError, "request canceled")
	case errors.Is(err, task.ErrClosed):
		return protocol.NewError(protocol.InternalError, "daemon is shutting down")
	case errors.Is(err, fs.ErrNotExist):
		return protocol.NewError(protocol.NotFound, "%s", d.root.Scrub(err.Error()))
	case errors.Is(err, fs.ErrExist):
		return protocol.NewError(protocol.Conflict, "%s", d.root.Scrub(err.Error()))
	}

	d.logger.Debug("unclassified handler error", zap.Error(err))
	return protocol.NewError(protocol.InternalError, "%s", d.root.Scrub(err.Error()))
}

func (d *Dispatcher) scrub(pe *protocol.Error) *protocol.Error {
	out := &protocol.Error{Code: pe.Code, Message: d.root.Scrub(pe.Message)}
	for k, v := range pe.Data {
		if s, ok := v.(string); ok {
			v = d.root.Scrub(s)
		}
		out = out.WithData(k, v)
	}
	return out
}
