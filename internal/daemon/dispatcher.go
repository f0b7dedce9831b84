// Package daemon routes protocol requests through the policy engine to the
// file, search and task handlers, and runs the daemon process.
package daemon

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lydakis/cws/internal/fsops"
	"github.com/lydakis/cws/internal/policy"
	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/sandbox"
	"github.com/lydakis/cws/internal/search"
	"github.com/lydakis/cws/internal/task"
)

// ServerName is reported by initialize.
const ServerName = "cws"

// DefaultMaxConcurrent caps concurrently executing handlers.
const DefaultMaxConcurrent = 32

// Options configure a Dispatcher.
type Options struct {
	// MaxConcurrent caps handlers running at once. <= 0 selects
	// DefaultMaxConcurrent.
	MaxConcurrent int
	// Version is reported by initialize.
	Version string
	Logger  *zap.Logger
}

// Dispatcher evaluates and executes requests. One Dispatcher serves every
// connection of a daemon.
type Dispatcher struct {
	root    *sandbox.Root
	engine  *policy.Engine
	files   *fsops.Service
	search  *search.Searcher
	tasks   *task.Executor
	logger  *zap.Logger
	version string

	sem      *semaphore.Weighted
	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// New wires the handlers for one workspace around cfg.
func New(root *sandbox.Root, cfg *policy.Config, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Dispatcher{
		root:    root,
		engine:  policy.NewEngine(cfg, root, protocol.Methods),
		files:   fsops.New(root, cfg),
		search:  search.New(root, cfg, logger.Named("search")),
		tasks:   task.NewExecutor(root, cfg.MaxOutputBytes, logger.Named("task")),
		logger:  logger,
		version: version,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Call decodes params for method, evaluates the policy and runs the
// handler. The returned error, when non-nil, is ready to be sent to the
// client.
func (d *Dispatcher) Call(ctx context.Context, method string, raw json.RawMessage) (result any, perr *protocol.Error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				zap.String("method", method),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result = nil
			perr = protocol.NewError(protocol.InternalError, "internal error handling %s", method)
		}
	}()

	newParams, ok := registry[method]
	if !ok {
		return nil, protocol.NewError(protocol.MethodNotFound, "unknown method %q", method).
			WithData("method", method)
	}
	p := newParams()
	if err := decodeParams(raw, p); err != nil {
		return nil, d.classify(ctx, err)
	}

	action := p.action()
	action.Method = method
	verdict := d.engine.Evaluate(action)
	if verdict.Decision != policy.Allow {
		d.logger.Warn("request denied",
			zap.String("method", method),
			zap.Stringer("decision", verdict.Decision),
			zap.String("code", string(verdict.Err.Code)))
		return nil, verdict.Err
	}

	out, err := p.handle(ctx, d)
	if err != nil {
		return nil, d.classify(ctx, err)
	}
	return out, nil
}

// Handle runs one request for an in-process caller under the same
// concurrency cap, request deadline and shutdown barrier as Serve.
func (d *Dispatcher) Handle(ctx context.Context, method string, raw json.RawMessage) (any, *protocol.Error) {
	if !d.begin() {
		return nil, protocol.NewError(protocol.InternalError, "daemon is shutting down")
	}
	defer d.inflight.Done()

	ctx, cancel := context.WithTimeoutCause(ctx, d.engine.Config().RequestTimeout, context.DeadlineExceeded)
	defer cancel()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, d.classify(ctx, err)
	}
	defer d.sem.Release(1)
	return d.Call(ctx, method, raw)
}

// Shutdown kills running tasks and waits for in-flight requests to finish.
// Requests arriving afterwards are refused.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	d.tasks.Close()
	d.inflight.Wait()
}

// begin registers a request with the shutdown barrier. It reports false
// once Shutdown has started.
func (d *Dispatcher) begin() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return false
	}
	d.inflight.Add(1)
	return true
}

// Config returns the policy in effect.
func (d *Dispatcher) Config() *policy.Config {
	return d.engine.Config()
}

func (d *Dispatcher) workspaceName() string {
	return filepath.Base(d.root.Dir())
}

func (d *Dispatcher) capabilities() *capabilitiesResult {
	cfg := d.engine.Config()
	return &capabilitiesResult{
		Methods:             slices.Clone(protocol.Methods),
		RequireConfirmation: nonNil(cfg.RequireConfirmation),
		AllowedPaths:        nonNil(cfg.AllowedPaths),
		AllowedCommands:     nonNil(cfg.AllowedCommands),
		MaxFileSize:         cfg.MaxFileSize,
		MaxEditSize:         cfg.MaxEditSize,
		MaxSearchResults:    cfg.MaxSearchResults,
		TestCommand:         cfg.TestCommand,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}

// dispatch runs one request under the concurrency cap and returns its
// response. It returns nil for notifications.
func (d *Dispatcher) dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	start := time.Now()
	logger := d.logger.With(zap.String("method", req.Method))
	if req.ID != nil {
		logger = logger.With(zap.Stringer("id", req.ID))
	}

	var (
		result any
		perr   *protocol.Error
	)
	if err := d.sem.Acquire(ctx, 1); err != nil {
		perr = d.classify(ctx, err)
	} else {
		result, perr = d.Call(ctx, req.Method, req.Params)
		d.sem.Release(1)
	}

	fields := []zap.Field{zap.Duration("duration", time.Since(start))}
	if perr != nil {
		fields = append(fields, zap.String("code", string(perr.Code)))
	}
	logger.Debug("request done", fields...)

	if req.IsNotification() {
		return nil
	}
	if perr != nil {
		return protocol.NewErrorResponse(req.ID, perr)
	}
	resp, err := protocol.NewResult(req.ID, result)
	if err != nil {
		logger.Error("encoding result", zap.Error(err))
		return protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.InternalError, "encoding result failed"))
	}
	return resp
}
