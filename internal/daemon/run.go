package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/lydakis/cws/internal/paths"
	"github.com/lydakis/cws/internal/policy"
	"github.com/lydakis/cws/internal/sandbox"
	"github.com/lydakis/cws/internal/transport"
)

// Transports accepted by Run.
const (
	TransportStdio  = "stdio"
	TransportSocket = "socket"
)

// RunOptions configure the daemon process.
type RunOptions struct {
	Workspace string
	Transport string
	// SocketPath overrides the per-workspace default socket.
	SocketPath    string
	MaxConcurrent int
	Version       string
	Logger        *zap.Logger

	// Stdin and Stdout replace the process streams for the stdio
	// transport.
	Stdin  io.ReadCloser
	Stdout io.Writer
}

// Open loads the workspace policy and builds a Dispatcher for it. Policy
// problems are returned as *policy.ConfigError.
func Open(workspace string, opts Options) (*Dispatcher, error) {
	cfg, err := policy.Load(workspace)
	if err != nil {
		return nil, err
	}
	root, err := sandbox.New(cfg.WorkspaceRoot)
	if err != nil {
		return nil, &policy.ConfigError{Err: err}
	}
	return New(root, cfg, opts), nil
}

// Run serves the workspace until the transport ends or the process is
// signalled. On the way out it stops reading, kills running tasks and
// waits for in-flight requests.
func Run(ctx context.Context, opts RunOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d, err := Open(opts.Workspace, Options{
		MaxConcurrent: opts.MaxConcurrent,
		Version:       opts.Version,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	cfg := d.Config()
	logger.Info("workspace ready",
		zap.String("workspace", d.workspaceName()),
		zap.String("policy", policySource(cfg)),
		zap.String("transport", opts.Transport))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch opts.Transport {
	case "", TransportStdio:
		in, out := opts.Stdin, opts.Stdout
		if in == nil {
			in = stdin()
		}
		if out == nil {
			out = os.Stdout
		}
		return d.serveStream(ctx, transport.NewLineConn(in, out, in))
	case TransportSocket:
		socketPath := opts.SocketPath
		if socketPath == "" {
			socketPath = paths.SocketPath(d.root.Dir())
		}
		return d.serveSocket(ctx, socketPath)
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", opts.Transport, TransportStdio, TransportSocket)
	}
}

func policySource(cfg *policy.Config) string {
	if cfg.Source == "" {
		return "defaults"
	}
	return cfg.Source
}

// serveStream serves a single connection. End of stream triggers the same
// shutdown as a signal, after in-flight requests have been answered.
func (d *Dispatcher) serveStream(ctx context.Context, conn *transport.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return d.Serve(gctx, conn)
	})
	g.Go(func() error {
		<-gctx.Done()
		d.Shutdown()
		return nil
	})
	err := g.Wait()
	d.logger.Info("daemon stopped")
	return err
}

func (d *Dispatcher) serveSocket(ctx context.Context, socketPath string) error {
	if err := paths.EnsureDir(paths.RuntimeDir()); err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}
	if err := paths.EnsureDir(filepath.Dir(socketPath)); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}
	release, err := acquireWorkspaceLock(paths.LockPath(d.root.Dir()))
	if err != nil {
		return err
	}
	defer release() //nolint:errcheck

	srv := transport.NewServer(socketPath, func(ctx context.Context, conn *transport.Conn) {
		if err := d.Serve(ctx, conn); err != nil {
			d.logger.Warn("connection ended", zap.Error(err))
		}
	}, d.logger.Named("transport"))
	if err := srv.Start(); err != nil {
		return err
	}
	d.logger.Info("listening", zap.String("socket", socketPath))

	<-ctx.Done()
	// In-flight requests are answered on their connections before those
	// connections are closed.
	srv.StopAccepting()
	d.Shutdown()
	srv.Stop()
	d.logger.Info("daemon stopped")
	return nil
}

// stdin returns the process input. Pipes and sockets are switched to
// non-blocking mode so closing the stream interrupts a pending read on
// shutdown.
func stdin() io.ReadCloser {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&(os.ModeNamedPipe|os.ModeSocket) == 0 {
		return os.Stdin
	}
	if err := unix.SetNonblock(unix.Stdin, true); err != nil {
		return os.Stdin
	}
	return os.NewFile(uintptr(unix.Stdin), "/dev/stdin")
}
