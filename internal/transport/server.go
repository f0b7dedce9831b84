package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

// ConnHandler serves one accepted connection until it ends or ctx is done.
type ConnHandler func(ctx context.Context, conn *Conn)

var peerUIDMatchesCurrentUserFn = peerUIDMatchesCurrentUser

// Server listens for framed connections on a Unix socket.
type Server struct {
	socketPath string
	handler    ConnHandler
	logger     *zap.Logger

	listener  net.Listener
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewServer creates a socket server.
func NewServer(socketPath string, handler ConnHandler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger,
	}
}

// Start begins listening. A stale socket file is removed first; callers
// hold the workspace lock, so no live daemon owns it.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// StopAccepting closes the listener. Open connections keep being served.
func (s *Server) StopAccepting() {
	if s.listener == nil {
		return
	}
	s.closeOnce.Do(func() { s.listener.Close() })
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to return.
func (s *Server) Stop() {
	s.StopAccepting()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept failed", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
		}()
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()

	ok, err := peerUIDMatchesCurrentUserFn(nc)
	if err != nil {
		s.logger.Warn("peer uid check failed", zap.Error(err))
		return
	}
	if !ok {
		s.logger.Warn("rejected connection from another user")
		return
	}

	conn := NewSocketConn(nc)
	// Unblock the handler's read loop on Stop.
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	s.logger.Debug("client connected")
	s.handler(s.ctx, conn)
	s.logger.Debug("client disconnected")
}
