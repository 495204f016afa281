package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rexliu/fgp/pkg/lifecycle"
	"github.com/rexliu/fgp/pkg/metrics"
)

// ErrServerClosed is returned by Serve once the server has been stopped or
// already served.
var ErrServerClosed = errors.New("ipc: server closed")

// DefaultWriteTimeout bounds a single response write.
const DefaultWriteTimeout = 30 * time.Second

// Server listens for IPC requests over a Unix socket and dispatches them to
// one Service.
type Server struct {
	service      Service
	socketPath   string
	logger       *slog.Logger
	metrics      *metrics.Metrics
	sequential   bool
	writeTimeout time.Duration
	maxLineSize  int
	known        map[string]struct{}

	running   atomic.Bool
	startedAt time.Time

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	served bool
	closed bool
	wg     sync.WaitGroup
	done   chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request and connection metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSequential handles each connection to completion before accepting the
// next one. Only suitable for low-traffic daemons.
func WithSequential(sequential bool) Option {
	return func(s *Server) { s.sequential = sequential }
}

// WithWriteTimeout bounds each response write; zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithMaxLineSize bounds the size of one request line.
func WithMaxLineSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxLineSize = n
		}
	}
}

// NewServer constructs a server for svc bound to socketPath ("~" is expanded).
// The socket's parent directory is created with owner-only permissions.
func NewServer(svc Service, socketPath string, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("nil service")
	}
	path, err := lifecycle.ExpandPath(socketPath)
	if err != nil {
		return nil, fmt.Errorf("expand socket path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	s := &Server{
		service:      svc,
		socketPath:   path,
		logger:       slog.Default(),
		writeTimeout: DefaultWriteTimeout,
		maxLineSize:  DefaultMaxLineSize,
		startedAt:    time.Now(),
		conns:        make(map[net.Conn]struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ipc", "service", svc.Name())
	return s, nil
}

// SocketPath returns the absolute socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Running reports whether the accept loop is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Done is closed when Serve returns.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Serve runs OnStart, binds the socket, and accepts connections until Stop is
// called, a stop request arrives, or ctx is cancelled. It then waits for live
// connections to finish their current request, runs OnStop and removes the
// socket file.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served || s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.served = true
	s.mu.Unlock()
	defer close(s.done)

	if starter, ok := s.service.(Starter); ok {
		if err := starter.OnStart(ctx); err != nil {
			return fmt.Errorf("on start: %w", err)
		}
	}

	ln, err := s.listen()
	if err != nil {
		s.stopService(ctx)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		_ = removeSocket(s.socketPath)
		s.stopService(ctx)
		return ErrServerClosed
	}
	s.ln = ln
	s.known = s.knownMethods()
	s.startedAt = time.Now()
	s.running.Store(true)
	s.mu.Unlock()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-watchDone:
		}
	}()

	mode := "concurrent"
	if s.sequential {
		mode = "sequential"
	}
	s.logger.Info("daemon started",
		"version", s.service.Version(),
		"socket", s.socketPath,
		"mode", mode,
	)

	s.acceptLoop(ctx, ln)
	s.shutdown(ctx)
	return nil
}

// listen replaces any leftover socket file and binds with owner-only
// permissions.
func (s *Server) listen() (net.Listener, error) {
	if err := removeSocket(s.socketPath); err != nil {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept error", "error", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		if s.sequential {
			s.handleConn(ctx, conn)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) shutdown(ctx context.Context) {
	s.running.Store(false)
	s.mu.Lock()
	s.closed = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.releaseIdle()
	s.mu.Unlock()
	s.wg.Wait()

	s.stopService(ctx)
	if err := removeSocket(s.socketPath); err != nil {
		s.logger.Warn("remove socket failed", "error", err)
	}
	s.logger.Info("daemon stopped")
}

// stopService runs the OnStop hook, if any. Failures are only logged.
func (s *Server) stopService(ctx context.Context) {
	stopper, ok := s.service.(Stopper)
	if !ok {
		return
	}
	if err := stopper.OnStop(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("on stop failed", "error", err)
	}
}

// Stop clears the running flag and closes the listener. Connections waiting
// for their next request are released; one mid-request exits after its
// response is written.
func (s *Server) Stop() {
	s.running.Store(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.releaseIdle()
}

// releaseIdle expires the read deadline of every live connection. Callers
// hold s.mu.
func (s *Server) releaseIdle() {
	for conn := range s.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func removeSocket(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
