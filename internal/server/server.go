package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/PixelWeatherProject/pwmp-server/internal/db"
)

// lingerTimeout is the graceful close timeout applied to client sockets.
const lingerTimeout = 3 * time.Second

// keepAlivePeriod is the TCP keepalive probe interval for client sockets.
const keepAlivePeriod = 30 * time.Second

// -------------------------------------------------------------------------
// Server Configuration
// -------------------------------------------------------------------------

// Config parameterizes the listener and the admission layer.
type Config struct {
	// Addr is the TCP listen address (host:port).
	Addr string

	// MaxSessions caps concurrently running sessions. Connections beyond
	// the cap are closed without a response.
	MaxSessions int64

	// AcceptWindow and MaxConnections parameterize the accept-side rate
	// limiter.
	AcceptWindow   time.Duration
	MaxConnections int

	// Session holds the per-session parameters.
	Session SessionConfig
}

// -------------------------------------------------------------------------
// Server Options — functional options pattern
// -------------------------------------------------------------------------

// Option configures optional Server parameters.
type Option func(*Server)

// WithMetrics attaches a MetricsReporter to the server and its sessions.
// If mr is nil, the default no-op reporter is kept.
func WithMetrics(mr MetricsReporter) Option {
	return func(s *Server) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// -------------------------------------------------------------------------
// Server
// -------------------------------------------------------------------------

// Server accepts node connections and runs one session task per
// connection. Admission is enforced in order: session permit first, then
// the accept-side rate budget.
type Server struct {
	cfg     Config
	backend db.Backend
	logger  *slog.Logger
	metrics MetricsReporter

	// permits caps concurrent sessions; acquired non-blocking on accept,
	// released on session destroy.
	permits *semaphore.Weighted

	// sessionsAlive counts running session tasks for diagnostics.
	sessionsAlive atomic.Int64
}

// New builds a Server over the given backend.
func New(cfg Config, backend db.Backend, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		logger:  logger,
		metrics: nopMetrics{},
		permits: semaphore.NewWeighted(cfg.MaxSessions),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run binds the listener and serves until ctx is cancelled. In-flight
// sessions are allowed to drain before Run returns; their reads are
// bounded by the stall timeout, so drain is too.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{
		Control: reuseAddr,
	}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}

	s.logger.Info("server started", slog.String("addr", s.cfg.Addr))

	g, gCtx := errgroup.WithContext(ctx)

	// Close the listener once the context ends so Accept unblocks.
	g.Go(func() error {
		<-gCtx.Done()
		return ln.Close()
	})

	// Runtime diagnostics on demand.
	g.Go(func() error {
		s.watchDiagnosticsSignal(gCtx)
		return nil
	})

	var sessions sync.WaitGroup
	g.Go(func() error {
		defer sessions.Wait()
		return s.acceptLoop(gCtx, ln, &sessions)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
		return err
	}

	s.logger.Info("server stopped")
	return nil
}

// acceptLoop admits connections until the listener closes. The accept
// limiter is owned by this goroutine.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, sessions *sync.WaitGroup) error {
	acceptLimiter := NewRateLimiter(s.cfg.AcceptWindow, s.cfg.MaxConnections)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("a client failed to connect",
				slog.String("error", err.Error()),
			)
			continue
		}

		if !s.permits.TryAcquire(1) {
			s.logger.Warn("maximum number of sessions reached, dropping connection",
				slog.String("peer", conn.RemoteAddr().String()),
			)
			s.metrics.ConnectionDropped("session_limit")
			_ = conn.Close()
			continue
		}

		if acceptLimiter.Hit() {
			s.logger.Warn("connection rate exceeded, dropping connection",
				slog.String("peer", conn.RemoteAddr().String()),
			)
			s.metrics.ConnectionDropped("rate_limit")
			s.permits.Release(1)
			_ = conn.Close()
			continue
		}

		tuneConn(conn, s.logger)

		sessions.Add(1)
		go s.runSession(ctx, conn, sessions)
	}
}

// runSession executes one session task, isolating panics and releasing
// the session permit on exit.
func (s *Server) runSession(ctx context.Context, conn net.Conn, sessions *sync.WaitGroup) {
	peer := conn.RemoteAddr().String()

	s.metrics.SessionStarted()
	s.sessionsAlive.Add(1)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panicked",
				slog.String("peer", peer),
				slog.Any("panic", r),
			)
			_ = conn.Close()
		}
		s.sessionsAlive.Add(-1)
		s.metrics.SessionEnded()
		s.permits.Release(1)
		sessions.Done()
	}()

	s.logger.Debug("new client", slog.String("peer", peer))

	session := NewSession(conn, s.backend, s.cfg.Session, s.logger, s.metrics)
	if err := session.Run(ctx); err != nil {
		s.logger.Error("session ended with error",
			slog.String("peer", peer),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Debug("session handled successfully", slog.String("peer", peer))
}

// -------------------------------------------------------------------------
// Diagnostics Signal
// -------------------------------------------------------------------------

// watchDiagnosticsSignal logs a runtime snapshot on each SIGUSR1 until
// ctx ends.
func (s *Server) watchDiagnosticsSignal(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			s.logger.Info("runtime diagnostics",
				slog.Int64("sessions_alive", s.sessionsAlive.Load()),
				slog.Int("goroutines", runtime.NumGoroutine()),
				slog.Int("workers", runtime.GOMAXPROCS(0)),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Socket Tuning
// -------------------------------------------------------------------------

// reuseAddr sets SO_REUSEADDR on the listening socket so restarts do not
// trip over sockets in TIME_WAIT.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// tuneConn applies the client socket options: no Nagle delay, keepalive
// probes, and a short graceful linger.
func tuneConn(conn net.Conn, logger *slog.Logger) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	if err := tcp.SetNoDelay(true); err != nil {
		logger.Warn("failed to disable Nagle", slog.String("error", err.Error()))
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		logger.Warn("failed to enable keepalive", slog.String("error", err.Error()))
	} else if err := tcp.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
		logger.Warn("failed to set keepalive period", slog.String("error", err.Error()))
	}
	if err := tcp.SetLinger(int(lingerTimeout.Seconds())); err != nil {
		logger.Warn("failed to set linger", slog.String("error", err.Error()))
	}
}
