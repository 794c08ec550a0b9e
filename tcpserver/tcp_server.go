// Package tcpserver accepts TCP connections, admits up to a fixed number of
// concurrent sessions and runs each session's requests through a shared
// worker pool, writing responses back in request order.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/character-server/dispatch"
	"github.com/cyberinferno/character-server/idgenerator"
	"github.com/cyberinferno/character-server/logger"
	"github.com/cyberinferno/character-server/metrics"
	"github.com/cyberinferno/character-server/protocol"
	"github.com/cyberinferno/character-server/safemap"
	"github.com/cyberinferno/character-server/workerpool"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Handler turns one request frame into its response.
type Handler interface {
	Dispatch(ctx context.Context, f protocol.Frame) dispatch.Result
}

// Option customizes a TCPServer.
type Option func(*TCPServer)

// WithLogger sets the server logger. The default discards.
func WithLogger(log logger.Logger) Option {
	return func(s *TCPServer) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the metrics sink. The default records nothing.
func WithMetrics(m metrics.ServerMetrics) Option {
	return func(s *TCPServer) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithStatsHook registers fn to receive a Stats snapshot every
// Config.StatsInterval.
func WithStatsHook(fn func(Stats)) Option {
	return func(s *TCPServer) {
		s.statsHook = fn
	}
}

// TCPServer is the session manager. It accepts connections, admits at most
// Config.MaxConnections of them as sessions, and stops gracefully, letting
// queued requests finish before the worker pool exits.
type TCPServer struct {
	cfg       Config
	log       logger.Logger
	handler   Handler
	metrics   metrics.ServerMetrics
	statsHook func(Stats)

	listener net.Listener
	sessions *safemap.SafeMap[uint64, TCPServerSession]
	ids      *idgenerator.IdGenerator
	pool     *workerpool.Pool

	active   atomic.Int64
	rejected atomic.Uint64
	running  atomic.Bool
	stopping atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}

	sessionWG sync.WaitGroup
	loopsWG   sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// NewTCPServer validates cfg and builds a server that has not started
// listening yet.
//
// Parameters:
//   - cfg: Server settings; zero values take their defaults except the timeouts
//   - handler: Dispatches each request frame
//   - opts: Logger, metrics and stats hook options
//
// Returns:
//   - The server
//   - An error if cfg is invalid or handler is nil
func NewTCPServer(cfg Config, handler Handler, opts ...Option) (*TCPServer, error) {
	if handler == nil {
		return nil, errors.New("tcpserver: handler is required")
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("tcpserver: %w", err)
	}

	s := &TCPServer{
		cfg:      cfg,
		log:      logger.NewNopLogger(),
		handler:  handler,
		metrics:  metrics.NewNoop(),
		sessions: safemap.NewSafeMap[uint64, TCPServerSession](),
		ids:      idgenerator.NewIdGenerator(0),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With(logger.Field{Key: "server", Value: cfg.Name})
	s.pool = workerpool.New(cfg.Workers, cfg.QueueSize, s.log.With(logger.Field{Key: "component", Value: "workerpool"}))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s, nil
}

// Listen binds Config.Addr and starts serving on it.
func (s *TCPServer) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("server failed to start", logger.Err(err))
		return fmt.Errorf("server %s failed to start: %w", s.cfg.Name, err)
	}

	if err := s.Start(ln); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// Start serves on ln, which the server now owns. The accept loop runs on its
// own goroutine.
//
// Returns:
//   - ErrAlreadyRunning if the server is serving
//   - ErrServerStopped if Stop has been called
func (s *TCPServer) Start(ln net.Listener) error {
	if s.stopping.Load() {
		return ErrServerStopped
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	s.listener = ln
	s.log.Info(fmt.Sprintf("%s server started", s.cfg.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})

	s.loopsWG.Add(1)
	go func() {
		defer s.loopsWG.Done()
		s.AcceptLoop()
	}()

	if s.cfg.StatsInterval > 0 {
		s.loopsWG.Add(1)
		go func() {
			defer s.loopsWG.Done()
			s.statsLoop(s.cfg.StatsInterval)
		}()
	}

	return nil
}

// Addr returns the listener address, or nil before Start.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting, closes every session, lets the worker pool finish
// the requests already queued and waits for the session goroutines, all
// bounded by ctx. Later calls return the first call's result.
func (s *TCPServer) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *TCPServer) stop(ctx context.Context) error {
	s.stopping.Store(true)
	wasRunning := s.running.Load()
	if wasRunning {
		s.log.Info(fmt.Sprintf("%s server stopping", s.cfg.Name))
		_ = s.listener.Close()
	}

	close(s.quit)
	s.loopsWG.Wait()

	for _, session := range s.sessions.Values() {
		_ = session.Close()
	}

	var errs []error
	if err := s.pool.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker pool: %w", err))
	}

	done := make(chan struct{})
	go func() {
		s.sessionWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("sessions: %w", ctx.Err()))
	}

	s.cancel()
	s.running.Store(false)

	if wasRunning {
		s.log.Info(fmt.Sprintf("%s server stopped", s.cfg.Name),
			logger.Field{Key: "sessions_total", Value: s.ids.Last()},
			logger.Field{Key: "rejected_total", Value: s.rejected.Load()},
		)
	}
	return errors.Join(errs...)
}

// AcceptLoop accepts connections until the listener closes. Transient
// accept errors back off exponentially up to one second.
func (s *TCPServer) AcceptLoop() {
	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			backoff = min(max(backoff*2, minAcceptBackoff), maxAcceptBackoff)
			s.log.Error(fmt.Sprintf("%s server accept error", s.cfg.Name),
				logger.Err(err),
				logger.Field{Key: "retry_in", Value: backoff.String()},
			)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.admit(conn)
	}
}

// admit registers conn as a session if a slot is free and closes it
// otherwise.
func (s *TCPServer) admit(conn net.Conn) {
	if !s.tryAcquire() {
		s.rejected.Add(1)
		s.metrics.ConnectionRejected()
		s.log.Warn("rejecting connection",
			logger.Err(ErrAdmissionRejected),
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
			logger.Field{Key: "max_connections", Value: s.cfg.MaxConnections},
		)
		_ = conn.Close()
		return
	}

	id := s.ids.Id()
	session := newSession(id, conn, s)
	s.AddSession(id, session)
	s.metrics.ConnectionAccepted()
	s.metrics.SetActiveConnections(s.active.Load())

	s.sessionWG.Add(1)
	go func() {
		defer s.sessionWG.Done()
		session.Handle(s.ctx)
	}()
}

// tryAcquire takes an admission slot if fewer than MaxConnections are held.
func (s *TCPServer) tryAcquire() bool {
	limit := int64(s.cfg.MaxConnections)
	for {
		cur := s.active.Load()
		if cur >= limit {
			return false
		}
		if s.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// release unregisters session id and frees its admission slot. Only the
// first release of an id has any effect.
func (s *TCPServer) release(id uint64) {
	if _, ok := s.sessions.LoadAndDelete(id); !ok {
		return
	}

	n := s.active.Add(-1)
	s.metrics.ConnectionClosed()
	s.metrics.SetActiveConnections(n)
}

// AddSession stores a session under the given id.
//
// Parameters:
//   - id: The session ID to associate with the session
//   - session: The session to store
func (s *TCPServer) AddSession(id uint64, session TCPServerSession) {
	s.sessions.Store(id, session)
}

// RemoveSession closes and unregisters the session with the given id.
func (s *TCPServer) RemoveSession(id uint64) {
	if session, ok := s.sessions.Load(id); ok {
		_ = session.Close()
	}
}

// GetSession returns the session for the given id, if present.
//
// Returns:
//   - The session and true if found, or nil and false otherwise
func (s *TCPServer) GetSession(id uint64) (TCPServerSession, bool) {
	return s.sessions.Load(id)
}

// ActiveConnections returns the number of admitted sessions that have not
// closed yet.
func (s *TCPServer) ActiveConnections() int64 {
	return s.active.Load()
}
