package tcpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/character-server/dispatch"
	"github.com/cyberinferno/character-server/logger"
	"github.com/cyberinferno/character-server/protocol"
	"github.com/cyberinferno/character-server/workerpool"
)

const readChunkSize = 4096

// TCPServerSession is what the server keeps in its registry for each
// admitted connection.
type TCPServerSession interface {
	// ID returns the identifier assigned at admission.
	ID() uint64

	// Handle runs the session until it closes. The server calls it on its
	// own goroutine.
	Handle(ctx context.Context)

	// Close closes the connection and releases the admission slot. Safe to
	// call any number of times from any goroutine.
	Close() error

	// State returns the read side's current state.
	State() State

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
}

// State is the read side of a session's lifecycle.
type State int32

const (
	// StateReadingCommand waits for the first byte of the next frame.
	StateReadingCommand State = iota

	// StateReadingBody accumulates bytes until the delimiter.
	StateReadingBody

	// StateDispatching hands a complete frame to the worker pool.
	StateDispatching

	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReadingCommand:
		return "reading_command"
	case StateReadingBody:
		return "reading_body"
	case StateDispatching:
		return "dispatching"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session serves one connection.
//
// A reader goroutine frames requests and queues up to MaxPipelined of them
// on pending. A second goroutine takes them off one at a time, runs each on
// the shared worker pool, waits for the result and writes it. Requests from
// one session therefore execute and answer strictly in arrival order while
// the reader keeps framing ahead.
type Session struct {
	id     uint64
	conn   net.Conn
	server *TCPServer
	log    logger.Logger

	rbuf     bytes.Buffer
	chunk    []byte
	scanFrom int
	wbuf     []byte

	pending chan protocol.Frame

	// outstanding counts requests framed but not yet answered. idleSince is
	// when the last reply went out, in unix nanoseconds.
	outstanding atomic.Int32
	idleSince   atomic.Int64

	// ctx ends when the session closes and bounds pool admission only.
	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id uint64, conn net.Conn, server *TCPServer) *Session {
	ctx, cancel := context.WithCancel(server.ctx)
	s := &Session{
		id:     id,
		conn:   conn,
		server: server,
		log: server.log.With(
			logger.Field{Key: "session_id", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
		),
		chunk:   make([]byte, readChunkSize),
		pending: make(chan protocol.Frame, server.cfg.MaxPipelined),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	s.idleSince.Store(time.Now().UnixNano())
	return s
}

func (s *Session) ID() uint64           { return s.id }
func (s *Session) State() State         { return State(s.state.Load()) }
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *Session) setState(st State) {
	// Closed is terminal; the reader must not overwrite it.
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed || s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// Handle implements TCPServerSession.
func (s *Session) Handle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
			_ = s.Close()
		}
	}()

	if err := configureConn(s.conn, s.server.cfg.KeepAlivePeriod); err != nil {
		s.log.Warn("failed to set socket options", logger.Err(err))
	}
	s.log.Debug("session started")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.serveLoop(ctx)
	}()

	err := s.readLoop()
	close(s.pending)

	// On EOF the requests already framed are still answered before the
	// session closes. Anything else closes at once.
	switch {
	case !errors.Is(err, io.EOF):
		s.closeWithError(err)
	case s.State() == StateReadingBody:
		s.log.Debug("client closed mid-frame, dropping partial request")
	default:
		s.log.Debug("connection closed by client")
	}

	<-writerDone
	_ = s.Close()
}

func (s *Session) readLoop() error {
	for {
		s.setState(StateReadingCommand)
		for s.rbuf.Len() == 0 {
			if err := s.fill(); err != nil {
				return err
			}
		}

		b, _ := s.rbuf.ReadByte()
		cmd := protocol.Command(b)

		s.setState(StateReadingBody)
		body, err := s.readBody(cmd)
		if err != nil {
			return err
		}

		s.setState(StateDispatching)
		s.outstanding.Add(1)
		select {
		case s.pending <- protocol.Frame{Command: cmd, Body: body}:
		case <-s.closed:
			return errSessionClosed
		}
	}
}

// readBody returns the bytes up to the next delimiter, reading more from the
// socket as needed. Bytes already scanned are not scanned again.
func (s *Session) readBody(cmd protocol.Command) ([]byte, error) {
	s.scanFrom = 0
	for {
		buf := s.rbuf.Bytes()
		if _, n, ok := protocol.Extract(buf[s.scanFrom:]); ok {
			end := s.scanFrom + n
			body := bytes.Clone(buf[:end-len(protocol.Delimiter)])
			s.rbuf.Next(end)
			return body, nil
		}

		if len(buf) > s.server.cfg.MaxFrameSize {
			return nil, &protocol.ProtocolError{Command: cmd, Err: protocol.ErrFrameTooLarge}
		}

		// A delimiter may straddle the end of what we have so far.
		s.scanFrom = max(0, len(buf)-len(protocol.Delimiter)+1)

		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

// fill performs one socket read. The read timeout only counts time spent
// waiting on the client: while a request is still being answered, or less
// than ReadTimeout has passed since the last reply, an expired deadline is
// pushed back and the read goes on.
func (s *Session) fill() error {
	timeout := s.server.cfg.ReadTimeout
	deadline := time.Now().Add(timeout)
	for {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return err
		}

		n, err := s.conn.Read(s.chunk)
		if n > 0 {
			s.rbuf.Write(s.chunk[:n])
			return nil
		}
		if err == nil {
			return io.ErrNoProgress
		}
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			return err
		}

		now := time.Now()
		if s.outstanding.Load() > 0 {
			deadline = now.Add(timeout)
			continue
		}
		idleUntil := time.Unix(0, s.idleSince.Load()).Add(timeout)
		if !idleUntil.After(now) {
			return err
		}
		deadline = idleUntil
	}
}

// execute runs f on the worker pool and waits for its result. A task the
// pool has accepted still runs to completion if the session closes first.
func (s *Session) execute(ctx context.Context, f protocol.Frame) (dispatch.Result, error) {
	if s.ctx.Err() != nil {
		return dispatch.Result{}, errSessionClosed
	}

	slot := make(chan dispatch.Result, 1)
	err := s.server.pool.Submit(s.ctx, func() {
		slot <- s.dispatch(ctx, f)
	})
	if err != nil {
		return dispatch.Result{}, err
	}

	select {
	case res := <-slot:
		return res, nil
	case <-s.closed:
		return dispatch.Result{}, errSessionClosed
	}
}

// dispatch runs the handler, turning a panic into an error response that
// closes the session.
func (s *Session) dispatch(ctx context.Context, f protocol.Frame) (res dispatch.Result) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("dispatch panicked",
				logger.Field{Key: "command", Value: f.Command.String()},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)},
			)
			res = dispatch.Result{
				Response: protocol.ErrorFrame(),
				Close:    true,
				Err:      fmt.Errorf("dispatch panic: %v", r),
			}
		}

		s.server.metrics.RecordRequest(f.Command.String(), res.Status(), time.Since(start))
	}()

	res = s.server.handler.Dispatch(ctx, f)
	if res.Err != nil {
		s.log.Debug("request failed",
			logger.Field{Key: "command", Value: f.Command.String()},
			logger.Err(res.Err),
		)
	}
	return res
}

// serveLoop answers pending requests in order. It also stops on Close, so a
// reader that dies without closing pending cannot strand it.
func (s *Session) serveLoop(ctx context.Context) {
	for {
		var f protocol.Frame
		select {
		case next, ok := <-s.pending:
			if !ok {
				return
			}
			f = next
		case <-s.closed:
			return
		}

		res, err := s.execute(ctx, f)
		if err != nil {
			s.closeWithError(err)
			return
		}

		if err := s.write(res.Response); err != nil {
			s.closeWithError(err)
			return
		}
		s.idleSince.Store(time.Now().UnixNano())
		s.outstanding.Add(-1)

		if res.Close {
			s.log.Info("closing session after error response", logger.Err(res.Err))
			_ = s.Close()
			return
		}
	}
}

// write sends one frame under a fresh write deadline.
func (s *Session) write(f protocol.Frame) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.WriteTimeout)); err != nil {
		return err
	}

	s.wbuf = f.Append(s.wbuf[:0])
	_, err := s.conn.Write(s.wbuf)
	return err
}

// closeWithError logs why the session is ending and closes it. Errors
// caused by an earlier Close are not logged.
func (s *Session) closeWithError(err error) {
	if s.State() == StateClosed {
		return
	}

	var (
		netErr   net.Error
		protoErr *protocol.ProtocolError
	)
	switch {
	case errors.Is(err, io.EOF):
		s.log.Debug("connection closed by peer")
	case errors.As(err, &netErr) && netErr.Timeout():
		s.log.Info("session timed out", logger.Field{Key: "state", Value: s.State().String()})
	case errors.As(err, &protoErr):
		s.log.Warn("protocol error, closing session", logger.Err(err))
	case errors.Is(err, workerpool.ErrPoolStopped), errors.Is(err, context.Canceled):
		s.log.Debug("server stopping, closing session")
	default:
		s.log.Warn("session error", logger.Err(err))
	}

	_ = s.Close()
}

// Close implements TCPServerSession. The first call shuts the socket down in
// both directions and gives the admission slot back to the server.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closed)
		s.cancel()
		err = shutdownConn(s.conn)
		s.server.release(s.id)
		s.log.Debug("session closed")
	})
	return err
}
