// Package client speaks the character server protocol. Conn is a single
// connection that can pipeline requests; Client pools connections and
// guards them with a circuit breaker.
package client

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/character-server/protocol"
)

const (
	// maxFieldSize caps a single string field in a response.
	maxFieldSize = 16 << 20

	// maxResponseSize caps the payload of a single response.
	maxResponseSize = 256 << 20
)

var (
	// ErrConnectionClosed is returned once a Conn has been closed or has
	// failed an I/O operation.
	ErrConnectionClosed = errors.New("client: connection closed")

	// ErrInvalidRequest marks a request whose body holds the frame
	// delimiter. It is never sent.
	ErrInvalidRequest = errors.New("client: request body contains \\r\\n")

	// ErrUnexpectedResponse marks a reply that does not fit the request.
	// The connection is unusable afterwards.
	ErrUnexpectedResponse = errors.New("client: unexpected response")

	// ErrRequestFailed is returned when the server answers RESP_ERROR.
	ErrRequestFailed = errors.New("client: server returned RESP_ERROR")
)

// Options holds the socket timeouts of a Conn. A zero timeout means the
// operation is bounded only by the caller's context.
type Options struct {
	// ConnectionTimeout bounds dialing.
	ConnectionTimeout time.Duration

	// ReadTimeout bounds reading one response.
	ReadTimeout time.Duration

	// WriteTimeout bounds writing one batch of requests.
	WriteTimeout time.Duration
}

// Conn is one protocol connection. It is safe for concurrent use; calls are
// serialized so that responses are matched to requests by order.
type Conn struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
	opts   Options

	mu       sync.Mutex
	wbuf     []byte
	lastUsed time.Time
	closed   bool
}

// Dial connects to addr.
//
// Parameters:
//   - ctx: Bounds the dial together with opts.ConnectionTimeout
//   - addr: The "host:port" of the server
//   - opts: Socket timeouts
//
// Returns:
//   - The connected Conn
//   - An error if the server cannot be reached
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	d := net.Dialer{Timeout: opts.ConnectionTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return NewConn(nc, opts), nil
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn, opts Options) *Conn {
	return &Conn{
		addr:     nc.RemoteAddr().String(),
		conn:     nc,
		reader:   bufio.NewReader(nc),
		opts:     opts,
		lastUsed: time.Now(),
	}
}

// Do sends req and waits for its response. A RESP_ERROR reply is returned
// as a frame, not as an error.
func (c *Conn) Do(ctx context.Context, req protocol.Frame) (protocol.Frame, error) {
	resps, err := c.Pipeline(ctx, []protocol.Frame{req})
	if err != nil {
		return protocol.Frame{}, err
	}
	return resps[0], nil
}

// Pipeline writes every request in one batch and then reads the responses,
// which the server sends in request order.
//
// Parameters:
//   - ctx: Cancelling it aborts the exchange and closes the connection
//   - reqs: The requests; none may contain the delimiter in its body
//
// Returns:
//   - One response per request, in the same order
//   - ErrInvalidRequest before anything is sent, or the first I/O or
//     parse error; after such an error the connection is closed
func (c *Conn) Pipeline(ctx context.Context, reqs []protocol.Frame) ([]protocol.Frame, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	for i, req := range reqs {
		if !req.Framable() {
			return nil, fmt.Errorf("%w (request %d, %s)", ErrInvalidRequest, i, req.Command)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	resps, err := c.exchange(ctx, reqs)
	if err != nil {
		c.closeLocked()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	c.lastUsed = time.Now()
	return resps, nil
}

func (c *Conn) exchange(ctx context.Context, reqs []protocol.Frame) ([]protocol.Frame, error) {
	c.wbuf = c.wbuf[:0]
	for _, req := range reqs {
		c.wbuf = req.Append(c.wbuf)
	}

	if err := c.conn.SetWriteDeadline(deadline(ctx, c.opts.WriteTimeout)); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(c.wbuf); err != nil {
		return nil, fmt.Errorf("client: write: %w", err)
	}

	resps := make([]protocol.Frame, 0, len(reqs))
	for _, req := range reqs {
		if err := c.conn.SetReadDeadline(deadline(ctx, c.opts.ReadTimeout)); err != nil {
			return nil, err
		}
		resp, err := readResponse(c.reader, req.Command)
		if err != nil {
			return nil, err
		}
		resps = append(resps, resp)
	}
	return resps, nil
}

// deadline picks the earlier of the context deadline and now+timeout. The
// zero time means no deadline.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

// Addr returns the server address.
func (c *Conn) Addr() string {
	return c.addr
}

// LastUsed returns when the last successful exchange finished.
func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// IsClosed reports whether the connection can no longer be used.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Conn) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// readResponse reads one reply to a request of kind cmd. The payload is
// walked through its own length prefixes, so a record field holding "\r\n"
// does not end the frame early.
func readResponse(r *bufio.Reader, cmd protocol.Command) (protocol.Frame, error) {
	b, err := r.ReadByte()
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("client: read status: %w", err)
	}
	status := protocol.Command(b)

	var body []byte
	switch {
	case status == protocol.RespSuccess, status == protocol.RespError:
	case status == cmd && cmd == protocol.CmdGetAll:
		body, err = readList(r)
	case status == cmd && cmd == protocol.CmdGetOne:
		body, err = readRecord(r, nil)
	default:
		return protocol.Frame{}, fmt.Errorf("%w: %s in reply to %s", ErrUnexpectedResponse, status, cmd)
	}
	if err != nil {
		return protocol.Frame{}, err
	}

	var delim [2]byte
	if _, err := io.ReadFull(r, delim[:]); err != nil {
		return protocol.Frame{}, fmt.Errorf("client: read delimiter: %w", err)
	}
	if delim[0] != protocol.Delimiter[0] || delim[1] != protocol.Delimiter[1] {
		return protocol.Frame{}, fmt.Errorf("%w: missing delimiter after %s", ErrUnexpectedResponse, status)
	}

	return protocol.Frame{Command: status, Body: body}, nil
}

// readRecord appends one encoded record to dst.
func readRecord(r *bufio.Reader, dst []byte) ([]byte, error) {
	var err error
	if dst, err = readN(r, dst, 4); err != nil { // id
		return nil, err
	}
	if dst, err = readString(r, dst); err != nil { // name
		return nil, err
	}
	if dst, err = readString(r, dst); err != nil { // surname
		return nil, err
	}
	if dst, err = readN(r, dst, 1); err != nil { // age
		return nil, err
	}
	return readString(r, dst) // bio
}

func readString(r *bufio.Reader, dst []byte) ([]byte, error) {
	start := len(dst)
	dst, err := readN(r, dst, 4)
	if err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(dst[start:])
	if n > maxFieldSize {
		return nil, fmt.Errorf("%w: field length %d", ErrUnexpectedResponse, n)
	}
	return readN(r, dst, int(n))
}

// readList reads a record list. Each element carries its own size, which
// must match the record it frames.
func readList(r *bufio.Reader) ([]byte, error) {
	body, err := readN(r, nil, 4)
	if err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(body)

	for i := uint32(0); i < count; i++ {
		if body, err = readN(r, body, 4); err != nil {
			return nil, err
		}
		size := binary.LittleEndian.Uint32(body[len(body)-4:])

		start := len(body)
		if body, err = readRecord(r, body); err != nil {
			return nil, err
		}
		if got := len(body) - start; uint32(got) != size {
			return nil, fmt.Errorf("%w: element %d declares %d bytes, holds %d", ErrUnexpectedResponse, i, size, got)
		}
		if len(body) > maxResponseSize {
			return nil, fmt.Errorf("%w: list exceeds %d bytes", ErrUnexpectedResponse, maxResponseSize)
		}
	}
	return body, nil
}

func readN(r *bufio.Reader, dst []byte, n int) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, n)...)
	if _, err := io.ReadFull(r, dst[start:]); err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	return dst, nil
}
