package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/cyberinferno/character-server/character"
	"github.com/cyberinferno/character-server/logger"
	"github.com/cyberinferno/character-server/protocol"
)

// BreakerConfig configures the circuit breaker in front of the server.
type BreakerConfig struct {
	// Disabled sends every call straight to the pool.
	Disabled bool

	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32

	// Interval is the cyclic period in the closed state after which the
	// failure counts are cleared. Zero never clears them.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// MinRequests and FailureRatio decide when the breaker trips.
	MinRequests  uint32
	FailureRatio float64
}

// Config holds configuration for Client.
type Config struct {
	// Address is the "host:port" of the server.
	Address string

	// MaxConns caps pooled connections.
	MaxConns int32

	// ConnectionTimeout, ReadTimeout and WriteTimeout are passed to every
	// Conn; see Options.
	ConnectionTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration

	Breaker BreakerConfig

	// Logger receives breaker state changes. Optional.
	Logger logger.Logger
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with MaxConns 4, ConnectionTimeout 10s, ReadTimeout 30s,
//     WriteTimeout 10s and a breaker that trips when 60% of at least 3
//     calls fail, staying open for 5s
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		MaxConns:          4,
		ConnectionTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		Breaker: BreakerConfig{
			MaxRequests:  1,
			Interval:     time.Minute,
			Timeout:      5 * time.Second,
			MinRequests:  3,
			FailureRatio: 0.6,
		},
	}
}

// Stats is a snapshot of the connection pool and breaker.
type Stats struct {
	TotalConns     int32
	IdleConns      int32
	AcquiredConns  int32
	AcquireCount   int64
	CreatedConns   uint64
	DestroyedConns uint64
	BreakerState   string
}

// Client is a pooled connection to one character server. It is safe for
// concurrent use.
type Client struct {
	cfg     Config
	pool    *puddle.Pool[*Conn]
	breaker *gobreaker.CircuitBreaker[[]protocol.Frame]

	createdConns   atomic.Uint64
	destroyedConns atomic.Uint64
}

// New creates a Client. No connection is made until the first call.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("client: address is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}

	c := &Client{cfg: cfg}
	opts := Options{
		ConnectionTimeout: cfg.ConnectionTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	pool, err := puddle.NewPool(&puddle.Config[*Conn]{
		Constructor: func(ctx context.Context) (*Conn, error) {
			conn, err := Dial(ctx, cfg.Address, opts)
			if err == nil {
				c.createdConns.Add(1)
			}
			return conn, err
		},
		Destructor: func(conn *Conn) {
			c.destroyedConns.Add(1)
			_ = conn.Close()
		},
		MaxSize: cfg.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("client: create pool: %w", err)
	}
	c.pool = pool

	if !cfg.Breaker.Disabled {
		c.breaker = gobreaker.NewCircuitBreaker[[]protocol.Frame](c.breakerSettings())
	}
	return c, nil
}

func (c *Client) breakerSettings() gobreaker.Settings {
	bc := c.cfg.Breaker
	return gobreaker.Settings{
		Name:        c.cfg.Address,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests || counts.Requests == 0 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRatio
		},
		// A reply of any kind, or a request refused locally, says nothing
		// bad about the server.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrInvalidRequest) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.cfg.Logger.Warn("circuit breaker state changed",
				logger.Field{Key: "server", Value: name},
				logger.Field{Key: "from", Value: from.String()},
				logger.Field{Key: "to", Value: to.String()},
			)
		},
	}
}

// Pipeline sends reqs on one pooled connection and returns their replies in
// order. RESP_ERROR replies are returned as frames.
func (c *Client) Pipeline(ctx context.Context, reqs []protocol.Frame) ([]protocol.Frame, error) {
	if c.breaker == nil {
		return c.execute(ctx, reqs)
	}
	return c.breaker.Execute(func() ([]protocol.Frame, error) {
		return c.execute(ctx, reqs)
	})
}

// Do sends one request and returns its reply.
func (c *Client) Do(ctx context.Context, req protocol.Frame) (protocol.Frame, error) {
	resps, err := c.Pipeline(ctx, []protocol.Frame{req})
	if err != nil {
		return protocol.Frame{}, err
	}
	return resps[0], nil
}

func (c *Client) execute(ctx context.Context, reqs []protocol.Frame) ([]protocol.Frame, error) {
	res, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	conn := res.Value()
	resps, err := conn.Pipeline(ctx, reqs)
	if err != nil || conn.IsClosed() || closesSession(reqs, resps) {
		res.Destroy()
	} else {
		res.Release()
	}
	return resps, err
}

// closesSession reports whether the server ends the session after one of
// these replies: RESP_ERROR to ADD, UPDATE or an unknown command.
func closesSession(reqs, resps []protocol.Frame) bool {
	for i, resp := range resps {
		if resp.Command != protocol.RespError {
			continue
		}
		switch cmd := reqs[i].Command; {
		case cmd == protocol.CmdAddCharacter, cmd == protocol.CmdUpdateCharacter, !cmd.Known():
			return true
		}
	}
	return false
}

// expect turns a reply into an error unless it carries want.
func expect(resp protocol.Frame, want protocol.Command) error {
	switch resp.Command {
	case want:
		return nil
	case protocol.RespError:
		return ErrRequestFailed
	default:
		return fmt.Errorf("%w: %s, want %s", ErrUnexpectedResponse, resp.Command, want)
	}
}

// GetAll returns every record, ordered by id.
func (c *Client) GetAll(ctx context.Context) ([]character.Character, error) {
	resp, err := c.Do(ctx, protocol.GetAllRequest())
	if err != nil {
		return nil, err
	}
	if err := expect(resp, protocol.CmdGetAll); err != nil {
		return nil, err
	}
	return character.UnmarshalList(resp.Body)
}

// GetOne returns the record with the given id. A missing record is
// reported as ErrRequestFailed.
func (c *Client) GetOne(ctx context.Context, id int32) (character.Character, error) {
	resp, err := c.Do(ctx, protocol.GetOneRequest(id))
	if err != nil {
		return character.Character{}, err
	}
	if err := expect(resp, protocol.CmdGetOne); err != nil {
		return character.Character{}, err
	}
	return character.Unmarshal(resp.Body)
}

// Add inserts ch. The server assigns the id; ch.ID is ignored.
func (c *Client) Add(ctx context.Context, ch character.Character) error {
	resp, err := c.Do(ctx, protocol.AddRequest(ch))
	if err != nil {
		return err
	}
	return expect(resp, protocol.RespSuccess)
}

// Update overwrites the record with id ch.ID.
func (c *Client) Update(ctx context.Context, ch character.Character) error {
	resp, err := c.Do(ctx, protocol.UpdateRequest(ch))
	if err != nil {
		return err
	}
	return expect(resp, protocol.RespSuccess)
}

// Remove deletes the record with the given id.
func (c *Client) Remove(ctx context.Context, id int32) error {
	resp, err := c.Do(ctx, protocol.RemoveRequest(id))
	if err != nil {
		return err
	}
	return expect(resp, protocol.RespSuccess)
}

// Stats returns a snapshot of the pool and breaker.
func (c *Client) Stats() Stats {
	s := c.pool.Stat()
	st := Stats{
		TotalConns:     s.TotalResources(),
		IdleConns:      s.IdleResources(),
		AcquiredConns:  s.AcquiredResources(),
		AcquireCount:   s.AcquireCount(),
		CreatedConns:   c.createdConns.Load(),
		DestroyedConns: c.destroyedConns.Load(),
		BreakerState:   "disabled",
	}
	if c.breaker != nil {
		st.BreakerState = c.breaker.State().String()
	}
	return st
}

// Close closes every pooled connection. It waits for acquired connections
// to be returned.
func (c *Client) Close() {
	c.pool.Close()
}
