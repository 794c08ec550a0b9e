package tcpserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/character-server/protocol"
)

var (
	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("server already running")

	// ErrServerStopped is returned by Start after Stop.
	ErrServerStopped = errors.New("server stopped")

	// ErrAdmissionRejected is logged when a connection arrives while the
	// server holds MaxConnections sessions.
	ErrAdmissionRejected = errors.New("connection limit reached")

	errSessionClosed = errors.New("session closed")
)

// Config holds the session manager settings.
type Config struct {
	// Name prefixes log messages. Default "character".
	Name string

	// Addr is the listen address used by Listen, e.g. ":12345".
	Addr string

	// MaxConnections caps admitted sessions. Default 1000.
	MaxConnections int

	// Workers is the dispatch pool size. Default 16.
	Workers int

	// QueueSize is the dispatch queue capacity. Default 1024.
	QueueSize int

	// MaxPipelined caps the requests a session may have in flight before
	// it stops reading. Default 64.
	MaxPipelined int

	// MaxFrameSize caps the bytes buffered while looking for a delimiter.
	// Default 1 MiB.
	MaxFrameSize int

	// ReadTimeout bounds every socket read. Required.
	ReadTimeout time.Duration

	// WriteTimeout bounds every socket write. Required.
	WriteTimeout time.Duration

	// KeepAlivePeriod enables TCP keep-alive probes when positive.
	KeepAlivePeriod time.Duration

	// StatsInterval is how often server stats are logged; zero disables.
	StatsInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "character"
	}
	if c.Addr == "" {
		c.Addr = fmt.Sprintf(":%d", protocol.DefaultPort)
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = protocol.DefaultMaxConnections
	}
	if c.Workers <= 0 {
		c.Workers = protocol.DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxPipelined <= 0 {
		c.MaxPipelined = 64
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 1 << 20
	}
}

func (c *Config) validate() error {
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be positive")
	}
	return nil
}
