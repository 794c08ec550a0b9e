// Package metrics defines the observability hooks of the character server and
// their Prometheus implementation.
package metrics

import "time"

// ServerMetrics receives connection and request events from the session
// manager. Passing nil where a ServerMetrics is accepted selects the no-op
// implementation.
type ServerMetrics interface {
	// ConnectionAccepted counts an admitted connection.
	ConnectionAccepted()

	// ConnectionRejected counts a connection closed because the server was
	// at its connection limit.
	ConnectionRejected()

	// ConnectionClosed counts a session reaching its closed state.
	ConnectionClosed()

	// SetActiveConnections reports the current admitted-session count.
	SetActiveConnections(n int64)

	// RecordRequest records one dispatched request.
	//
	// Parameters:
	//   - command: Request command name (e.g. "GET_ALL")
	//   - status: "success" or "error"
	//   - duration: Time from dispatch start to result
	RecordRequest(command, status string, duration time.Duration)

	// SetQueueDepth reports how many dispatch tasks wait for a worker.
	SetQueueDepth(n int)

	// RecordCache reports cumulative cache counters for one cache.
	RecordCache(cache string, hits, misses uint64)
}

type noopMetrics struct{}

// NewNoop returns a ServerMetrics that records nothing.
func NewNoop() ServerMetrics {
	return noopMetrics{}
}

func (noopMetrics) ConnectionAccepted()                         {}
func (noopMetrics) ConnectionRejected()                         {}
func (noopMetrics) ConnectionClosed()                           {}
func (noopMetrics) SetActiveConnections(int64)                  {}
func (noopMetrics) RecordRequest(string, string, time.Duration) {}
func (noopMetrics) SetQueueDepth(int)                           {}
func (noopMetrics) RecordCache(string, uint64, uint64)          {}
