package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exposition renders reg in the text format.
func exposition(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, prometheus.WriteToTextfile(path, reg))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)

	m.ConnectionAccepted()
	m.ConnectionAccepted()
	m.ConnectionRejected()
	m.ConnectionClosed()
	m.SetActiveConnections(1)
	m.SetQueueDepth(7)
	m.RecordRequest("GET_ONE", "ok", time.Millisecond)
	m.RecordRequest("GET_ONE", "error", time.Millisecond)

	out := exposition(t, reg)
	for _, line := range []string{
		"charserver_connections_accepted_total 2",
		"charserver_connections_rejected_total 1",
		"charserver_connections_closed_total 1",
		"charserver_active_connections 1",
		"charserver_dispatch_queue_depth 7",
		`charserver_requests_total{command="GET_ONE",status="ok"} 1`,
		`charserver_requests_total{command="GET_ONE",status="error"} 1`,
		`charserver_request_duration_seconds_count{command="GET_ONE"} 2`,
	} {
		assert.Contains(t, out, line)
	}

	t.Run("cache counters add only the difference", func(t *testing.T) {
		m.RecordCache("record", 3, 1)
		m.RecordCache("record", 5, 1)
		m.RecordCache("list", 1, 4)

		out := exposition(t, reg)
		assert.Contains(t, out, `charserver_cache_lookups_total{cache="record",result="hit"} 5`)
		assert.Contains(t, out, `charserver_cache_lookups_total{cache="record",result="miss"} 1`)
		assert.Contains(t, out, `charserver_cache_lookups_total{cache="list",result="miss"} 4`)
	})
}

func TestNoop(t *testing.T) {
	m := NewNoop()
	assert.NotPanics(t, func() {
		m.ConnectionAccepted()
		m.RecordRequest("GET_ALL", "ok", time.Second)
		m.RecordCache("record", 1, 1)
	})
}

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheus(reg).ConnectionAccepted()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ln.Addr().String(), reg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		body = string(data)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, strings.Contains(body, "charserver_connections_accepted_total"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
	assert.NoError(t, srv.Stop(context.Background()))
}
