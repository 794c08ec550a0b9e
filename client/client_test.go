package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/character-server/character"
	"github.com/cyberinferno/character-server/dispatch"
	"github.com/cyberinferno/character-server/protocol"
	"github.com/cyberinferno/character-server/store"
	"github.com/cyberinferno/character-server/tcpserver"
)

var testOptions = Options{
	ConnectionTimeout: 2 * time.Second,
	ReadTimeout:       5 * time.Second,
	WriteTimeout:      5 * time.Second,
}

func aria() character.Character {
	return character.Character{Name: "Aria", Surname: "Stone", Age: 29, Bio: "Explorer"}
}

// startServer runs a character server on a memory store and returns its
// address.
func startServer(t *testing.T) string {
	t.Helper()

	st := store.NewMemoryStore()
	srv, err := tcpserver.NewTCPServer(tcpserver.Config{
		Name:         "test",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, dispatch.New(st, nil))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Start(ln))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		_ = st.Close()
	})
	return ln.Addr().String()
}

// startSilentServer accepts connections, drains them and never replies.
func startSilentServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(io.Discard, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func dial(t *testing.T, addr string, opts Options) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), addr, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConn_Operations(t *testing.T) {
	ctx := context.Background()
	c := dial(t, startServer(t), testOptions)

	resp, err := c.Do(ctx, protocol.AddRequest(aria()))
	require.NoError(t, err)
	assert.Equal(t, protocol.RespSuccess, resp.Command)
	assert.Empty(t, resp.Body)

	resp, err = c.Do(ctx, protocol.GetAllRequest())
	require.NoError(t, err)
	require.Equal(t, protocol.CmdGetAll, resp.Command)
	all, err := character.UnmarshalList(resp.Body)
	require.NoError(t, err)
	require.Len(t, all, 1)
	id := all[0].ID

	resp, err = c.Do(ctx, protocol.GetOneRequest(id))
	require.NoError(t, err)
	require.Equal(t, protocol.CmdGetOne, resp.Command)
	got, err := character.Unmarshal(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Aria", got.Name)

	got.Age = 30
	resp, err = c.Do(ctx, protocol.UpdateRequest(got))
	require.NoError(t, err)
	assert.Equal(t, protocol.RespSuccess, resp.Command)

	resp, err = c.Do(ctx, protocol.RemoveRequest(id))
	require.NoError(t, err)
	assert.Equal(t, protocol.RespSuccess, resp.Command)

	resp, err = c.Do(ctx, protocol.GetOneRequest(id))
	require.NoError(t, err)
	assert.Equal(t, protocol.RespError, resp.Command)
	assert.False(t, c.IsClosed())
}

func TestConn_Pipeline(t *testing.T) {
	c := dial(t, startServer(t), testOptions)

	var reqs []protocol.Frame
	for i := 0; i < 10; i++ {
		ch := aria()
		ch.Name = fmt.Sprintf("c%d", i)
		reqs = append(reqs, protocol.AddRequest(ch))
	}
	reqs = append(reqs, protocol.GetAllRequest())

	resps, err := c.Pipeline(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, resps, len(reqs))

	for i := 0; i < 10; i++ {
		assert.Equal(t, protocol.RespSuccess, resps[i].Command, "response %d", i)
	}

	all, err := character.UnmarshalList(resps[10].Body)
	require.NoError(t, err)
	require.Len(t, all, 10)
	for i, ch := range all {
		assert.Equal(t, fmt.Sprintf("c%d", i), ch.Name)
	}
}

func TestConn_RefusesDelimiterInBody(t *testing.T) {
	ctx := context.Background()
	c := dial(t, startServer(t), testOptions)

	bad := aria()
	bad.Bio = "line one\r\nline two"
	_, err := c.Do(ctx, protocol.AddRequest(bad))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// 0x0A0D encodes as 0D 0A 00 00.
	_, err = c.Do(ctx, protocol.GetOneRequest(0x0A0D))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.Pipeline(ctx, []protocol.Frame{protocol.GetAllRequest(), protocol.AddRequest(bad)})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.False(t, c.IsClosed())
	resp, err := c.Do(ctx, protocol.GetAllRequest())
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdGetAll, resp.Command)
}

func TestReadResponse_ParsesByLength(t *testing.T) {
	ch := aria()
	ch.ID = 7
	ch.Bio = "x\r\ny"

	var wire []byte
	wire = protocol.GetOneFrame(ch).Append(wire)
	wire = protocol.GetAllFrame([]character.Character{ch, ch}).Append(wire)
	wire = protocol.SuccessFrame().Append(wire)
	r := bufio.NewReader(bytes.NewReader(wire))

	one, err := readResponse(r, protocol.CmdGetOne)
	require.NoError(t, err)
	assert.Equal(t, character.Marshal(ch), one.Body)

	list, err := readResponse(r, protocol.CmdGetAll)
	require.NoError(t, err)
	assert.Equal(t, character.MarshalList([]character.Character{ch, ch}), list.Body)

	ok, err := readResponse(r, protocol.CmdAddCharacter)
	require.NoError(t, err)
	assert.Equal(t, protocol.RespSuccess, ok.Command)
}

func TestReadResponse_Errors(t *testing.T) {
	record := character.Marshal(aria())

	badSize := []byte{byte(protocol.CmdGetAll)}
	badSize = binary.LittleEndian.AppendUint32(badSize, 1)
	badSize = binary.LittleEndian.AppendUint32(badSize, uint32(len(record)+1))
	badSize = append(badSize, record...)
	badSize = append(badSize, protocol.Delimiter...)

	hugeField := []byte{byte(protocol.CmdGetOne), 1, 0, 0, 0}
	hugeField = binary.LittleEndian.AppendUint32(hugeField, maxFieldSize+1)

	tests := []struct {
		name string
		cmd  protocol.Command
		wire []byte
		want error
	}{
		{"status does not match request", protocol.CmdAddCharacter, []byte{0x04, '\r', '\n'}, ErrUnexpectedResponse},
		{"missing delimiter", protocol.CmdAddCharacter, []byte{0x80, 'x', 'y'}, ErrUnexpectedResponse},
		{"truncated record", protocol.CmdGetOne, []byte{0x04, 1, 0}, io.ErrUnexpectedEOF},
		{"element size mismatch", protocol.CmdGetAll, badSize, ErrUnexpectedResponse},
		{"field too large", protocol.CmdGetOne, hugeField, ErrUnexpectedResponse},
		{"empty stream", protocol.CmdGetAll, nil, io.EOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readResponse(bufio.NewReader(bytes.NewReader(tt.wire)), tt.cmd)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConn_ReadTimeout(t *testing.T) {
	opts := testOptions
	opts.ReadTimeout = 50 * time.Millisecond
	c := dial(t, startSilentServer(t), opts)

	_, err := c.Do(context.Background(), protocol.GetAllRequest())
	require.Error(t, err)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
	assert.True(t, c.IsClosed())

	_, err = c.Do(context.Background(), protocol.GetAllRequest())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConn_ContextCancel(t *testing.T) {
	c := dial(t, startSilentServer(t), testOptions)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.Do(ctx, protocol.GetAllRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, c.IsClosed())

	_, err = c.Do(ctx, protocol.GetAllRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConn_Close(t *testing.T) {
	c := dial(t, startServer(t), testOptions)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Do(context.Background(), protocol.GetAllRequest())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func newClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestClient_Operations(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, DefaultConfig(startServer(t)))

	require.NoError(t, c.Add(ctx, aria()))

	all, err := c.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	id := all[0].ID

	got, err := c.GetOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Stone", got.Surname)

	got.Bio = "Cartographer"
	require.NoError(t, c.Update(ctx, got))

	got, err = c.GetOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Cartographer", got.Bio)

	require.NoError(t, c.Remove(ctx, id))

	_, err = c.GetOne(ctx, id)
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorIs(t, c.Remove(ctx, id), ErrRequestFailed)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.CreatedConns)
	assert.Equal(t, "closed", stats.BreakerState)
}

func TestClient_ErrorThatClosesSessionDestroysConnection(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, DefaultConfig(startServer(t)))

	resp, err := c.Do(ctx, protocol.Frame{Command: 0xFF})
	require.NoError(t, err)
	assert.Equal(t, protocol.RespError, resp.Command)

	assert.Eventually(t, func() bool {
		return c.Stats().DestroyedConns == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = c.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.Stats().CreatedConns)
}

func TestClient_Concurrent(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig(startServer(t))
	cfg.MaxConns = 4
	c := newClient(t, cfg)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := aria()
			ch.Name = fmt.Sprintf("n%d", i)
			errs <- c.Add(ctx, ch)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	all, err := c.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, n)

	stats := c.Stats()
	assert.LessOrEqual(t, stats.TotalConns, int32(4))
	assert.LessOrEqual(t, stats.CreatedConns, uint64(4))
}

func TestClient_BreakerOpens(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultConfig(addr)
	cfg.ConnectionTimeout = time.Second
	cfg.Breaker.Timeout = time.Minute
	c := newClient(t, cfg)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.GetAll(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}

	_, err = c.GetAll(ctx)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, "open", c.Stats().BreakerState)
}

func TestClient_RefusedRequestsDoNotTrip(t *testing.T) {
	cfg := DefaultConfig(startServer(t))
	cfg.Breaker.MinRequests = 1
	cfg.Breaker.FailureRatio = 0.1
	c := newClient(t, cfg)

	bad := aria()
	bad.Name = "A\r\nB"
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, c.Add(context.Background(), bad), ErrInvalidRequest)
	}

	assert.Equal(t, "closed", c.Stats().BreakerState)
	require.NoError(t, c.Add(context.Background(), aria()))
}

func TestClient_BreakerDisabled(t *testing.T) {
	cfg := DefaultConfig(startServer(t))
	cfg.Breaker.Disabled = true
	c := newClient(t, cfg)

	require.NoError(t, c.Add(context.Background(), aria()))
	assert.Equal(t, "disabled", c.Stats().BreakerState)
}
