package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-rpc/codec"
	"mini-rpc/future"
	"mini-rpc/message"
	"mini-rpc/protocol"
	"mini-rpc/rpcerr"
)

var testCodec = &codec.JSONCodec{}

// startServer accepts connections on loopback and runs handle for each of them.
func startServer(t *testing.T, handle func(conn net.Conn)) message.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var wg sync.WaitGroup
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	tcp := ln.Addr().(*net.TCPAddr)
	return message.Address{Host: "127.0.0.1", Port: tcp.Port}
}

// readRequest reads the next non-heartbeat request.
func readRequest(r *bufio.Reader) (*message.Request, error) {
	for {
		body, err := protocol.Decode(r, protocol.DefaultMaxFrameSize)
		if err != nil {
			return nil, err
		}
		if protocol.IsHeartbeat(body) {
			continue
		}
		var req message.Request
		if err := testCodec.Decode(body, &req); err != nil {
			return nil, err
		}
		return &req, nil
	}
}

func writeResponse(conn net.Conn, resp *message.Response) error {
	body, err := testCodec.Encode(resp)
	if err != nil {
		return err
	}
	return protocol.Encode(conn, body)
}

// echoFirst answers every request with its first parameter.
func echoFirst(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		req, err := readRequest(r)
		if err != nil {
			return
		}
		resp := &message.Response{RequestID: req.RequestID}
		if len(req.Parameters) > 0 {
			resp.Result = req.Parameters[0]
		}
		if err := writeResponse(conn, resp); err != nil {
			return
		}
	}
}

func newRequest(t *testing.T, id string, args ...any) *message.Request {
	t.Helper()
	req, err := message.NewRequest(id, "Echo", "Echo", args...)
	require.NoError(t, err)
	return req
}

func testConnOptions(t *testing.T) ConnOptions {
	opts := DefaultConnOptions()
	opts.Logger = zaptest.NewLogger(t)
	return opts
}

func TestConnSendAndReceive(t *testing.T) {
	addr := startServer(t, echoFirst)
	c, err := Dial(testContext(t), addr, testConnOptions(t), nil)
	require.NoError(t, err)
	defer c.Close()

	f, err := c.Send(newRequest(t, "r1", "hello"))
	require.NoError(t, err)
	v, err := f.GetTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, addr, c.Addr())
}

func TestConnCorrelatesOutOfOrderResponses(t *testing.T) {
	const n = 3
	addr := startServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		var reqs []*message.Request
		for len(reqs) < n {
			req, err := readRequest(r)
			if err != nil {
				return
			}
			reqs = append(reqs, req)
		}
		for i := n - 1; i >= 0; i-- {
			_ = writeResponse(conn, &message.Response{RequestID: reqs[i].RequestID, Result: reqs[i].Parameters[0]})
		}
	})

	c, err := Dial(testContext(t), addr, testConnOptions(t), nil)
	require.NoError(t, err)
	defer c.Close()

	ids := []string{"a", "b", "c"}
	futures := make(map[string]*future.Future)
	for i, id := range ids {
		f, err := c.Send(newRequest(t, id, int64(i)))
		require.NoError(t, err)
		futures[id] = f
	}
	for i, id := range ids {
		v, err := futures[id].GetTimeout(time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(i), v, "request %s", id)
	}
}

func TestConnRemoteError(t *testing.T) {
	addr := startServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		req, err := readRequest(r)
		if err != nil {
			return
		}
		_ = writeResponse(conn, &message.Response{RequestID: req.RequestID, Error: "division by zero"})
		_, _ = readRequest(r)
	})
	c, err := Dial(testContext(t), addr, testConnOptions(t), nil)
	require.NoError(t, err)
	defer c.Close()

	f, err := c.Send(newRequest(t, "r1", int64(1)))
	require.NoError(t, err)
	_, err = f.GetTimeout(time.Second)
	require.Error(t, err)
	msg, ok := rpcerr.RemoteMessage(err)
	assert.True(t, ok)
	assert.Equal(t, "division by zero", msg)
	assert.True(t, c.Alive())
}

func TestConnDiscardsUnknownResponse(t *testing.T) {
	addr := startServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		req, err := readRequest(r)
		if err != nil {
			return
		}
		_ = writeResponse(conn, &message.Response{RequestID: "nobody-waits-for-this", Result: "stray"})
		_ = writeResponse(conn, &message.Response{RequestID: req.RequestID, Result: "mine"})
		_, _ = readRequest(r)
	})
	c, err := Dial(testContext(t), addr, testConnOptions(t), nil)
	require.NoError(t, err)
	defer c.Close()

	f, err := c.Send(newRequest(t, "r1"))
	require.NoError(t, err)
	v, err := f.GetTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "mine", v)
	assert.True(t, c.Alive())
}

func TestConnDisconnectFailsPendingCalls(t *testing.T) {
	received := make(chan struct{})
	addr := startServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for i := 0; i < 2; i++ {
			if _, err := readRequest(r); err != nil {
				return
			}
		}
		close(received)
		// returning closes the connection without answering
	})

	var closes atomic.Int32
	c, err := Dial(testContext(t), addr, testConnOptions(t), func(*Conn, error) { closes.Add(1) })
	require.NoError(t, err)

	f1, err := c.Send(newRequest(t, "r1"))
	require.NoError(t, err)
	f2, err := c.Send(newRequest(t, "r2"))
	require.NoError(t, err)
	<-received

	for _, f := range []*future.Future{f1, f2} {
		_, err := f.GetTimeout(time.Second)
		require.Error(t, err)
		assert.True(t, errors.Is(err, rpcerr.ErrConnectivity), err)
	}

	<-c.Done()
	assert.False(t, c.Alive())
	assert.True(t, errors.Is(c.Err(), rpcerr.ErrConnectivity))

	_, err = c.Send(newRequest(t, "r3"))
	assert.True(t, errors.Is(err, rpcerr.ErrConnectivity))

	_ = c.Close()
	assert.Equal(t, int32(1), closes.Load())
	assert.Equal(t, 0, c.Pending())
}

func TestConnCorruptFrameClosesConnection(t *testing.T) {
	addr := startServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		if _, err := readRequest(r); err != nil {
			return
		}
		_ = protocol.Encode(conn, []byte("definitely not an envelope"))
		_, _ = readRequest(r)
	})

	closed := make(chan error, 1)
	c, err := Dial(testContext(t), addr, testConnOptions(t), func(_ *Conn, err error) { closed <- err })
	require.NoError(t, err)

	f, err := c.Send(newRequest(t, "r1"))
	require.NoError(t, err)
	_, err = f.GetTimeout(time.Second)
	require.Error(t, err)

	select {
	case err := <-closed:
		assert.True(t, errors.Is(err, rpcerr.ErrCodec), err)
	case <-time.After(time.Second):
		t.Fatal("connection not closed after corrupt frame")
	}
}

func TestConnPendingExpiry(t *testing.T) {
	addr := startServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			if _, err := readRequest(r); err != nil {
				return
			}
		}
	})
	opts := testConnOptions(t)
	opts.PendingTTL = 40 * time.Millisecond
	c, err := Dial(testContext(t), addr, opts, nil)
	require.NoError(t, err)
	defer c.Close()

	f, err := c.Send(newRequest(t, "r1"))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Pending())

	_, err = f.GetTimeout(time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrTimeout), err)
	assert.Equal(t, 0, c.Pending())
	assert.True(t, c.Alive())
}

func TestConnAbandon(t *testing.T) {
	addr := startServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		req, err := readRequest(r)
		if err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
		_ = writeResponse(conn, &message.Response{RequestID: req.RequestID, Result: "late"})
		_, _ = readRequest(r)
	})
	c, err := Dial(testContext(t), addr, testConnOptions(t), nil)
	require.NoError(t, err)
	defer c.Close()

	f, err := c.Send(newRequest(t, "r1"))
	require.NoError(t, err)
	_, err = f.GetTimeout(10 * time.Millisecond)
	require.True(t, errors.Is(err, rpcerr.ErrTimeout))
	c.Abandon("r1")
	assert.Equal(t, 0, c.Pending())

	// the late response is discarded and the connection survives
	time.Sleep(100 * time.Millisecond)
	assert.True(t, c.Alive())
	_, err = f.GetTimeout(time.Second)
	assert.True(t, errors.Is(err, rpcerr.ErrTimeout))
}

func TestConnRejectsDuplicateRequestID(t *testing.T) {
	addr := startServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			if _, err := readRequest(r); err != nil {
				return
			}
		}
	})
	c, err := Dial(testContext(t), addr, testConnOptions(t), nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Send(newRequest(t, "same"))
	require.NoError(t, err)
	_, err = c.Send(newRequest(t, "same"))
	assert.ErrorIs(t, err, errDuplicateRequestID)
	assert.Equal(t, 1, c.Pending())
}

func TestConnSendsHeartbeats(t *testing.T) {
	beats := make(chan struct{}, 8)
	addr := startServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			body, err := protocol.Decode(r, protocol.DefaultMaxFrameSize)
			if err != nil {
				return
			}
			if protocol.IsHeartbeat(body) {
				select {
				case beats <- struct{}{}:
				default:
				}
			}
		}
	})
	opts := testConnOptions(t)
	opts.Heartbeat = 10 * time.Millisecond
	c, err := Dial(testContext(t), addr, opts, nil)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-beats:
		case <-time.After(time.Second):
			t.Fatal("no heartbeat received")
		}
	}
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = Dial(testContext(t), message.Address{Host: "127.0.0.1", Port: port}, testConnOptions(t), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrConnectivity))
}
