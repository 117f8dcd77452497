package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"mini-rpc/codec"
	"mini-rpc/future"
	"mini-rpc/registry"
	"mini-rpc/rpcerr"
	"mini-rpc/server"
)

type Arith struct {
	node string
}

func (a *Arith) Add(x, y int64) (int64, error) {
	return x + y, nil
}

func (a *Arith) Concat(parts []string, sep string) (string, error) {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out, nil
}

func (a *Arith) Fail() error {
	return errors.New("boom")
}

func (a *Arith) Sleep(ctx context.Context, ms int64) (string, error) {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return a.node, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *Arith) Node() (string, error) {
	return a.node, nil
}

func startServer(t testing.TB, opts ...server.Option) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	svr := server.NewServer(opts...)
	require.NoError(t, svr.Register(&Arith{node: addr}))
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(ln) }()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		<-served
	})
	return addr
}

// newClient returns a client that already holds a connection to every
// node in nodes.
func newClient(t testing.TB, nodes []string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithServers(nodes...), WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.Eventually(t, func() bool {
		return c.Pool().Len() == len(nodes)
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestCall(t *testing.T) {
	c := newClient(t, []string{startServer(t)})
	arith := c.Create("Arith")

	v, err := arith.Call(testContext(t), "Add", int64(1), int64(2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = arith.Call(testContext(t), "Concat", []string{"a", "b", "c"}, "-")
	require.NoError(t, err)
	assert.Equal(t, "a-b-c", v)

	sum, err := Invoke[int64](testContext(t), arith, "Add", int64(40), int64(2))
	require.NoError(t, err)
	assert.Equal(t, int64(42), sum)
}

func TestCallBinaryCodec(t *testing.T) {
	addr := startServer(t, server.WithCodec(&codec.BinaryCodec{}))
	c := newClient(t, []string{addr}, WithCodec(&codec.BinaryCodec{}))

	v, err := c.Create("Arith").Call(testContext(t), "Add", int64(5), int64(6))
	require.NoError(t, err)
	assert.Equal(t, int64(11), v)
}

func TestInvokeConvertsNamedTypes(t *testing.T) {
	type total int64
	c := newClient(t, []string{startServer(t)})

	v, err := Invoke[total](testContext(t), c.Create("Arith"), "Add", int64(1), int64(1))
	require.NoError(t, err)
	assert.Equal(t, total(2), v)

	_, err = Invoke[string](testContext(t), c.Create("Arith"), "Add", int64(1), int64(1))
	assert.True(t, errors.Is(err, rpcerr.ErrCodec), err)
}

func TestRemoteErrorsKeepConnection(t *testing.T) {
	c := newClient(t, []string{startServer(t)})
	arith := c.Create("Arith")

	_, err := arith.Call(testContext(t), "Fail")
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrRemote), err)
	msg, ok := rpcerr.RemoteMessage(err)
	require.True(t, ok)
	assert.Equal(t, "boom", msg)

	_, err = arith.Call(testContext(t), "Missing")
	assert.True(t, errors.Is(err, rpcerr.ErrRemote), err)
	_, err = c.Create("Nope").Call(testContext(t), "Add", int64(1), int64(2))
	assert.True(t, errors.Is(err, rpcerr.ErrRemote), err)
	_, err = arith.Call(testContext(t), "Add", 1.5, 2.5)
	assert.True(t, errors.Is(err, rpcerr.ErrRemote), err)

	// an unrelated call on the same connection still succeeds
	v, err := arith.Call(testContext(t), "Add", int64(2), int64(3))
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
	assert.Equal(t, 1, c.Pool().Len())
}

func TestUnsupportedArgumentIsNotSent(t *testing.T) {
	c := newClient(t, []string{startServer(t)})

	_, err := c.Create("Arith").Call(testContext(t), "Add", struct{ A int }{1}, int64(2))
	assert.True(t, errors.Is(err, rpcerr.ErrCodec), err)
	assert.Equal(t, 0, c.Pool().Conns()[0].Pending())
}

func TestCallTimeoutAbandonsPendingCall(t *testing.T) {
	c := newClient(t, []string{startServer(t)}, WithCallTimeout(50*time.Millisecond))
	arith := c.Create("Arith")

	start := time.Now()
	_, err := arith.Call(testContext(t), "Sleep", int64(300))
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrTimeout), err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	conn := c.Pool().Conns()[0]
	assert.Equal(t, 0, conn.Pending())

	// the late response is dropped and the connection keeps working
	time.Sleep(300 * time.Millisecond)
	v, err := arith.Call(testContext(t), "Add", int64(1), int64(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.True(t, conn.Alive())
}

func TestCallContextDeadlineWins(t *testing.T) {
	c := newClient(t, []string{startServer(t)}, WithCallTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(testContext(t), 30*time.Millisecond)
	defer cancel()
	_, err := c.Create("Arith").Call(ctx, "Sleep", int64(500))
	assert.True(t, errors.Is(err, rpcerr.ErrTimeout), err)

	ctx, cancel = context.WithCancel(testContext(t))
	cancel()
	_, err = c.Create("Arith").Call(ctx, "Sleep", int64(500))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNoAvailableServer(t *testing.T) {
	c, err := New(
		WithServers(closedAddr(t)),
		WithPoolTimeout(50*time.Millisecond),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	_, err = c.Create("Arith").Call(testContext(t), "Add", int64(1), int64(2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrNoAvailableServer), err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestNewRequiresNodes(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestReservedMethodsAreLocal(t *testing.T) {
	// no node ever answers: reserved names must not need one
	c, err := New(WithServers(closedAddr(t)), WithPoolTimeout(10*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	p := c.Create("Arith")
	other := c.Create("Arith")

	v, err := p.Call(testContext(t), MethodEquals, p)
	require.NoError(t, err)
	assert.Equal(t, true, v)
	v, err = p.Call(testContext(t), MethodEquals, other)
	require.NoError(t, err)
	assert.Equal(t, false, v)
	assert.True(t, p.Equal(p))
	assert.False(t, p.Equal(other))

	v, err = p.Call(testContext(t), MethodHashCode)
	require.NoError(t, err)
	assert.Equal(t, p.HashCode(), v)
	assert.NotEqual(t, p.HashCode(), other.HashCode())

	v, err = p.Call(testContext(t), MethodToString)
	require.NoError(t, err)
	assert.Equal(t, p.String(), v)
	assert.Contains(t, p.String(), "Arith")

	for _, name := range []string{"getClass", "notify", "notifyAll", "wait", "clone", "finalize"} {
		_, err := p.Call(testContext(t), name)
		assert.ErrorIs(t, err, ErrUnsupportedMethod, name)
	}

	async := c.CreateAsync("Arith")
	f, err := async.Call(MethodToString)
	require.NoError(t, err)
	v, err = f.GetTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, async.String(), v)
	_, err = async.Call("wait")
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
	assert.Equal(t, 0, c.Pool().Len())
}

func TestAsyncCall(t *testing.T) {
	c := newClient(t, []string{startServer(t)})
	async := c.CreateAsync("Arith")

	f, err := async.Call("Add", int64(20), int64(22))
	require.NoError(t, err)

	results := make(chan any, 1)
	f.OnComplete(func(r any) { results <- r }, func(err error) { t.Error(err) })

	v, err := f.GetTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
	select {
	case r := <-results:
		assert.Equal(t, int64(42), r)
	case <-time.After(time.Second):
		t.Fatal("callback not run")
	}

	// Get is idempotent
	again, err := f.Get(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, v, again)
	assert.Equal(t, future.Success, f.State())

	f, err = async.Call("Fail")
	require.NoError(t, err)
	_, err = f.GetTimeout(time.Second)
	assert.True(t, errors.Is(err, rpcerr.ErrRemote), err)
}

func TestConcurrentCalls(t *testing.T) {
	c := newClient(t, []string{startServer(t), startServer(t)})
	arith := c.Create("Arith")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int64) {
			defer wg.Done()
			v, err := arith.Call(testContext(t), "Add", i, i)
			if assert.NoError(t, err) {
				assert.Equal(t, 2*i, v)
			}
		}(int64(i))
	}
	wg.Wait()
}

func TestRoundRobinAcrossNodes(t *testing.T) {
	nodes := []string{startServer(t), startServer(t), startServer(t)}
	c := newClient(t, nodes)
	arith := c.Create("Arith")

	counts := make(map[string]int)
	for i := 0; i < 30; i++ {
		node, err := Invoke[string](testContext(t), arith, "Node")
		require.NoError(t, err)
		counts[node]++
	}
	for _, node := range nodes {
		assert.Equal(t, 10, counts[node], node)
	}
}

func TestNodeChurn(t *testing.T) {
	a, b, cNode := startServer(t), startServer(t), startServer(t)
	mem := registry.NewMemory()
	require.NoError(t, mem.Announce(testContext(t), a))
	require.NoError(t, mem.Announce(testContext(t), b))

	c, err := New(WithDiscovery(mem), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return c.Pool().Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	var connB = c.Pool().Conns()[0]
	if connB.Addr().String() != b {
		connB = c.Pool().Conns()[1]
	}

	// two slow calls on each node
	async := c.CreateAsync("Arith")
	var futures []*future.Future
	for i := 0; i < 4; i++ {
		f, err := async.Call("Sleep", int64(300))
		require.NoError(t, err)
		futures = append(futures, f)
	}

	require.NoError(t, mem.Withdraw(testContext(t), a))
	require.NoError(t, mem.Announce(testContext(t), cNode))

	var failed, answered int
	for _, f := range futures {
		v, err := f.GetTimeout(2 * time.Second)
		if err != nil {
			assert.True(t, errors.Is(err, rpcerr.ErrConnectivity), err)
			failed++
			continue
		}
		assert.Equal(t, b, v)
		answered++
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 2, answered)

	require.Eventually(t, func() bool {
		conns := c.Pool().Conns()
		if len(conns) != 2 {
			return false
		}
		got := map[string]bool{conns[0].Addr().String(): true, conns[1].Addr().String(): true}
		return got[b] && got[cNode]
	}, 2*time.Second, 5*time.Millisecond)

	// B's connection was kept, not redialed
	assert.True(t, connB.Alive())
	assert.Contains(t, c.Pool().Conns(), connB)
}

func TestEmptySnapshotEmptiesPool(t *testing.T) {
	addr := startServer(t)
	mem := registry.NewMemory()
	require.NoError(t, mem.Announce(testContext(t), addr))

	c, err := New(WithDiscovery(mem), WithPoolTimeout(50*time.Millisecond), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return c.Pool().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, mem.Withdraw(testContext(t), addr))
	require.Eventually(t, func() bool { return c.Pool().Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, err = c.Create("Arith").Call(testContext(t), "Add", int64(1), int64(2))
	assert.True(t, errors.Is(err, rpcerr.ErrNoAvailableServer), err)
}

func TestServerAnnouncesToClient(t *testing.T) {
	mem := registry.NewMemory()
	addr := startServer(t, server.WithAnnouncer(mem, ""))

	c, err := New(WithDiscovery(mem), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer c.Close()

	node, err := Invoke[string](testContext(t), c.Create("Arith"), "Node")
	require.NoError(t, err)
	assert.Equal(t, addr, node)
}

func TestCloseFailsWaitingCalls(t *testing.T) {
	c := newClient(t, []string{startServer(t)})

	f, err := c.CreateAsync("Arith").Call("Sleep", int64(5000))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = f.GetTimeout(time.Second)
	assert.True(t, errors.Is(err, rpcerr.ErrConnectivity), err)

	_, err = c.Create("Arith").Call(testContext(t), "Add", int64(1), int64(2))
	assert.True(t, errors.Is(err, rpcerr.ErrNoAvailableServer), err)
	assert.NoError(t, c.Close())
}

func TestMetricsAndTracing(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	c := newClient(t, []string{startServer(t)}, WithMetrics(reg), WithTracerProvider(tp))
	arith := c.Create("Arith")

	_, err := arith.Call(testContext(t), "Add", int64(1), int64(2))
	require.NoError(t, err)
	_, err = arith.Call(testContext(t), "Fail")
	require.Error(t, err)

	n, err := testutil.GatherAndCount(reg, "minirpc_client_pool_connections")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "Arith/Add", spans[0].Name())
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind())
	assert.Equal(t, "Ok", spans[0].Status().Code.String())
	assert.Equal(t, "Arith/Fail", spans[1].Name())
	assert.Equal(t, "Error", spans[1].Status().Code.String())
}
