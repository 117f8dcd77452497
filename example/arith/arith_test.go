package arith

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-rpc/client"
	"mini-rpc/rpcerr"
	"mini-rpc/server"
)

func newStub(t *testing.T) *Stub {
	t.Helper()
	svr := server.NewServer(server.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, Register(svr))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(ln) }()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		<-served
	})

	c, err := client.New(client.WithServers(ln.Addr().String()), client.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return NewStub(c)
}

func TestStub(t *testing.T) {
	s := newStub(t)
	ctx := testContext(t)

	sum, err := s.Add(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum)

	fsum, err := s.AddFloat(ctx, 0.5, 0.25)
	require.NoError(t, err)
	assert.Equal(t, 0.75, fsum)

	prod, err := s.Mul(ctx, 6, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(42), prod)

	total, err := s.Sum(ctx, []int64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)

	joined, err := s.Join(ctx, []string{"a", "b"}, "+")
	require.NoError(t, err)
	assert.Equal(t, "a+b", joined)

	f, err := s.MulAsync(3, 3)
	require.NoError(t, err)
	v, err := f.GetTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)

	assert.Contains(t, s.String(), ServiceName)
}

func TestStubRemoteError(t *testing.T) {
	s := newStub(t)

	_, err := s.Div(testContext(t), 1, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrRemote), err)
	msg, _ := rpcerr.RemoteMessage(err)
	assert.Equal(t, ErrDivideByZero.Error(), msg)
}
