package registry

import (
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestEtcdRegistry needs a reachable etcd, e.g.
// MINIRPC_ETCD_ENDPOINTS=localhost:2379 go test ./registry/
func newTestEtcdRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	endpoints := os.Getenv("MINIRPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("MINIRPC_ETCD_ENDPOINTS not set")
	}
	reg, err := NewEtcdRegistry(EtcdOptions{
		Endpoints: strings.Split(endpoints, ","),
		Prefix:    "/mini-rpc-test/" + uuid.NewString(),
		TTL:       5,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdAnnounceAndDiscover(t *testing.T) {
	reg := newTestEtcdRegistry(t)
	ctx := testContext(t)

	require.NoError(t, reg.Announce(ctx, "127.0.0.1:8002"))
	require.NoError(t, reg.Announce(ctx, "127.0.0.1:8001"))

	addrs, err := reg.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:8001", "127.0.0.1:8002"}, addrs)

	require.NoError(t, reg.Withdraw(ctx, "127.0.0.1:8001"))
	addrs, err = reg.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:8002"}, addrs)

	require.NoError(t, reg.Withdraw(ctx, "127.0.0.1:8002"))
}

func TestEtcdWatch(t *testing.T) {
	reg := newTestEtcdRegistry(t)
	ctx := testContext(t)

	ch, err := reg.Watch(ctx)
	require.NoError(t, err)
	assert.Empty(t, next(t, ch))

	require.NoError(t, reg.Announce(ctx, "127.0.0.1:8001"))
	assert.Equal(t, []string{"127.0.0.1:8001"}, next(t, ch))

	require.NoError(t, reg.Withdraw(ctx, "127.0.0.1:8001"))
	assert.Empty(t, next(t, ch))
}

func TestEtcdRequiresEndpoints(t *testing.T) {
	_, err := NewEtcdRegistry(EtcdOptions{})
	assert.Error(t, err)
}
