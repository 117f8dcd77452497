// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for server nodes:
//
//	Key:   {Prefix}{host:port}
//	Value: host:port
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed, so no "ghost" nodes remain.

package registry

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	DefaultEtcdPrefix = "/mini-rpc/nodes/"
	DefaultEtcdTTL    = 10 // seconds
)

type EtcdOptions struct {
	Endpoints   []string
	Prefix      string
	TTL         int64 // lease TTL in seconds
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// EtcdRegistry implements Discovery and Announcer using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	prefix string
	ttl    int64
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]announcement // by announced address
}

type announcement struct {
	lease clientv3.LeaseID
	stop  context.CancelFunc
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(opts EtcdOptions) (*EtcdRegistry, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd registry: no endpoints")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(opts.Prefix, "/") {
		opts.Prefix += "/"
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultEtcdTTL
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Logger:      opts.Logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcd registry: connect")
	}
	return &EtcdRegistry{
		client: c,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		log:    opts.Logger,
		leases: make(map[string]announcement),
	}, nil
}

// Announce adds addr to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the configured TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease until Withdraw or Close
func (r *EtcdRegistry) Announce(ctx context.Context, addr string) error {
	// Create a TTL-based lease: if KeepAlive stops, the entry auto-expires
	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return errors.Wrap(err, "etcd registry: grant lease")
	}

	if _, err := r.client.Put(ctx, r.prefix+addr, addr, clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "etcd registry: put %s", addr)
	}

	// The keepalive outlives ctx, which only bounds the announcement itself
	kaCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		stop()
		return errors.Wrap(err, "etcd registry: keepalive")
	}

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		if kaCtx.Err() == nil {
			r.log.Warn("etcd lease keepalive stopped, announcement will expire", zap.String("addr", addr))
		}
	}()

	r.mu.Lock()
	prev, had := r.leases[addr]
	r.leases[addr] = announcement{lease: lease.ID, stop: stop}
	r.mu.Unlock()
	if had {
		prev.stop()
	}
	r.log.Info("announced server node in etcd", zap.String("addr", addr), zap.Int64("ttl", r.ttl))
	return nil
}

// Withdraw removes addr from etcd.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Withdraw(ctx context.Context, addr string) error {
	r.mu.Lock()
	a, ok := r.leases[addr]
	delete(r.leases, addr)
	r.mu.Unlock()

	if ok {
		a.stop()
		if _, err := r.client.Revoke(ctx, a.lease); err != nil {
			r.log.Debug("etcd lease revoke failed", zap.String("addr", addr), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, r.prefix+addr); err != nil {
		return errors.Wrapf(err, "etcd registry: delete %s", addr)
	}
	return nil
}

// Discover returns all currently announced addresses, sorted.
func (r *EtcdRegistry) Discover(ctx context.Context) ([]string, error) {
	addrs, _, err := r.discover(ctx)
	return addrs, err
}

func (r *EtcdRegistry) discover(ctx context.Context) ([]string, int64, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, errors.Wrap(err, "etcd registry: list nodes")
	}
	addrs := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		addrs = append(addrs, string(kv.Value))
	}
	slices.Sort(addrs)
	return addrs, resp.Header.Revision, nil
}

// Watch monitors the node prefix in etcd and emits the full address list
// whenever it changes (new announcements, withdrawals, lease expirations).
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
func (r *EtcdRegistry) Watch(ctx context.Context) (<-chan []string, error) {
	addrs, rev, err := r.discover(ctx)
	if err != nil {
		return nil, err
	}
	ch := make(chan []string, 1)
	publish(ch, addrs)

	go func() {
		defer close(ch)
		// Watch from the revision just listed so no change is missed
		watchChan := r.client.Watch(ctx, r.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for wresp := range watchChan {
			if err := wresp.Err(); err != nil {
				r.log.Warn("etcd watch error", zap.Error(err))
				continue
			}
			// On any change, re-fetch the full list
			// (simpler than applying individual watch events)
			addrs, err := r.Discover(ctx)
			if err != nil {
				r.log.Warn("cannot refresh server nodes from etcd", zap.Error(err))
				continue
			}
			publish(ch, addrs)
		}
	}()
	return ch, nil
}

// Close stops all keepalives and closes the etcd client. Announced entries
// expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for addr, a := range r.leases {
		a.stop()
		delete(r.leases, addr)
	}
	r.mu.Unlock()
	return r.client.Close()
}
