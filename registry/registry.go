// Package registry connects mini-RPC to the outside world's view of which
// server nodes exist.
//
// A server announces its own address once it is listening; a client watches
// the full list of announced addresses and reconciles its connection pool
// against every snapshot. Addresses are plain "host:port" strings: every node
// serves every registered service, so no per-service bookkeeping is needed.
package registry

import (
	"context"
	"slices"
	"sync"
)

// Discovery pushes the complete list of reachable server nodes every time it
// changes. The channel is closed when ctx is done. A slow consumer only ever
// sees the latest snapshot.
type Discovery interface {
	Watch(ctx context.Context) (<-chan []string, error)
}

// Announcer publishes and withdraws the address of a server node.
type Announcer interface {
	Announce(ctx context.Context, addr string) error
	Withdraw(ctx context.Context, addr string) error
}

// publish hands snapshot to the single consumer of ch, replacing a snapshot
// it has not picked up yet. ch must have capacity 1 and a single producer.
func publish(ch chan []string, snapshot []string) {
	for {
		select {
		case ch <- snapshot:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Static is a Discovery over a fixed list of addresses.
type Static []string

func (s Static) Watch(ctx context.Context) (<-chan []string, error) {
	ch := make(chan []string, 1)
	ch <- slices.Clone(s)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// Memory is an in-process registry: both Discovery and Announcer. It lets
// servers and clients living in the same process find each other.
type Memory struct {
	mu       sync.Mutex
	addrs    []string
	watchers map[chan []string]struct{}
}

func NewMemory() *Memory {
	return &Memory{watchers: make(map[chan []string]struct{})}
}

func (m *Memory) Announce(_ context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.Contains(m.addrs, addr) {
		return nil
	}
	m.addrs = append(m.addrs, addr)
	slices.Sort(m.addrs)
	m.notifyLocked()
	return nil
}

func (m *Memory) Withdraw(_ context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.Index(m.addrs, addr)
	if i < 0 {
		return nil
	}
	m.addrs = slices.Delete(m.addrs, i, i+1)
	m.notifyLocked()
	return nil
}

// Addrs returns the currently announced addresses.
func (m *Memory) Addrs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.addrs)
}

func (m *Memory) Watch(ctx context.Context) (<-chan []string, error) {
	ch := make(chan []string, 1)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	publish(ch, slices.Clone(m.addrs))
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *Memory) notifyLocked() {
	for ch := range m.watchers {
		publish(ch, slices.Clone(m.addrs))
	}
}
