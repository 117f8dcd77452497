package registry

import (
	"context"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultMDNSService      = "_minirpc._tcp"
	DefaultMDNSDomain       = "local."
	DefaultMDNSScanInterval = 10 * time.Second
	DefaultMDNSScanTimeout  = 2 * time.Second
)

type MDNSOptions struct {
	Service      string
	Domain       string
	ScanInterval time.Duration
	ScanTimeout  time.Duration
	Logger       *zap.Logger
}

// MDNSRegistry announces and discovers server nodes on the local network via
// mDNS/DNS-SD. Discovery browses periodically; a node disappears from the
// snapshot one scan after it stops answering.
type MDNSRegistry struct {
	opts MDNSOptions
	log  *zap.Logger

	mu      sync.Mutex
	servers map[string]*zeroconf.Server
}

func NewMDNSRegistry(opts MDNSOptions) *MDNSRegistry {
	if opts.Service == "" {
		opts.Service = DefaultMDNSService
	}
	if opts.Domain == "" {
		opts.Domain = DefaultMDNSDomain
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultMDNSScanInterval
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultMDNSScanTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &MDNSRegistry{opts: opts, log: opts.Logger, servers: make(map[string]*zeroconf.Server)}
}

// Announce registers addr as a service instance until Withdraw or Close.
// The address travels in a TXT record so discovery does not depend on which
// interface the answer arrives from.
func (r *MDNSRegistry) Announce(_ context.Context, addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return errors.Wrapf(err, "mdns registry: announce %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.Wrapf(err, "mdns registry: announce %q", addr)
	}
	instance := "minirpc-" + strings.NewReplacer(":", "-", ".", "-", "[", "", "]", "").Replace(addr)
	server, err := zeroconf.Register(instance, r.opts.Service, r.opts.Domain, port, []string{"addr=" + addr}, nil)
	if err != nil {
		return errors.Wrap(err, "mdns registry: register")
	}

	r.mu.Lock()
	prev := r.servers[addr]
	r.servers[addr] = server
	r.mu.Unlock()
	if prev != nil {
		prev.Shutdown()
	}
	r.log.Info("mdns advertising", zap.String("instance", instance), zap.String("addr", addr))
	return nil
}

func (r *MDNSRegistry) Withdraw(_ context.Context, addr string) error {
	r.mu.Lock()
	server := r.servers[addr]
	delete(r.servers, addr)
	r.mu.Unlock()
	if server != nil {
		server.Shutdown()
	}
	return nil
}

// Scan browses for one scan timeout and returns the addresses found, sorted.
func (r *MDNSRegistry) Scan(ctx context.Context) ([]string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, errors.Wrap(err, "mdns resolver")
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var addrs []string
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, r.opts.ScanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if addr := entryAddr(entry); addr != "" {
				addrs = append(addrs, addr)
			}
		}
	}()

	if err := resolver.Browse(scanCtx, r.opts.Service, r.opts.Domain, entries); err != nil {
		cancel()
		// Wait for consumer goroutine to drain the channel before returning.
		wg.Wait()
		return nil, errors.Wrap(err, "mdns browse")
	}

	<-scanCtx.Done()
	wg.Wait()

	slices.Sort(addrs)
	return slices.Compact(addrs), nil
}

// Watch scans every scan interval and pushes the result when it changes.
func (r *MDNSRegistry) Watch(ctx context.Context) (<-chan []string, error) {
	ch := make(chan []string, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.opts.ScanInterval)
		defer ticker.Stop()
		var last []string
		first := true
		for {
			addrs, err := r.Scan(ctx)
			switch {
			case err != nil:
				r.log.Warn("mdns scan failed", zap.Error(err))
			case first || !slices.Equal(addrs, last):
				publish(ch, addrs)
				last, first = addrs, false
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}

// Close withdraws every announcement.
func (r *MDNSRegistry) Close() error {
	r.mu.Lock()
	servers := r.servers
	r.servers = make(map[string]*zeroconf.Server)
	r.mu.Unlock()
	for _, s := range servers {
		s.Shutdown()
	}
	return nil
}

func entryAddr(entry *zeroconf.ServiceEntry) string {
	for _, t := range entry.Text {
		if addr, ok := strings.CutPrefix(t, "addr="); ok {
			return addr
		}
	}
	if len(entry.AddrIPv4) > 0 {
		return net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port))
	}
	if len(entry.AddrIPv6) > 0 {
		return net.JoinHostPort(entry.AddrIPv6[0].String(), strconv.Itoa(entry.Port))
	}
	return ""
}
