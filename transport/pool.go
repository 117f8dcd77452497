package transport

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"mini-rpc/loadbalance"
	"mini-rpc/message"
	"mini-rpc/rpcerr"
	"mini-rpc/worker"
)

const (
	DefaultPoolTimeout     = 6 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 30 * time.Second
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	Conn ConnOptions

	// Timeout bounds how long Choose waits for a connection when the pool is empty.
	Timeout time.Duration

	// DialWorkers and DialQueue size the worker pool that runs dials.
	DialWorkers int
	DialQueue   int

	// RedialInterval, if positive, retries failed dials of wanted addresses
	// after this delay. Otherwise a failed address waits for the next Reconcile.
	RedialInterval time.Duration

	// After BreakerFailures consecutive dial failures an address is not dialed
	// for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// Balancer picks the connection for each call. Defaults to round robin.
	Balancer loadbalance.Balancer[*Conn]

	Logger *zap.Logger
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultPoolTimeout
	}
	if o.DialWorkers <= 0 {
		o.DialWorkers = worker.DefaultWorkers
	}
	if o.DialQueue <= 0 {
		o.DialQueue = worker.DefaultQueueSize
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = DefaultBreakerFailures
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = DefaultBreakerTimeout
	}
	if o.Balancer == nil {
		o.Balancer = &loadbalance.RoundRobin[*Conn]{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Conn.Logger == nil {
		o.Conn.Logger = o.Logger
	}
	o.Conn = o.Conn.withDefaults()
	return o
}

// Pool keeps one live Conn per reachable server node and spreads calls across
// them, round robin unless PoolOptions.Balancer says otherwise.
//
// The set of nodes is driven from outside: every discovery snapshot is passed
// to Reconcile, which dials what is new and closes what is gone. Choose reads
// an immutable, address-sorted snapshot of the pooled connections, so callers
// never contend with reconciliation.
type Pool struct {
	opts    PoolOptions
	log     *zap.Logger
	lb      loadbalance.Balancer[*Conn]
	dials   *worker.Pool
	metrics *poolMetrics
	ctx     context.Context // canceled by Close, aborts in-flight dials
	cancel  context.CancelFunc

	snapshot atomic.Pointer[[]*Conn]

	mu       sync.Mutex
	conns    map[message.Address]*Conn
	wanted   map[message.Address]struct{}
	dialing  map[message.Address]struct{}
	breakers map[message.Address]*gobreaker.CircuitBreaker[*Conn]
	added    chan struct{} // closed and replaced whenever a connection is pooled
	closed   bool
}

// NewPool returns an empty pool. Call Reconcile to populate it.
func NewPool(opts PoolOptions) *Pool {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:     opts,
		log:      opts.Logger,
		lb:       opts.Balancer,
		dials:    worker.New(opts.DialWorkers, opts.DialQueue),
		metrics:  newPoolMetrics(),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[message.Address]*Conn),
		wanted:   make(map[message.Address]struct{}),
		dialing:  make(map[message.Address]struct{}),
		breakers: make(map[message.Address]*gobreaker.CircuitBreaker[*Conn]),
		added:    make(chan struct{}),
	}
	empty := []*Conn{}
	p.snapshot.Store(&empty)
	p.log.Debug("connection pool created", zap.String("balancer", p.lb.Name()), zap.Duration("timeout", opts.Timeout))
	return p
}

// Reconcile makes the pool follow addrs: every address that is neither pooled
// nor being dialed is dialed in the background, and every pooled connection
// whose address is absent is closed. An empty list empties the pool.
func (p *Pool) Reconcile(addrs []message.Address) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	wanted := make(map[message.Address]struct{}, len(addrs))
	for _, addr := range addrs {
		wanted[addr] = struct{}{}
	}
	p.wanted = wanted

	var stale []*Conn
	for addr, c := range p.conns {
		if _, ok := wanted[addr]; !ok {
			delete(p.conns, addr)
			stale = append(stale, c)
		}
	}
	var toDial []message.Address
	for addr := range wanted {
		if p.startDialLocked(addr) {
			toDial = append(toDial, addr)
		}
	}
	if len(stale) > 0 {
		p.publishLocked()
	}
	p.mu.Unlock()

	if len(addrs) == 0 {
		p.log.Error("no reachable server nodes, closing all connections", zap.Int("closing", len(stale)))
	}
	for _, c := range stale {
		p.log.Info("removing server node", zap.Stringer("node", c.Addr()))
		_ = c.Close()
	}
	for _, addr := range toDial {
		p.submitDial(addr)
	}
}

// Choose returns the next pooled connection in round-robin order. While the
// pool is empty it waits until a connection is added, the pool timeout
// elapses, ctx is done or the pool is closed.
func (p *Pool) Choose(ctx context.Context) (*Conn, error) {
	timer := time.NewTimer(p.opts.Timeout)
	defer timer.Stop()
	for {
		if c, ok := p.pick(); ok {
			return c, nil
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, rpcerr.NoAvailableServer(nil, "connection pool closed")
		}
		if len(p.conns) > 0 {
			// a connection was added between pick and Lock
			p.mu.Unlock()
			continue
		}
		added := p.added
		p.mu.Unlock()

		select {
		case <-added:
		case <-timer.C:
			p.metrics.chooseTimeouts.Inc()
			return nil, rpcerr.NoAvailableServer(nil, "no server node available after %s", p.opts.Timeout)
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				p.metrics.chooseTimeouts.Inc()
				return nil, rpcerr.NoAvailableServer(ctx.Err(), "no server node available")
			}
			return nil, ctx.Err()
		}
	}
}

// pick selects from the current snapshot, preferring a connection that is
// still alive. A dead one stays in the snapshot only until its onClose runs.
func (p *Pool) pick() (*Conn, bool) {
	conns := *p.snapshot.Load()
	var picked *Conn
	for range conns {
		c, err := p.lb.Pick(conns)
		if err != nil {
			return nil, false
		}
		if c.Alive() {
			return c, true
		}
		picked = c
	}
	return picked, picked != nil
}

// Reconnect discards c and dials its address again if the address is still wanted.
func (p *Pool) Reconnect(c *Conn) {
	_ = c.Close() // onClose removes c and re-dials if it was pooled

	p.mu.Lock()
	redial := p.startDialLocked(c.Addr())
	p.mu.Unlock()
	if redial {
		p.submitDial(c.Addr())
	}
}

// Conns returns the pooled connections sorted by address.
func (p *Pool) Conns() []*Conn {
	return slices.Clone(*p.snapshot.Load())
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	return len(*p.snapshot.Load())
}

// Close closes every connection, stops dialing and fails waiting Choose calls.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[message.Address]*Conn)
	p.wanted = make(map[message.Address]struct{})
	p.publishLocked()
	close(p.added)
	p.mu.Unlock()

	p.cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	if err := p.dials.Close(); err != nil {
		p.log.Error("dial worker failed", zap.Error(err))
	}
	return nil
}

// startDialLocked reports whether addr should be dialed now and marks it as dialing.
func (p *Pool) startDialLocked(addr message.Address) bool {
	if p.closed {
		return false
	}
	if _, ok := p.wanted[addr]; !ok {
		return false
	}
	if _, ok := p.conns[addr]; ok {
		return false
	}
	if _, ok := p.dialing[addr]; ok {
		return false
	}
	p.dialing[addr] = struct{}{}
	return true
}

func (p *Pool) submitDial(addr message.Address) {
	if err := p.dials.Submit(p.ctx, func() { p.dial(addr) }); err != nil {
		p.mu.Lock()
		delete(p.dialing, addr)
		p.mu.Unlock()
	}
}

func (p *Pool) dial(addr message.Address) {
	c, err := p.breaker(addr).Execute(func() (*Conn, error) {
		return Dial(p.ctx, addr, p.opts.Conn, p.onClose)
	})

	p.mu.Lock()
	delete(p.dialing, addr)
	if err != nil {
		p.mu.Unlock()
		if p.ctx.Err() != nil {
			return
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.metrics.dials.WithLabelValues("skipped").Inc()
			p.log.Debug("skipping dial, circuit open", zap.Stringer("node", addr))
		} else {
			p.metrics.dials.WithLabelValues("failed").Inc()
			p.log.Warn("cannot connect to server node", zap.Stringer("node", addr), zap.Error(err))
		}
		p.scheduleRedial(addr)
		return
	}

	_, wanted := p.wanted[addr]
	if p.closed || !wanted || p.conns[addr] != nil {
		p.mu.Unlock()
		p.metrics.dials.WithLabelValues("discarded").Inc()
		p.log.Debug("discarding connection to server node no longer wanted", zap.Stringer("node", addr))
		_ = c.Close()
		return
	}
	if !c.Alive() {
		// lost before it was pooled: handled like a pooled connection that drops
		redial := p.startDialLocked(addr)
		p.mu.Unlock()
		p.log.Warn("lost connection to server node", zap.Stringer("node", addr), zap.Error(c.Err()))
		if redial {
			p.submitDial(addr)
		}
		return
	}
	p.conns[addr] = c
	p.publishLocked()
	p.mu.Unlock()

	p.metrics.dials.WithLabelValues("connected").Inc()
	p.log.Info("connected to server node", zap.Stringer("node", addr))
}

func (p *Pool) scheduleRedial(addr message.Address) {
	if p.opts.RedialInterval <= 0 {
		return
	}
	time.AfterFunc(p.opts.RedialInterval, func() {
		p.mu.Lock()
		redial := p.startDialLocked(addr)
		p.mu.Unlock()
		if redial {
			p.submitDial(addr)
		}
	})
}

func (p *Pool) breaker(addr message.Address) *gobreaker.CircuitBreaker[*Conn] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[addr]; ok {
		return cb
	}
	maxFailures := p.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[*Conn](gobreaker.Settings{
		Name:        addr.String(),
		MaxRequests: 1, // one probe dial in half-open state
		Timeout:     p.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn("dial circuit breaker state change",
				zap.String("node", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	p.breakers[addr] = cb
	return cb
}

// onClose runs when a connection tears itself down. A pooled connection is
// removed and its address re-dialed while it is still wanted.
func (p *Pool) onClose(c *Conn, err error) {
	p.mu.Lock()
	if p.conns[c.Addr()] != c {
		p.mu.Unlock()
		return
	}
	delete(p.conns, c.Addr())
	p.publishLocked()
	redial := p.startDialLocked(c.Addr())
	p.mu.Unlock()

	p.log.Warn("lost connection to server node", zap.Stringer("node", c.Addr()), zap.Error(err))
	if redial {
		p.submitDial(c.Addr())
	}
}

// publishLocked replaces the snapshot read by Choose and wakes waiters if
// there is something to choose from.
func (p *Pool) publishLocked() {
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	slices.SortFunc(conns, func(a, b *Conn) int {
		if c := cmp.Compare(a.addr.Host, b.addr.Host); c != 0 {
			return c
		}
		return cmp.Compare(a.addr.Port, b.addr.Port)
	})
	p.snapshot.Store(&conns)
	p.metrics.connections.Set(float64(len(conns)))

	if len(conns) > 0 && !p.closed {
		close(p.added)
		p.added = make(chan struct{})
	}
}
