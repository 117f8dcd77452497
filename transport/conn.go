// Package transport implements the client side of mini-RPC: one multiplexed
// connection per server node, and the pool that keeps those connections in
// line with the discovery feed.
//
// Conn enables multiple concurrent RPC calls over a single TCP connection.
// The key insight: each request carries a unique id, and a background goroutine
// (recvLoop) continuously reads responses and routes them to the correct caller
// through the pending-call table.
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(id=c)──┘
//
//	recvLoop:  ←── response(id=b) → pending[b] → Future b resolved → goroutine-2 wakes up
package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-rpc/codec"
	"mini-rpc/future"
	"mini-rpc/message"
	"mini-rpc/protocol"
	"mini-rpc/rpcerr"
)

const (
	DefaultDialTimeout  = 3 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultHeartbeat    = 30 * time.Second
	DefaultPendingTTL   = 30 * time.Second
)

// ConnOptions configures a Conn. Zero durations disable the write deadline,
// the heartbeat and pending-call expiry respectively.
type ConnOptions struct {
	Codec        codec.Codec
	MaxFrameSize int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Heartbeat    time.Duration
	PendingTTL   time.Duration
	Logger       *zap.Logger
}

// DefaultConnOptions returns the options used when nothing is configured.
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		Codec:        &codec.JSONCodec{},
		MaxFrameSize: protocol.DefaultMaxFrameSize,
		DialTimeout:  DefaultDialTimeout,
		WriteTimeout: DefaultWriteTimeout,
		Heartbeat:    DefaultHeartbeat,
		PendingTTL:   DefaultPendingTTL,
	}
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.Codec == nil {
		o.Codec = &codec.JSONCodec{}
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Conn manages a single multiplexed TCP connection to one server node.
type Conn struct {
	addr    message.Address
	nc      net.Conn
	opts    ConnOptions
	log     *zap.Logger
	pending *pendingTable
	sending sync.Mutex // Write lock: multiple goroutines share one conn, writes must be serialized
	onClose func(*Conn, error)

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
	done      chan struct{}
}

// Dial connects to addr and starts the connection's background goroutines.
// onClose, if not nil, is called once when the connection is torn down.
func Dial(ctx context.Context, addr message.Address, opts ConnOptions, onClose func(*Conn, error)) (*Conn, error) {
	opts = opts.withDefaults()
	d := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, rpcerr.Connectivity(err, "dial %s", addr)
	}
	return NewConn(nc, addr, opts, onClose), nil
}

// NewConn wraps an established connection and starts three background goroutines:
//   - recvLoop: continuously reads responses and resolves pending Futures
//   - heartbeatLoop: sends periodic empty frames to detect dead connections
//   - expireLoop: fails pending calls nobody is waiting for any more
func NewConn(nc net.Conn, addr message.Address, opts ConnOptions, onClose func(*Conn, error)) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		addr:    addr,
		nc:      nc,
		opts:    opts,
		log:     opts.Logger.With(zap.Stringer("node", addr)),
		pending: newPendingTable(),
		onClose: onClose,
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	if opts.Heartbeat > 0 {
		go c.heartbeatLoop(opts.Heartbeat)
	}
	if opts.PendingTTL > 0 {
		go c.expireLoop(sweepInterval(opts.PendingTTL))
	}
	return c
}

// Addr returns the server node this connection belongs to.
func (c *Conn) Addr() message.Address {
	return c.addr
}

// Alive reports whether the connection can still send requests.
func (c *Conn) Alive() bool {
	return !c.closed.Load()
}

// Done returns a channel closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection was torn down, or nil while alive.
func (c *Conn) Err() error {
	if !c.closed.Load() {
		return nil
	}
	return c.closeErr
}

// Pending returns the number of calls waiting for a response.
func (c *Conn) Pending() int {
	return c.pending.len()
}

// Send serializes req, registers it in the pending-call table and writes it.
// It returns immediately; the response resolves the returned Future.
//
// Thread safety: the sending mutex ensures that the entire frame is written
// atomically. Without this lock, concurrent writes would interleave
// bytes from different requests, corrupting the TCP stream.
func (c *Conn) Send(req *message.Request) (*future.Future, error) {
	if c.closed.Load() {
		return nil, c.closeErr
	}

	body, err := c.opts.Codec.Encode(req)
	if err != nil {
		return nil, err
	}
	if len(body) > c.opts.MaxFrameSize {
		return nil, rpcerr.Codec(nil, "request %s is %d bytes, limit is %d", req.RequestID, len(body), c.opts.MaxFrameSize)
	}

	f := future.New(req.RequestID)
	var deadline time.Time
	if c.opts.PendingTTL > 0 {
		deadline = time.Now().Add(c.opts.PendingTTL)
	}

	// Register BEFORE sending (avoid race with recvLoop)
	if err := c.pending.insert(req.RequestID, f, deadline); err != nil {
		return nil, err
	}

	c.sending.Lock()
	err = c.write(body)
	c.sending.Unlock()
	if err != nil {
		c.pending.take(req.RequestID) // Clean up on failure
		err = rpcerr.Connectivity(err, "write to %s", c.addr)
		c.closeWithError(err)
		return nil, err
	}
	return f, nil
}

// Abandon drops the pending entry of a call whose caller gave up waiting.
// A late response for it is then discarded.
func (c *Conn) Abandon(requestID string) {
	if f, ok := c.pending.take(requestID); ok {
		f.Fail(rpcerr.Timeout(nil, "request %s abandoned by caller", requestID))
	}
}

// Close tears the connection down. It is idempotent and safe to call from any goroutine.
func (c *Conn) Close() error {
	c.closeWithError(rpcerr.Connectivity(nil, "connection to %s closed", c.addr))
	return nil
}

func (c *Conn) write(body []byte) error {
	if err := c.setWriteDeadline(); err != nil {
		return err
	}
	return protocol.Encode(c.nc, body)
}

func (c *Conn) setWriteDeadline() error {
	if c.opts.WriteTimeout <= 0 {
		return nil
	}
	return c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
}

// recvLoop is the only reader of the connection. A frame that does not decode
// closes the connection: there is no attempt to resynchronize.
func (c *Conn) recvLoop() {
	r := bufio.NewReader(c.nc)
	for {
		body, err := protocol.Decode(r, c.opts.MaxFrameSize)
		if err != nil {
			if rpcerr.KindOf(err) != rpcerr.KindCodec {
				err = rpcerr.Connectivity(err, "connection to %s lost", c.addr)
			}
			c.closeWithError(err)
			return
		}
		if protocol.IsHeartbeat(body) {
			continue
		}

		var resp message.Response
		if err := c.opts.Codec.Decode(body, &resp); err != nil {
			c.closeWithError(err)
			return
		}
		c.onResponse(&resp)
	}
}

// onResponse routes a response to the caller that issued the request.
// A response nobody waits for (late or duplicate) is dropped.
func (c *Conn) onResponse(resp *message.Response) {
	f, ok := c.pending.take(resp.RequestID)
	if !ok {
		c.log.Debug("discarding response for unknown request", zap.String("request_id", resp.RequestID))
		return
	}
	if resp.Failed() {
		f.Fail(rpcerr.Remote(resp.Error))
		return
	}
	f.Complete(resp.Result)
}

// closeWithError is called when the connection breaks or is closed locally. It
// fails every pending caller so nobody blocks forever waiting for a response.
func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		if rpcerr.KindOf(err) != rpcerr.KindConnectivity {
			err = rpcerr.Connectivity(err, "connection to %s dropped", c.addr)
		}
		c.closeErr = err
		c.closed.Store(true)
		_ = c.nc.Close()
		close(c.done)

		failed := c.pending.failAll(err)
		c.log.Debug("connection closed", zap.Int("failed_calls", failed), zap.Error(err))
		if c.onClose != nil {
			c.onClose(c, err)
		}
	})
}

// heartbeatLoop sends periodic empty frames to keep the connection alive.
// A failed write means the peer is gone; the connection is torn down.
func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		// Heartbeat writes also need the sending lock to avoid frame interleaving
		c.sending.Lock()
		err := c.setWriteDeadline()
		if err == nil {
			err = protocol.EncodeHeartbeat(c.nc)
		}
		c.sending.Unlock()
		if err != nil {
			c.closeWithError(rpcerr.Connectivity(err, "heartbeat to %s", c.addr))
			return
		}
	}
}

func (c *Conn) expireLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			for _, f := range c.pending.expire(now) {
				f.Fail(rpcerr.Timeout(nil, "request %s expired after %s without response", f.RequestID(), c.opts.PendingTTL))
			}
		}
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	return interval
}
