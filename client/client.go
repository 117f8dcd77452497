// Package client turns ordinary calls into requests against a pool of
// interchangeable server nodes.
//
// Call flow:
//
//	Proxy.Call → build Request (uuid, normalized types) → Pool.Choose (round robin)
//	  → Conn.Send (pending table) → Future.Get (bounded by ctx or CallTimeout)
//
// The pool follows a registry.Discovery: every pushed snapshot is reconciled
// against the pooled connections.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mini-rpc/codec"
	"mini-rpc/future"
	"mini-rpc/message"
	"mini-rpc/registry"
	"mini-rpc/rpcerr"
	"mini-rpc/transport"
)

const (
	DefaultCallTimeout  = 5 * time.Second
	DefaultRetryBackoff = 50 * time.Millisecond

	tracerName = "mini-rpc/client"
)

type Options struct {
	// Servers is a static node list, used when Discovery is nil.
	Servers   []string
	Discovery registry.Discovery

	// CallTimeout bounds a blocking call whose ctx has no deadline.
	CallTimeout time.Duration

	// Retries is how many more times a call is sent when it could not be
	// written to its connection. Calls that reached a server are never resent.
	Retries      int
	RetryBackoff time.Duration

	Pool transport.PoolOptions

	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
	Logger         *zap.Logger
}

type Option func(*Options)

func WithServers(addrs ...string) Option {
	return func(o *Options) { o.Servers = append(o.Servers, addrs...) }
}

func WithDiscovery(d registry.Discovery) Option { return func(o *Options) { o.Discovery = d } }

// WithCodec sets the serializer. It must match the servers'.
func WithCodec(c codec.Codec) Option { return func(o *Options) { o.Pool.Conn.Codec = c } }

func WithCallTimeout(d time.Duration) Option { return func(o *Options) { o.CallTimeout = d } }

// WithPoolTimeout bounds how long a call waits for any server node to be connected.
func WithPoolTimeout(d time.Duration) Option { return func(o *Options) { o.Pool.Timeout = d } }

func WithMaxFrameSize(n int) Option { return func(o *Options) { o.Pool.Conn.MaxFrameSize = n } }

func WithHeartbeat(d time.Duration) Option { return func(o *Options) { o.Pool.Conn.Heartbeat = d } }

// WithPendingTTL sets how long an unanswered call stays in its connection's
// pending table before it fails with a timeout.
func WithPendingTTL(d time.Duration) Option { return func(o *Options) { o.Pool.Conn.PendingTTL = d } }

func WithRedialInterval(d time.Duration) Option {
	return func(o *Options) { o.Pool.RedialInterval = d }
}

func WithRetry(retries int, backoff time.Duration) Option {
	return func(o *Options) {
		o.Retries = retries
		o.RetryBackoff = backoff
	}
}

// WithMetrics registers the connection pool's collectors with r.
func WithMetrics(r prometheus.Registerer) Option { return func(o *Options) { o.Registerer = r } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) { o.TracerProvider = tp }
}

func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }

// Client owns a connection pool and the goroutine feeding it discovery snapshots.
type Client struct {
	opts   Options
	log    *zap.Logger
	pool   *transport.Pool
	tracer trace.Tracer

	cancel    context.CancelFunc
	following chan struct{}
	closeOnce sync.Once
}

// New creates a client and starts following its discovery source.
func New(opts ...Option) (*Client, error) {
	o := Options{
		CallTimeout:  DefaultCallTimeout,
		RetryBackoff: DefaultRetryBackoff,
		Pool:         transport.PoolOptions{Conn: transport.DefaultConnOptions()},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Discovery == nil {
		if len(o.Servers) == 0 {
			return nil, errors.New("rpc client: no servers and no discovery")
		}
		o.Discovery = registry.Static(o.Servers)
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
	if o.Pool.Logger == nil {
		o.Pool.Logger = o.Logger
	}

	pool := transport.NewPool(o.Pool)
	if o.Registerer != nil {
		pool.RegisterMetrics(o.Registerer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	snapshots, err := o.Discovery.Watch(ctx)
	if err != nil {
		cancel()
		pool.Close()
		return nil, errors.Wrap(err, "rpc client: watch discovery")
	}

	c := &Client{
		opts:      o,
		log:       o.Logger,
		pool:      pool,
		tracer:    o.TracerProvider.Tracer(tracerName),
		cancel:    cancel,
		following: make(chan struct{}),
	}
	go c.follow(snapshots)
	return c, nil
}

// follow reconciles the pool against every discovery snapshot until the
// channel is closed.
func (c *Client) follow(snapshots <-chan []string) {
	defer close(c.following)
	for snapshot := range snapshots {
		addrs, errs := message.ParseAddresses(snapshot)
		for _, err := range errs {
			c.log.Warn("skipping malformed server node address", zap.Error(err))
		}
		c.log.Debug("server nodes changed", zap.Strings("nodes", snapshot))
		c.pool.Reconcile(addrs)
	}
}

// Pool exposes the connection pool, mostly for inspection.
func (c *Client) Pool() *transport.Pool {
	return c.pool
}

// Close stops following discovery and closes every connection. Calls still
// waiting fail with a connectivity error.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.following
		err = c.pool.Close()
	})
	return err
}

// send builds a request for service.method and writes it to a pooled
// connection, retrying connections that turn out to be dead.
func (c *Client) send(ctx context.Context, service, method string, args []any) (*transport.Conn, *future.Future, error) {
	req, err := message.NewRequest(uuid.NewString(), service, method, args...)
	if err != nil {
		return nil, nil, rpcerr.Codec(err, "cannot build request")
	}

	for attempt := 0; ; attempt++ {
		conn, err := c.pool.Choose(ctx)
		if err != nil {
			return nil, nil, err
		}
		f, err := conn.Send(req)
		if err == nil {
			return conn, f, nil
		}
		if rpcerr.KindOf(err) != rpcerr.KindConnectivity || attempt >= c.opts.Retries {
			return nil, nil, err
		}
		c.log.Debug("retrying call on another connection",
			zap.String("request_id", req.RequestID),
			zap.Stringer("node", conn.Addr()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		// exponential backoff: base, 2*base, 4*base, ...
		backoff := c.opts.RetryBackoff << attempt
		select {
		case <-ctx.Done():
			return nil, nil, err
		case <-time.After(backoff):
		}
	}
}

// call is the blocking path shared by Proxy and Invoke.
func (c *Client) call(ctx context.Context, service, method string, args []any) (any, error) {
	if _, ok := ctx.Deadline(); !ok && c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}
	ctx, span := c.startSpan(ctx, service, method)
	defer span.End()

	conn, f, err := c.send(ctx, service, method, args)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("rpc.request_id", f.RequestID()),
		attribute.String("net.peer.name", conn.Addr().String()),
	)

	result, err := f.Get(ctx)
	if err != nil && !f.IsDone() {
		// the server may still answer; that late response is dropped
		conn.Abandon(f.RequestID())
	}
	endSpan(span, err)
	return result, err
}

// callAsync sends without waiting for the response. The span ends when the
// future resolves.
func (c *Client) callAsync(ctx context.Context, service, method string, args []any) (*future.Future, error) {
	_, span := c.startSpan(ctx, service, method)
	_, f, err := c.send(ctx, service, method, args)
	if err != nil {
		endSpan(span, err)
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.String("rpc.request_id", f.RequestID()))
	f.OnComplete(
		func(any) { endSpan(span, nil); span.End() },
		func(err error) { endSpan(span, err); span.End() },
	)
	return f, nil
}

func (c *Client) startSpan(ctx context.Context, service, method string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, service+"/"+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "minirpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("rpc.error_kind", rpcerr.KindOf(err).String()))
		return
	}
	span.SetStatus(codes.Ok, "")
}
