// Package server implements the RPC server with service registration, middleware chain,
// bounded parallel request processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: worker pool (bounded parallel processing)
//	    → Middleware Chain → dispatch (table lookup, reflect.Call) → Codec.Encode → write response
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-rpc/codec"
	"mini-rpc/message"
	"mini-rpc/middleware"
	"mini-rpc/protocol"
	"mini-rpc/registry"
	"mini-rpc/rpcerr"
	"mini-rpc/worker"
)

const (
	DefaultWriteTimeout    = 10 * time.Second
	DefaultAnnounceTimeout = 5 * time.Second
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("rpc: server closed")

type Options struct {
	Codec        codec.Codec
	MaxFrameSize int
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration

	// Announcer, if set, is told the advertised address once the listener is
	// bound, and told to withdraw it on Shutdown.
	Announcer registry.Announcer
	// Advertise is the address announced to clients. It differs from the listen
	// address when that is ":8080", which is not routable. Defaults to the bound address.
	Advertise string

	Logger *zap.Logger
}

type Option func(*Options)

func WithCodec(c codec.Codec) Option { return func(o *Options) { o.Codec = c } }

func WithMaxFrameSize(n int) Option { return func(o *Options) { o.MaxFrameSize = n } }

// WithWorkers sizes the pool that runs handlers.
func WithWorkers(workers, queueSize int) Option {
	return func(o *Options) {
		o.Workers = workers
		o.QueueSize = queueSize
	}
}

func WithWriteTimeout(d time.Duration) Option { return func(o *Options) { o.WriteTimeout = d } }

func WithAnnouncer(a registry.Announcer, advertise string) Option {
	return func(o *Options) {
		o.Announcer = a
		o.Advertise = advertise
	}
}

func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	opts Options
	log  *zap.Logger
	ctx  context.Context // handed to handlers, canceled once Shutdown gives up waiting
	stop context.CancelFunc

	// reading bounds a reader blocked on a full worker queue; Shutdown
	// cancels it before waiting for the readers.
	reading     context.Context
	stopReading context.CancelFunc

	mu          sync.RWMutex
	services    map[string]*service     // Registered services: "Arith" → *service
	middlewares []middleware.Middleware // Registered middlewares (applied in order)

	handler    middleware.HandlerFunc // The final handler chain: middleware(middleware(...(dispatch)))
	workers    *worker.Pool
	listener   net.Listener
	announced  string
	serving    atomic.Bool
	shutdown   atomic.Bool // Set to true during shutdown to suppress Accept errors
	inflight   sync.WaitGroup
	readers    sync.WaitGroup
	connMu     sync.Mutex
	conns      map[net.Conn]struct{}
	listenerMu sync.Mutex
}

// NewServer creates a new RPC server with an empty dispatch table.
func NewServer(opts ...Option) *Server {
	o := Options{
		Codec:        &codec.JSONCodec{},
		MaxFrameSize: protocol.DefaultMaxFrameSize,
		Workers:      worker.DefaultWorkers,
		QueueSize:    worker.DefaultQueueSize,
		WriteTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	ctx, stop := context.WithCancel(context.Background())
	reading, stopReading := context.WithCancel(context.Background())
	return &Server{
		opts:        o,
		log:         o.Logger,
		ctx:         ctx,
		stop:        stop,
		reading:     reading,
		stopReading: stopReading,
		services: make(map[string]*service),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Register registers a service receiver (e.g., &Arith{}) under its type name.
// The struct's exported methods that match a supported signature become callable.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName is like Register but uses name as the service name.
func (svr *Server) RegisterName(name string, rcvr any) error {
	methods, err := reflectMethods(rcvr)
	if err != nil {
		return err
	}
	if name == "" {
		name = reflectName(rcvr)
	}

	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, ok := svr.services[name]; ok {
		return errors.Errorf("rpc: service already defined: %s", name)
	}
	svc := newService(name)
	for _, m := range methods {
		if err := svc.add(m); err != nil {
			return err
		}
	}
	svr.services[name] = svc
	svr.log.Debug("registered service", zap.String("service", name), zap.Int("methods", len(methods)))
	return nil
}

// RegisterAll registers every receiver of a service name → implementation map.
func (svr *Server) RegisterAll(services map[string]any) error {
	for name, rcvr := range services {
		if err := svr.RegisterName(name, rcvr); err != nil {
			return errors.Wrapf(err, "register %s", name)
		}
	}
	return nil
}

// HandleFunc registers fn as the overload of service.method taking params.
// Overloads of one method differ in their declared parameter types.
func (svr *Server) HandleFunc(serviceName, method string, params []message.Type, fn HandlerFunc) error {
	for _, t := range params {
		if t == message.TypeNull || !t.Valid() {
			return errors.Errorf("rpc: %s.%s: invalid parameter type %q", serviceName, method, t)
		}
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svc, ok := svr.services[serviceName]
	if !ok {
		svc = newService(serviceName)
		svr.services[serviceName] = svc
	}
	return svc.add(&methodType{name: method, types: append([]message.Type(nil), params...), call: fn})
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be registered before Serve.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown.
func (svr *Server) Serve(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "rpc: listen on %s", address)
	}
	return svr.ServeListener(l)
}

// ServeListener serves connections accepted from l until Shutdown, which
// makes it return ErrServerClosed.
func (svr *Server) ServeListener(l net.Listener) error {
	if !svr.serving.CompareAndSwap(false, true) {
		return errors.New("rpc: server already serving")
	}

	// Build the middleware chain once at startup (not per-request)
	svr.mu.RLock()
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)
	svr.mu.RUnlock()

	svr.listenerMu.Lock()
	if svr.shutdown.Load() {
		svr.listenerMu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	svr.listener = l
	svr.workers = worker.New(svr.opts.Workers, svr.opts.QueueSize)
	svr.listenerMu.Unlock()
	svr.log.Info("rpc server listening", zap.Stringer("addr", l.Addr()))

	if err := svr.announce(l.Addr()); err != nil {
		l.Close()
		return err
	}

	// Accept loop: one reader goroutine per connection
	for {
		conn, err := l.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if svr.shutdown.Load() {
				return ErrServerClosed
			}
			return errors.Wrap(err, "rpc: accept")
		}
		if !svr.track(conn) {
			conn.Close()
			continue
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the bound address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.listenerMu.Lock()
	defer svr.listenerMu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) announce(bound net.Addr) error {
	if svr.opts.Announcer == nil {
		return nil
	}
	addr := svr.opts.Advertise
	if addr == "" {
		addr = bound.String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultAnnounceTimeout)
	defer cancel()
	if err := svr.opts.Announcer.Announce(ctx, addr); err != nil {
		return errors.Wrapf(err, "rpc: announce %s", addr)
	}
	svr.listenerMu.Lock()
	svr.announced = addr
	svr.listenerMu.Unlock()
	svr.log.Info("announced server node", zap.String("addr", addr))
	return nil
}

func (svr *Server) track(conn net.Conn) bool {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[conn] = struct{}{}
	svr.readers.Add(1)
	return true
}

func (svr *Server) untrack(conn net.Conn) {
	svr.connMu.Lock()
	delete(svr.conns, conn)
	svr.connMu.Unlock()
}

// handleConn processes a single TCP connection.
// It runs a read loop in a single goroutine (reads must be sequential to parse frame boundaries),
// and hands each request to the worker pool for parallel processing. When the
// pool's queue is full the reader blocks, which pushes back on the client.
//
// A per-connection write mutex (writeMu) is shared among all requests on this connection.
// This prevents frame interleaving when multiple workers write responses concurrently.
func (svr *Server) handleConn(conn net.Conn) {
	defer svr.readers.Done()
	log := svr.log.With(zap.Stringer("remote", conn.RemoteAddr()))
	writeMu := &sync.Mutex{}
	r := bufio.NewReader(conn)

	// On Shutdown the reader leaves the connection open for in-flight
	// responses; Shutdown closes it once they are written.
	var closeConn bool
	defer func() {
		if closeConn {
			conn.Close()
			svr.untrack(conn)
		}
	}()

	for {
		body, err := protocol.Decode(r, svr.opts.MaxFrameSize)
		if err != nil {
			switch {
			case svr.shutdown.Load():
				return
			case rpcerr.KindOf(err) == rpcerr.KindCodec:
				log.Warn("closing connection after bad frame", zap.Error(err))
			default:
				log.Debug("connection closed", zap.Error(err))
			}
			closeConn = true
			return
		}

		// Heartbeat frames only keep the connection alive
		if protocol.IsHeartbeat(body) {
			continue
		}

		req := &message.Request{}
		if err := svr.opts.Codec.Decode(body, req); err != nil {
			log.Warn("closing connection after undecodable request", zap.Error(err))
			closeConn = true
			return
		}

		svr.inflight.Add(1)
		err = svr.workers.Submit(svr.reading, func() {
			defer svr.inflight.Done()
			svr.handleRequest(conn, writeMu, req)
		})
		if err != nil {
			svr.inflight.Done()
			if svr.shutdown.Load() {
				log.Debug("dropping request received during shutdown", zap.String("request_id", req.RequestID))
				return
			}
			closeConn = true
			return
		}
	}
}

// handleRequest runs req through the middleware chain and writes exactly one response.
func (svr *Server) handleRequest(conn net.Conn, writeMu *sync.Mutex, req *message.Request) {
	resp := svr.invoke(req)
	resp.RequestID = req.RequestID // Same id as the request: this is how responses are matched on a shared connection

	body, err := svr.opts.Codec.Encode(resp)
	if err == nil && len(body) > svr.opts.MaxFrameSize {
		err = rpcerr.Codec(nil, "response is %d bytes, limit is %d", len(body), svr.opts.MaxFrameSize)
	}
	if err != nil {
		svr.log.Warn("cannot encode response", zap.String("request_id", req.RequestID), zap.Error(err))
		body, err = svr.opts.Codec.Encode(&message.Response{
			RequestID: req.RequestID,
			Error:     "cannot encode result: " + err.Error(),
		})
		if err != nil {
			return
		}
	}

	// Write under the per-connection lock so frames never interleave
	writeMu.Lock()
	defer writeMu.Unlock()
	if svr.opts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(svr.opts.WriteTimeout))
	}
	if err := protocol.Encode(conn, body); err != nil {
		svr.log.Debug("cannot write response", zap.String("request_id", req.RequestID), zap.Error(err))
		conn.Close()
	}
}

// invoke calls the handler chain, turning a panic into an error response.
func (svr *Server) invoke(req *message.Request) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			svr.log.Error("handler panicked",
				zap.String("service", req.ServiceName),
				zap.String("method", req.Signature()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			resp = &message.Response{RequestID: req.RequestID, Error: fmt.Sprintf("panic: %v", r)}
			if err, ok := r.(error); ok {
				resp.Error = "panic: " + errorText(err)
			}
		}
	}()
	resp = svr.handler(svr.ctx, req)
	if resp == nil {
		resp = &message.Response{RequestID: req.RequestID, Error: "handler returned no response"}
	}
	return resp
}

// dispatch is the core handler that routes requests to registered services.
// It is wrapped by the middleware chain and has the middleware.HandlerFunc signature.
func (svr *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	svr.mu.RLock()
	svc, ok := svr.services[req.ServiceName]
	svr.mu.RUnlock()
	if !ok {
		return &message.Response{RequestID: req.RequestID, Error: fmt.Sprintf("service %s not found", req.ServiceName)}
	}
	m, err := svc.lookup(req)
	if err != nil {
		return &message.Response{RequestID: req.RequestID, Error: errorText(err)}
	}
	result, err := m.invoke(ctx, req.Parameters)
	if err != nil {
		return &message.Response{RequestID: req.RequestID, Error: errorText(err)}
	}
	return &message.Response{RequestID: req.RequestID, Result: result}
}

// errorText is the response error for err. It is never empty, since an empty
// Error field marks a successful response.
func errorText(err error) string {
	if text := err.Error(); text != "" {
		return text
	}
	return fmt.Sprintf("%T", err)
}

// Shutdown performs graceful shutdown:
//  1. Withdraw the announcement (clients stop routing to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener and stop reading from open connections
//  4. Wait for in-flight requests to finish (with timeout), then close connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	if !svr.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	// Step 1: Withdraw FIRST, so clients stop sending new requests
	svr.listenerMu.Lock()
	announced, l, workers := svr.announced, svr.listener, svr.workers
	svr.listenerMu.Unlock()
	if announced != "" {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultAnnounceTimeout)
		if err := svr.opts.Announcer.Withdraw(ctx, announced); err != nil {
			svr.log.Warn("cannot withdraw announcement", zap.String("addr", announced), zap.Error(err))
		}
		cancel()
	}

	// Steps 2 and 3: no new connections, no new requests
	if l != nil {
		l.Close()
	}
	svr.connMu.Lock()
	for conn := range svr.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
	svr.connMu.Unlock()
	svr.stopReading() // readers waiting for a worker slot give up
	svr.readers.Wait()

	// Step 4: Wait for in-flight requests with timeout
	done := make(chan struct{})
	go func() {
		svr.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("rpc: timeout waiting for ongoing requests to finish")
	}
	svr.stop()
	svr.connMu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.connMu.Unlock()
	if workers != nil {
		closeWorkers := func() {
			if werr := workers.Close(); werr != nil {
				svr.log.Error("handler worker failed", zap.Error(werr))
			}
		}
		if err != nil {
			go closeWorkers() // stragglers finish in the background
		} else {
			closeWorkers()
		}
	}
	return err
}
