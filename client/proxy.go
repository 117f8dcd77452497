package client

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/pkg/errors"

	"mini-rpc/future"
	"mini-rpc/message"
	"mini-rpc/rpcerr"
)

// ErrUnsupportedMethod is returned for method names that belong to the proxy
// object itself and cannot be called remotely.
var ErrUnsupportedMethod = errors.New("rpc client: method not supported by proxy")

// Method names answered by the proxy without a round trip.
const (
	MethodEquals   = "equals"
	MethodHashCode = "hashCode"
	MethodToString = "toString"
)

var unsupported = map[string]bool{
	"getClass":  true,
	"notify":    true,
	"notifyAll": true,
	"wait":      true,
	"clone":     true,
	"finalize":  true,
}

var proxyIDs atomic.Int64

// proxy is the identity shared by Proxy and AsyncProxy.
type proxy struct {
	client  *Client
	service string
	id      int64
}

func newProxy(c *Client, service string) proxy {
	return proxy{client: c, service: service, id: proxyIDs.Add(1)}
}

// Service returns the service name calls are sent to.
func (p *proxy) Service() string { return p.service }

// HashCode is an identity hash: distinct for every proxy created in the process.
func (p *proxy) HashCode() int64 { return p.id }

// local answers reserved method names. handled is false for every other name.
func (p *proxy) local(self any, method string, args []any) (result any, handled bool, err error) {
	switch method {
	case MethodEquals:
		if len(args) != 1 {
			return nil, true, errors.Errorf("rpc client: %s takes 1 argument, got %d", method, len(args))
		}
		return self == args[0], true, nil
	case MethodHashCode:
		return p.id, true, nil
	case MethodToString:
		return fmt.Sprint(self), true, nil
	}
	if unsupported[method] {
		return nil, true, errors.Wrap(ErrUnsupportedMethod, method)
	}
	return nil, false, nil
}

// Proxy makes blocking calls to one service.
type Proxy struct {
	proxy
}

// Create returns a blocking proxy for service.
func (c *Client) Create(service string) *Proxy {
	return &Proxy{proxy: newProxy(c, service)}
}

// Call invokes method with args on a server node and waits for the result.
// Without a ctx deadline the call is bounded by the client's CallTimeout.
//
// Failures carry an rpcerr kind: Remote for errors reported by the server,
// Timeout, NoAvailableServer, Connectivity or Codec otherwise.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	if v, ok, err := p.local(p, method, args); ok {
		return v, err
	}
	return p.client.call(ctx, p.service, method, args)
}

func (p *Proxy) Equal(other any) bool {
	o, ok := other.(*Proxy)
	return ok && o == p
}

func (p *Proxy) String() string {
	return fmt.Sprintf("minirpc.Proxy(%s)@%x", p.service, p.id)
}

// AsyncProxy makes calls that return a Future instead of waiting.
type AsyncProxy struct {
	proxy
}

// CreateAsync returns an asynchronous proxy for service.
func (c *Client) CreateAsync(service string) *AsyncProxy {
	return &AsyncProxy{proxy: newProxy(c, service)}
}

// Call sends method with args and returns the pending Future. It blocks only
// while no server node is connected, up to the pool timeout.
func (p *AsyncProxy) Call(method string, args ...any) (*future.Future, error) {
	return p.CallContext(context.Background(), method, args...)
}

// CallContext is Call with ctx bounding the wait for a connection. ctx does
// not apply to the Future.
func (p *AsyncProxy) CallContext(ctx context.Context, method string, args ...any) (*future.Future, error) {
	if v, ok, err := p.local(p, method, args); ok {
		if err != nil {
			return nil, err
		}
		f := future.New("")
		f.Complete(v)
		return f, nil
	}
	return p.client.callAsync(ctx, p.service, method, args)
}

func (p *AsyncProxy) Equal(other any) bool {
	o, ok := other.(*AsyncProxy)
	return ok && o == p
}

func (p *AsyncProxy) String() string {
	return fmt.Sprintf("minirpc.AsyncProxy(%s)@%x", p.service, p.id)
}

// Invoke is Proxy.Call with the result converted to R, for typed stubs:
//
//	func (s *ArithStub) Add(ctx context.Context, a, b int64) (int64, error) {
//		return client.Invoke[int64](ctx, s.proxy, "Add", a, b)
//	}
//
// A nil result yields the zero R.
func Invoke[R any](ctx context.Context, p *Proxy, method string, args ...any) (R, error) {
	var zero R
	v, err := p.Call(ctx, method, args...)
	if err != nil || v == nil {
		return zero, err
	}
	if r, ok := v.(R); ok {
		return r, nil
	}
	rv, err := message.Coerce(v, reflect.TypeOf((*R)(nil)).Elem())
	if err != nil {
		return zero, rpcerr.Codec(err, "result of %s.%s", p.service, method)
	}
	return rv.Interface().(R), nil
}
