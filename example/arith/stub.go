package arith

import (
	"context"

	"mini-rpc/client"
	"mini-rpc/future"
)

// Stub calls a remote Arith as if it were local.
type Stub struct {
	proxy *client.Proxy
	async *client.AsyncProxy
}

func NewStub(c *client.Client) *Stub {
	return &Stub{
		proxy: c.Create(ServiceName),
		async: c.CreateAsync(ServiceName),
	}
}

func (s *Stub) Add(ctx context.Context, x, y int64) (int64, error) {
	return client.Invoke[int64](ctx, s.proxy, "Add", x, y)
}

func (s *Stub) AddFloat(ctx context.Context, x, y float64) (float64, error) {
	return client.Invoke[float64](ctx, s.proxy, "Add", x, y)
}

func (s *Stub) Mul(ctx context.Context, x, y int64) (int64, error) {
	return client.Invoke[int64](ctx, s.proxy, "Mul", x, y)
}

func (s *Stub) Div(ctx context.Context, x, y int64) (int64, error) {
	return client.Invoke[int64](ctx, s.proxy, "Div", x, y)
}

func (s *Stub) Sum(ctx context.Context, xs []int64) (int64, error) {
	return client.Invoke[int64](ctx, s.proxy, "Sum", xs)
}

func (s *Stub) Join(ctx context.Context, parts []string, sep string) (string, error) {
	return client.Invoke[string](ctx, s.proxy, "Join", parts, sep)
}

// MulAsync starts Mul and returns its future.
func (s *Stub) MulAsync(x, y int64) (*future.Future, error) {
	return s.async.Call("Mul", x, y)
}

func (s *Stub) String() string {
	return s.proxy.String()
}
