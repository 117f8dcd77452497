// Package loadbalance provides the selection strategy the connection pool
// uses to spread calls across pooled connections.
package loadbalance

import "github.com/pkg/errors"

// ErrEmpty is returned by Pick when there is nothing to choose from.
var ErrEmpty = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The pool calls Pick() before each RPC to select a target.
type Balancer[T any] interface {
	// Pick selects one item from a stable snapshot.
	// Called on every RPC call, must be goroutine-safe.
	Pick(items []T) (T, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
