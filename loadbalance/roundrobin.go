package loadbalance

import (
	"sync/atomic"
)

// RoundRobin distributes picks evenly across all items in order.
// Uses an atomic counter for lock-free, goroutine-safe operation: with K items
// and M picks (M a multiple of K) every item is picked exactly M/K times.
type RoundRobin[T any] struct {
	counter atomic.Uint64 // incremented on each Pick()
}

// Pick selects the next item in round-robin order.
func (b *RoundRobin[T]) Pick(items []T) (T, error) {
	var zero T
	if len(items) == 0 {
		return zero, ErrEmpty
	}
	index := (b.counter.Add(1) - 1) % uint64(len(items))
	return items[index], nil
}

func (b *RoundRobin[T]) Name() string {
	return "RoundRobin"
}
