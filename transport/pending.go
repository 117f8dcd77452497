package transport

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"mini-rpc/future"
)

var errDuplicateRequestID = errors.New("request id already pending")

type pendingCall struct {
	future   *future.Future
	deadline time.Time
}

// pendingTable maps the request ids of one connection to their Futures.
// Every entry leaves the table exactly once: by take, expire or failAll.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[string]pendingCall
	closed error // set by failAll; later inserts fail with it
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]pendingCall)}
}

func (t *pendingTable) insert(id string, f *future.Future, deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return t.closed
	}
	if _, ok := t.calls[id]; ok {
		return errors.Wrapf(errDuplicateRequestID, "request %s", id)
	}
	t.calls[id] = pendingCall{future: f, deadline: deadline}
	return nil
}

// take removes and returns the Future for id.
func (t *pendingTable) take(id string) (*future.Future, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if !ok {
		return nil, false
	}
	delete(t.calls, id)
	return call.future, true
}

// expire removes every entry whose deadline is before now.
func (t *pendingTable) expire(now time.Time) []*future.Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*future.Future
	for id, call := range t.calls {
		if !call.deadline.IsZero() && call.deadline.Before(now) {
			delete(t.calls, id)
			expired = append(expired, call.future)
		}
	}
	return expired
}

// failAll empties the table, fails every entry with err and rejects later inserts.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	t.closed = err
	calls := t.calls
	t.calls = make(map[string]pendingCall)
	t.mu.Unlock()

	for _, call := range calls {
		call.future.Fail(err)
	}
	return len(calls)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
