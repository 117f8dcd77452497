// Package future provides the client-visible handle of an in-flight call.
//
// A Future is resolved exactly once, either with a result or with an error.
// Resolution releases every goroutine blocked in Get and runs every callback
// registered with OnComplete exactly once.
package future

import (
	"context"
	"sync"
	"time"

	"mini-rpc/rpcerr"
)

type State int32

const (
	Pending State = iota
	Success
	Failure
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Success:
		return "SUCCESS"
	case Failure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

type callback struct {
	onSuccess func(result any)
	onFailure func(err error)
}

// Future is a single-resolution, goroutine-safe handle for an asynchronous result.
type Future struct {
	requestID string
	started   time.Time
	done      chan struct{}

	mu        sync.Mutex
	state     State
	result    any
	err       error
	callbacks []callback
}

// New returns a pending Future for the given request id.
func New(requestID string) *Future {
	return &Future{
		requestID: requestID,
		started:   time.Now(),
		done:      make(chan struct{}),
	}
}

// RequestID returns the id of the request this Future belongs to.
func (f *Future) RequestID() string {
	return f.requestID
}

// Complete resolves the Future successfully. It reports false if the Future
// was already resolved.
func (f *Future) Complete(result any) bool {
	return f.resolve(Success, result, nil)
}

// Fail resolves the Future with err. It reports false if the Future was
// already resolved.
func (f *Future) Fail(err error) bool {
	return f.resolve(Failure, nil, err)
}

func (f *Future) resolve(state State, result any, err error) bool {
	f.mu.Lock()
	if f.state != Pending {
		f.mu.Unlock()
		return false
	}
	f.state = state
	f.result = result
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	// Callbacks run off the resolving goroutine, which is usually a
	// connection's read loop.
	if len(cbs) > 0 {
		go func() {
			for _, cb := range cbs {
				f.invoke(cb)
			}
		}()
	}
	return true
}

func (f *Future) invoke(cb callback) {
	if f.state == Success {
		if cb.onSuccess != nil {
			cb.onSuccess(f.result)
		}
		return
	}
	if cb.onFailure != nil {
		cb.onFailure(f.err)
	}
}

// OnComplete registers callbacks. If the Future is already resolved the
// matching callback runs synchronously before OnComplete returns. Either
// function may be nil.
func (f *Future) OnComplete(onSuccess func(result any), onFailure func(err error)) {
	cb := callback{onSuccess: onSuccess, onFailure: onFailure}
	f.mu.Lock()
	if f.state == Pending {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.invoke(cb)
}

// Done returns a channel closed on resolution.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the Future has been resolved.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// State returns the current state.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Elapsed returns the time since the Future was created.
func (f *Future) Elapsed() time.Duration {
	return time.Since(f.started)
}

// Get blocks until the Future is resolved or ctx is done. A ctx deadline
// yields an rpcerr Timeout error; the Future itself stays pending. Once
// resolved, Get returns the same outcome on every call.
func (f *Future) Get(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
	}
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, rpcerr.Timeout(ctx.Err(), "request %s not answered after %s", f.requestID, f.Elapsed().Round(time.Millisecond))
		}
		return nil, ctx.Err()
	}
}

// GetTimeout is Get bounded by timeout. A non-positive timeout waits forever.
func (f *Future) GetTimeout(timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return f.Get(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.Get(ctx)
}
