package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := New(4, 16)
	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	p.Close()
	assert.Equal(t, int32(100), n.Load())
}

func TestSubmitBlocksWhenQueueFull(t *testing.T) {
	p := New(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() {})
	assert.Equal(t, context.DeadlineExceeded, err)

	close(release)
	p.Close()
}

func TestSubmitAfterClose(t *testing.T) {
	p := New(2, 2)
	p.Close()
	assert.Equal(t, ErrClosed, p.Submit(context.Background(), func() {}))
	// Close is idempotent
	p.Close()
}

func TestCloseDrainsQueue(t *testing.T) {
	p := New(1, 8)
	var n atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(context.Background(), func() {
			time.Sleep(time.Millisecond)
			n.Add(1)
		}))
	}
	p.Close()
	assert.Equal(t, int32(8), n.Load())
}

func TestTaskPanicDoesNotStopPool(t *testing.T) {
	p := New(1, 4)
	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))

	var n atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), func() {
			if n.Add(1) == 3 {
				close(done)
			}
		}))
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks after a panic did not run")
	}

	err := p.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panicked")
	assert.Contains(t, err.Error(), "boom")
}
