package arith

import (
	"context"
	"sync"
	"testing"
)

var testContexts sync.Map // testing.TB -> context.Context

// testContext stands in for testing.TB.Context (Go 1.24+) on older
// toolchains: one context per test, canceled when the test's cleanups run.
func testContext(tb testing.TB) context.Context {
	if ctx, ok := testContexts.Load(tb); ok {
		return ctx.(context.Context)
	}
	ctx, cancel := context.WithCancel(context.Background())
	testContexts.Store(tb, ctx)
	tb.Cleanup(func() {
		cancel()
		testContexts.Delete(tb)
	})
	return ctx
}
