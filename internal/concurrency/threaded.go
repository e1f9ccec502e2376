// ABOUTME: Goroutine-backed adapter: mutex for Synchronize, parallel tasks joined on Shutdown
// ABOUTME: Task panics are recovered and logged so a bad task cannot take the process down

package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"
)

// ThreadedAdapter runs background tasks as goroutines.
type ThreadedAdapter struct {
	mu   sync.Mutex
	opts options

	ctx    context.Context
	cancel context.CancelFunc

	// lifecycle guards closed and orders wg.Go against wg.Wait.
	lifecycle sync.RWMutex
	closed    bool
	wg        conc.WaitGroup
}

var _ Adapter = (*ThreadedAdapter)(nil)

// NewThreaded creates a goroutine-backed adapter.
func NewThreaded(opts ...Option) *ThreadedAdapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &ThreadedAdapter{
		opts:   buildOptions(opts),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Synchronize runs fn under the adapter mutex.
func (a *ThreadedAdapter) Synchronize(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn()
}

// Go starts fn in a new goroutine.
func (a *ThreadedAdapter) Go(fn func(ctx context.Context)) {
	a.lifecycle.RLock()
	defer a.lifecycle.RUnlock()

	if a.closed {
		return
	}
	a.wg.Go(func() {
		fn(a.ctx)
	})
}

// Sleep waits for d on the adapter clock.
func (a *ThreadedAdapter) Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, a.opts.clock, d)
}

// Clock returns the adapter's time source.
func (a *ThreadedAdapter) Clock() clockwork.Clock {
	return a.opts.clock
}

// Kind returns Threaded.
func (a *ThreadedAdapter) Kind() Kind {
	return Threaded
}

// Shutdown cancels all tasks and waits for them. Safe to call more than once.
func (a *ThreadedAdapter) Shutdown() {
	a.lifecycle.Lock()
	already := a.closed
	a.closed = true
	a.lifecycle.Unlock()

	a.cancel()
	if already {
		return
	}

	if r := a.wg.WaitAndRecover(); r != nil {
		a.opts.logger.Error("background task panicked", "panic", r.Value)
	}
}
