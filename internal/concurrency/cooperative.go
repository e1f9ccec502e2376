// ABOUTME: Single-runner adapter: tasks take turns on a reactor and yield only inside Sleep
// ABOUTME: Synchronize is a weight-1 semaphore standing in for the mutex

package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

// CooperativeAdapter admits one task at a time.
//
// Lock order is reactor before lock: a running task may call Synchronize, but
// code inside Synchronize never waits for the reactor.
type CooperativeAdapter struct {
	lock    *semaphore.Weighted
	reactor *semaphore.Weighted
	opts    options

	ctx    context.Context
	cancel context.CancelFunc

	lifecycle sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
}

var _ Adapter = (*CooperativeAdapter)(nil)

type reactorTaskKey struct{}

// NewCooperative creates a cooperative adapter.
func NewCooperative(opts ...Option) *CooperativeAdapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &CooperativeAdapter{
		lock:    semaphore.NewWeighted(1),
		reactor: semaphore.NewWeighted(1),
		opts:    buildOptions(opts),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Synchronize runs fn while holding the semaphore.
func (a *CooperativeAdapter) Synchronize(fn func()) {
	// Acquire with a background context cannot fail.
	_ = a.lock.Acquire(context.Background(), 1)
	defer a.lock.Release(1)
	fn()
}

// Go queues fn on the reactor. It runs once no other task is running.
func (a *CooperativeAdapter) Go(fn func(ctx context.Context)) {
	a.lifecycle.RLock()
	defer a.lifecycle.RUnlock()

	if a.closed {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		if err := a.reactor.Acquire(a.ctx, 1); err != nil {
			return
		}
		defer a.reactor.Release(1)

		defer func() {
			if r := recover(); r != nil {
				a.opts.logger.Error("background task panicked", "panic", r)
			}
		}()

		fn(context.WithValue(a.ctx, reactorTaskKey{}, a))
	}()
}

// Sleep yields the reactor for the duration when called from a task.
func (a *CooperativeAdapter) Sleep(ctx context.Context, d time.Duration) error {
	if owner, _ := ctx.Value(reactorTaskKey{}).(*CooperativeAdapter); owner == a {
		a.reactor.Release(1)
		// A running task must hold the reactor again before it continues,
		// even when the sleep was cut short.
		defer func() { _ = a.reactor.Acquire(context.Background(), 1) }()
	}
	return sleep(ctx, a.opts.clock, d)
}

// Clock returns the adapter's time source.
func (a *CooperativeAdapter) Clock() clockwork.Clock {
	return a.opts.clock
}

// Kind returns Cooperative.
func (a *CooperativeAdapter) Kind() Kind {
	return Cooperative
}

// Shutdown cancels all tasks and waits for them. Safe to call more than once.
func (a *CooperativeAdapter) Shutdown() {
	a.lifecycle.Lock()
	a.closed = true
	a.lifecycle.Unlock()

	a.cancel()
	a.wg.Wait()
}
