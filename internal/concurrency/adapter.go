// ABOUTME: Adapter contract shared by the threaded and cooperative scheduling models
// ABOUTME: Selection is made once from config; callers never branch on the model

package concurrency

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Kind identifies a scheduling model.
type Kind int

const (
	// Threaded runs tasks in parallel goroutines behind a mutex.
	Threaded Kind = iota
	// Cooperative runs one task at a time, switching only inside Sleep.
	Cooperative
)

func (k Kind) String() string {
	switch k {
	case Threaded:
		return "threaded"
	case Cooperative:
		return "cooperative"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a config value to a Kind. Empty selects Threaded.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "threaded", "thread", "threads":
		return Threaded, nil
	case "cooperative", "fiber", "fibers":
		return Cooperative, nil
	default:
		return Threaded, fmt.Errorf("unknown concurrency model %q", s)
	}
}

// Adapter is the scheduling abstraction the transport is written against.
type Adapter interface {
	// Synchronize runs fn while holding the adapter's mutual-exclusion
	// primitive. It is not reentrant.
	Synchronize(fn func())

	// Go runs fn as a background task. The context is cancelled by Shutdown.
	// Calling Go after Shutdown is a no-op.
	Go(fn func(ctx context.Context))

	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error

	// Clock is the time source used by Sleep.
	Clock() clockwork.Clock

	// Kind reports the scheduling model.
	Kind() Kind

	// Shutdown cancels every task context and waits for all tasks to return.
	Shutdown()
}

// Option configures an Adapter.
type Option func(*options)

type options struct {
	clock  clockwork.Clock
	logger *slog.Logger
}

// WithClock sets the time source. Tests pass clockwork.NewFakeClock().
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger used to report task panics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "concurrency")
	return o
}

// New builds the adapter for the given model.
func New(kind Kind, opts ...Option) Adapter {
	if kind == Cooperative {
		return NewCooperative(opts...)
	}
	return NewThreaded(opts...)
}

// sleep waits on the clock so fake clocks can drive it.
func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
