// Package concurrency abstracts the scheduling model used by the transport.
//
// # Overview
//
// The transport coordinates two shared registries (sessions and SSE streams)
// and a set of long-lived background tasks (one keep-alive loop per stream).
// Everything it needs from the runtime goes through an Adapter:
//
//   - Synchronize: mutual exclusion around registry access and stream writes
//   - Go: spawn a background task bound to the adapter's lifetime
//   - Sleep: wait for a duration, interruptible by the task context
//   - NewMap: a map suitable for the adapter's scheduling model
//
// # Models
//
// Threaded runs tasks as ordinary goroutines and guards Synchronize with a
// mutex. Its maps are lock-striped so they stay safe even when read outside
// Synchronize.
//
// Cooperative admits only one task at a time. A task holds the "reactor"
// until it calls Sleep, which yields to the next runnable task. Synchronize is
// a weight-1 semaphore. Its maps are plain Go maps and must only be touched
// inside Synchronize.
//
// # Usage
//
//	adapter := concurrency.NewThreaded()
//	sessions := concurrency.NewMap[*Session](adapter)
//
//	adapter.Go(func(ctx context.Context) {
//		for adapter.Sleep(ctx, 30*time.Second) == nil {
//			adapter.Synchronize(func() { /* write keep-alive */ })
//		}
//	})
//
//	adapter.Shutdown() // cancels and joins every task
package concurrency
