// Package store provides the coven-mcp event journal using SQLite.
//
// # Architecture
//
// Store is the journal interface. SQLiteStore implements it on
// modernc.org/sqlite (pure Go, no cgo) and MockStore keeps events in memory
// for tests.
//
// Sink adapts a Store to transport.EventSink so the transport's lifecycle
// events (sessions created and purged, streams opened and closed, requests,
// rejections and auth failures) are journaled as they happen:
//
//	journal, err := store.NewSQLiteStore(cfg.Database.Path, logger)
//	...
//	tr, err := transport.New(transport.Config{
//	    Sinks: []transport.EventSink{store.NewSink(journal, logger)},
//	})
//
// # Schema
//
// A single journal_events table, created on open, with indexes on time,
// session and type. Timestamps are stored as fixed-width UTC strings with
// nanosecond precision so lexical order is time order. The database runs in
// WAL mode.
//
// # Queries
//
// ListEvents filters by type, session and start time and returns newest
// first. CountEvents groups by type. PruneEvents removes events older than a
// cutoff.
package store
