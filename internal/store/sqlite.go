// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides the event journal with WAL mode and automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// The journal has a single writer.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS journal_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			type        TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			session_id  TEXT NOT NULL DEFAULT '',
			method      TEXT NOT NULL DEFAULT '',
			status      INTEGER NOT NULL DEFAULT 0,
			reason      TEXT NOT NULL DEFAULT '',
			remote      TEXT NOT NULL DEFAULT '',
			subject     TEXT NOT NULL DEFAULT '',
			duration_us INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_journal_events_occurred
			ON journal_events(occurred_at);

		CREATE INDEX IF NOT EXISTS idx_journal_events_session
			ON journal_events(session_id, occurred_at);

		CREATE INDEX IF NOT EXISTS idx_journal_events_type
			ON journal_events(type, occurred_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Timestamps are stored as fixed-width UTC strings so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// SaveEvent appends an event and sets its ID.
func (s *SQLiteStore) SaveEvent(ctx context.Context, ev *JournalEvent) error {
	query := `
		INSERT INTO journal_events (
			type, occurred_at, session_id, method, status, reason, remote, subject, duration_us
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		ev.Type,
		formatTime(ev.OccurredAt),
		ev.SessionID,
		ev.Method,
		ev.Status,
		ev.Reason,
		ev.Remote,
		ev.Subject,
		ev.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading event id: %w", err)
	}
	return nil
}

const selectEvents = `
	SELECT id, type, occurred_at, session_id, method, status, reason, remote, subject, duration_us
	FROM journal_events
`

// GetEvent retrieves a single event by ID
func (s *SQLiteStore) GetEvent(ctx context.Context, id int64) (*JournalEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, selectEvents+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return ev, nil
}

// ListEvents returns events matching p, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, p ListEventsParams) ([]*JournalEvent, error) {
	var where []string
	var args []any
	if p.Type != "" {
		where = append(where, "type = ?")
		args = append(args, p.Type)
	}
	if p.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, p.SessionID)
	}
	if !p.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, formatTime(p.Since))
	}

	query := selectEvents
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id DESC LIMIT ?"
	args = append(args, clampLimit(p.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*JournalEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// CountEvents returns the number of journaled events per type.
func (s *SQLiteStore) CountEvents(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM journal_events GROUP BY type")
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}

// PruneEvents deletes events that occurred before cutoff and returns how many
// were removed.
func (s *SQLiteStore) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM journal_events WHERE occurred_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading pruned count: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned journal events", "count", n, "before", cutoff)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*JournalEvent, error) {
	ev := &JournalEvent{}
	var occurred string
	var durationUS int64
	err := row.Scan(
		&ev.ID,
		&ev.Type,
		&occurred,
		&ev.SessionID,
		&ev.Method,
		&ev.Status,
		&ev.Reason,
		&ev.Remote,
		&ev.Subject,
		&durationUS,
	)
	if err != nil {
		return nil, err
	}
	ev.OccurredAt, err = time.Parse(timeLayout, occurred)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	ev.Duration = time.Duration(durationUS) * time.Microsecond
	return ev, nil
}
