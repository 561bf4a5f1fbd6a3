package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.OutcomeStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}

	// Single connection: relays record concurrently and SQLite serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}

	return store, nil
}

// SchemaVersion reports the applied journal schema version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	return currentVersion(ctx, s.db)
}

func (s *SQLiteStore) Record(ctx context.Context, o domain.Outcome) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (relay_id, message_id, channel_id, author_id, status, stage,
		 files_sent, files_dropped, elapsed_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RelayID, o.MessageID, o.ChannelID, o.AuthorID, string(o.Status), o.Stage,
		o.FilesSent, o.FilesDropped, o.Elapsed.Milliseconds(), o.Err, o.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// Recent returns up to limit outcomes, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]domain.Outcome, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT relay_id, message_id, channel_id, author_id, status, stage,
		        files_sent, files_dropped, elapsed_ms, error, created_at
		 FROM outcomes ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var result []domain.Outcome
	for rows.Next() {
		var (
			o                     domain.Outcome
			status                string
			authorID, stage, errS sql.NullString
			elapsedMS             int64
		)
		if err := rows.Scan(&o.RelayID, &o.MessageID, &o.ChannelID, &authorID, &status, &stage,
			&o.FilesSent, &o.FilesDropped, &elapsedMS, &errS, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Status = domain.OutcomeStatus(status)
		o.AuthorID = authorID.String
		o.Stage = stage.String
		o.Err = errS.String
		o.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		result = append(result, o)
	}
	return result, rows.Err()
}

// Prune deletes outcomes recorded before the given time and reports how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outcomes WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Subscribe records every relay outcome emitted on eb. Write failures are
// logged; they never affect the relay itself. The returned func removes
// the subscription and must be called before the store is closed.
func Subscribe(eb *bus.EventBus, store domain.OutcomeStore, logger *slog.Logger) func() {
	record := func(e bus.Event) {
		o := e.Outcome
		if o.CreatedAt.IsZero() {
			o.CreatedAt = e.Timestamp
		}
		if err := store.Record(context.Background(), o); err != nil {
			logger.Warn("journal write failed", "relay_id", o.RelayID, "err", err)
		}
	}
	delivered := eb.On(bus.EventRelayDelivered, record)
	failed := eb.On(bus.EventRelayFailed, record)
	return func() {
		eb.Off(bus.EventRelayDelivered, delivered)
		eb.Off(bus.EventRelayFailed, failed)
	}
}
