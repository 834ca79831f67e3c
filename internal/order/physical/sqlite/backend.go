// Package sqlite provides a queue backend over an embedded SQLite
// database, for deployments that want the queue inspectable with
// ordinary SQL tooling.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dverbeek/tierstore/internal/order"
	"github.com/dverbeek/tierstore/internal/order/physical"
	"github.com/dverbeek/tierstore/internal/storage"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
)

func init() {
	physical.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite queue.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.tierstore/orders.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    id            TEXT PRIMARY KEY,
    destination   TEXT NOT NULL,
    payload       BLOB,
    failure_count INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT NOT NULL DEFAULT '',
    scheduled_at  INTEGER NOT NULL,
    created_at    INTEGER NOT NULL,
    claimed_until INTEGER
);

CREATE TABLE IF NOT EXISTS dead_letters (
    id            TEXT PRIMARY KEY,
    destination   TEXT NOT NULL,
    payload       BLOB,
    failure_count INTEGER NOT NULL,
    last_error    TEXT NOT NULL,
    scheduled_at  INTEGER NOT NULL,
    created_at    INTEGER NOT NULL,
    dead_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_scheduled ON orders(scheduled_at);
CREATE INDEX IF NOT EXISTS idx_dead_letters_dead_at ON dead_letters(dead_at);
`

// NewFactory creates a SQLite queue backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (order.Backend, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := storage.GetString(config, KeyJournalMode, "wal")
	busyTimeout, err := storage.GetInt(config, KeyBusyTimeout, 5000)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("sqlite", KeyBusyTimeout, config[KeyBusyTimeout], err.Error())
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)",
		path, journalMode, busyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}
	// modernc sqlite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create schema", err)
	}

	slog.Info("sqlite order queue initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db}, nil
}

// Backend stores orders in an orders table and dead letters in their
// own table with the time of death.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

func (b *Backend) Push(ctx context.Context, o *order.Order) error {
	if b.closed.Load() {
		return fmt.Errorf("sqlite queue: closed")
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders
		(id, destination, payload, failure_count, last_error, scheduled_at, created_at, claimed_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		o.ID, o.Destination, o.Payload, o.FailureCount, o.LastError,
		o.ScheduledAt.UnixNano(), o.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite queue: push: %w", err)
	}
	return nil
}

func (b *Backend) Claim(ctx context.Context, now time.Time, lease time.Duration) (*order.Order, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("sqlite queue: closed")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite queue: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Rows with an expired claimed_until are crash leftovers and are
	// claimable again alongside unclaimed due rows.
	var o order.Order
	var scheduledAt, createdAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT id, destination, payload, failure_count, last_error, scheduled_at, created_at
		FROM orders
		WHERE scheduled_at <= ? AND (claimed_until IS NULL OR claimed_until <= ?)
		ORDER BY scheduled_at LIMIT 1`,
		now.UnixNano(), now.UnixNano()).
		Scan(&o.ID, &o.Destination, &o.Payload, &o.FailureCount, &o.LastError, &scheduledAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, order.ErrEmpty
		}
		return nil, fmt.Errorf("sqlite queue: claim: %w", err)
	}
	o.ScheduledAt = time.Unix(0, scheduledAt)
	o.CreatedAt = time.Unix(0, createdAt)

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET claimed_until = ? WHERE id = ?`,
		now.Add(lease).UnixNano(), o.ID); err != nil {
		return nil, fmt.Errorf("sqlite queue: claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite queue: commit: %w", err)
	}
	return &o, nil
}

// Ack deletes only claimed rows: a re-push of the same id clears the
// claim, so acking after a requeue never drops the next attempt.
func (b *Backend) Ack(ctx context.Context, id string) error {
	if b.closed.Load() {
		return fmt.Errorf("sqlite queue: closed")
	}

	_, err := b.db.ExecContext(ctx,
		`DELETE FROM orders WHERE id = ? AND claimed_until IS NOT NULL`, id)
	if err != nil {
		return fmt.Errorf("sqlite queue: ack: %w", err)
	}
	return nil
}

func (b *Backend) DeadLetter(ctx context.Context, o *order.Order) error {
	if b.closed.Load() {
		return fmt.Errorf("sqlite queue: closed")
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_letters
		(id, destination, payload, failure_count, last_error, scheduled_at, created_at, dead_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Destination, o.Payload, o.FailureCount, o.LastError,
		o.ScheduledAt.UnixNano(), o.CreatedAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite queue: dead letter: %w", err)
	}
	return nil
}

func (b *Backend) DeadLetters(ctx context.Context, limit int) ([]*order.Order, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("sqlite queue: closed")
	}

	if limit <= 0 {
		limit = -1
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, destination, payload, failure_count, last_error, scheduled_at, created_at
		FROM dead_letters ORDER BY dead_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite queue: dead letters: %w", err)
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		var o order.Order
		var scheduledAt, createdAt int64
		if err := rows.Scan(&o.ID, &o.Destination, &o.Payload, &o.FailureCount,
			&o.LastError, &scheduledAt, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite queue: scan: %w", err)
		}
		o.ScheduledAt = time.Unix(0, scheduledAt)
		o.CreatedAt = time.Unix(0, createdAt)
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite queue: dead letters: %w", err)
	}
	return out, nil
}

func (b *Backend) Len(ctx context.Context) (int, error) {
	if b.closed.Load() {
		return 0, fmt.Errorf("sqlite queue: closed")
	}

	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite queue: len: %w", err)
	}
	return n, nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
