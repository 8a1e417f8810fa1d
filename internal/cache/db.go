// Package cache provides the client-resident task cache and the durable
// pending queue, both stored in one embedded SQLite file.
//
// The cache is what the UI reads: every committed change is published to
// subscribers as a complete, consistent snapshot of the task table. The
// queue records mutations the remote store has not confirmed yet and
// survives process restarts.
//
// Architecture:
//   - Database file: ~/.config/vanish/cache.db (configurable)
//   - WAL mode: readers in other processes never see a half-written commit
//   - Tables: tasks, queue, meta
//   - One writer connection; multi-step changes go through Update
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/vanishlist/vanish/internal/schema"
)

var (
	// ErrNotFound is returned when a task or queue entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStrategyMismatch is returned when a cache holding queued entries is
	// reopened with a different queue strategy.
	ErrStrategyMismatch = errors.New("queue strategy mismatch")
)

// DB wraps the SQLite connection holding the task cache and pending queue.
type DB struct {
	conn     *sql.DB
	path     string
	strategy schema.Strategy
	logger   *slog.Logger

	// writeMu serialises Update so publish order matches commit order.
	writeMu sync.Mutex

	pubMu   sync.Mutex
	subs    map[int]func([]schema.Task)
	nextSub int
	last    []schema.Task
	hasLast bool
}

// Open creates a new cache connection at the specified path.
//
// The database is created if it does not exist. The caller MUST call
// InitSchema before use and Close when done.
//
// Example:
//
//	db, err := cache.Open("cache.db", schema.StrategyAppend, nil)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string, strategy schema.Strategy, logger *slog.Logger) (*DB, error) {
	if _, err := schema.ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}

	// A single connection keeps every statement of a transaction on the
	// same handle and rules out SQLITE_BUSY between our own goroutines.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	return &DB{
		conn:     conn,
		path:     path,
		strategy: strategy,
		logger:   logger.With("component", "cache"),
		subs:     make(map[int]func([]schema.Task)),
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Strategy returns the queue keying strategy the cache was opened with.
func (db *DB) Strategy() schema.Strategy {
	return db.strategy
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", "error", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables if needed and records the queue strategy.
//
// Reopening a cache whose queue still holds entries written under the
// other strategy fails with ErrStrategyMismatch; an empty queue is simply
// switched over. Safe to call multiple times.
func (db *DB) InitSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		checked INTEGER NOT NULL DEFAULT 0,
		time TEXT NOT NULL,
		pending TEXT NOT NULL DEFAULT 'none',
		position INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		coalesce_key TEXT UNIQUE,
		version INTEGER NOT NULL DEFAULT 1,
		action TEXT NOT NULL,
		payload TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		checked INTEGER NOT NULL DEFAULT 0,
		time TEXT NOT NULL DEFAULT '',
		enqueued_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_position ON tasks(position);
	CREATE INDEX IF NOT EXISTS idx_queue_task ON queue(task_id);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var recorded string
	err = tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'strategy'`).Scan(&recorded)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read queue strategy: %w", err)
	case recorded != string(db.strategy):
		var queued int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&queued); err != nil {
			return fmt.Errorf("failed to count queue: %w", err)
		}
		if queued > 0 {
			return fmt.Errorf("%w: cache has %d entries queued as %s, opened as %s",
				ErrStrategyMismatch, queued, recorded, db.strategy)
		}
		db.logger.Info("switching queue strategy", "from", recorded, "to", db.strategy)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('strategy', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, string(db.strategy)); err != nil {
		return fmt.Errorf("failed to record queue strategy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Update runs fn inside one transaction. Either every change fn makes is
// committed or none is; subscribers are notified once, after the commit,
// with the resulting snapshot.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	changed, err := db.update(ctx, fn)
	if err != nil {
		return err
	}
	if changed {
		db.publish(ctx)
	}
	return nil
}

func (db *DB) update(ctx context.Context, fn func(tx *Tx) error) (bool, error) {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &Tx{tx: sqlTx, strategy: db.strategy, now: time.Now}
	if err := fn(tx); err != nil {
		return false, err
	}

	if err := sqlTx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return tx.changed, nil
}

// ListTasks returns every cached task in display order.
func (db *DB) ListTasks(ctx context.Context) ([]schema.Task, error) {
	return listTasks(ctx, db.conn)
}

// GetTask returns one cached task or ErrNotFound.
func (db *DB) GetTask(ctx context.Context, id string) (schema.Task, error) {
	return getTask(ctx, db.conn, id)
}

// ListQueue returns every queued entry in drain order.
func (db *DB) ListQueue(ctx context.Context) ([]schema.QueueEntry, error) {
	return listQueue(ctx, db.conn, "", nil)
}

// Stats holds row counts for status output.
type Stats struct {
	Tasks   int
	Pending int
	Queued  int
}

// GetStats counts tasks, tasks with a pending marker and queued entries.
func (db *DB) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tasks),
			(SELECT COUNT(*) FROM tasks WHERE pending != 'none'),
			(SELECT COUNT(*) FROM queue)
	`).Scan(&s.Tasks, &s.Pending, &s.Queued)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get cache stats: %w", err)
	}
	return s, nil
}
