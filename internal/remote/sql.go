package remote

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/vanishlist/vanish/internal/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// createdAtLayout is fixed-width so created_at sorts lexically.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z"

// uniqueViolationCode is the PostgreSQL error code for unique constraint violations
const uniqueViolationCode = "23505"

// libsqlAvailable is set by the cgo-only file that registers the libsql driver.
var libsqlAvailable bool

// SQLStore is a Store backed by one SQL table.
//
// The backend is chosen by DSN:
//   - postgres:// or postgresql:// uses pgx
//   - libsql:// uses go-libsql (cgo builds only)
//   - anything else is a SQLite file path, optionally prefixed with file:
type SQLStore struct {
	conn     *sql.DB
	postgres bool
	logger   *slog.Logger
	now      func() time.Time
}

type backend struct {
	driver  string
	dialect goose.Dialect
	connStr string
}

func resolveBackend(dsn string) (backend, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return backend{driver: "pgx", dialect: goose.DialectPostgres, connStr: dsn}, nil

	case strings.HasPrefix(dsn, "libsql://"):
		if !libsqlAvailable {
			return backend{}, fmt.Errorf("libsql DSNs require a cgo build")
		}
		return backend{driver: "libsql", dialect: database.DialectTurso, connStr: dsn}, nil

	case dsn == "":
		return backend{}, fmt.Errorf("remote DSN is empty")

	default:
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return backend{}, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", path)
		return backend{driver: "sqlite3", dialect: goose.DialectSQLite3, connStr: connStr}, nil
	}
}

// OpenSQL connects to dsn and applies pending migrations.
func OpenSQL(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "remote-sql")

	b, err := resolveBackend(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(b.driver, b.connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", b.driver, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", b.driver, err)
	}
	if b.driver == "sqlite3" {
		conn.SetMaxOpenConns(1)
	}

	if err := migrate(ctx, conn, b.dialect, logger); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &SQLStore{
		conn:     conn,
		postgres: b.driver == "pgx",
		logger:   logger,
		now:      time.Now,
	}, nil
}

func migrate(ctx context.Context, conn *sql.DB, dialect goose.Dialect, logger *slog.Logger) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	provider, err := goose.NewProvider(dialect, conn, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration",
			"version", r.Source.Version,
			"duration_ms", r.Duration.Milliseconds())
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close remote database: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ListTasks returns every task in creation order.
func (s *SQLStore) ListTasks(ctx context.Context) ([]schema.Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, text, checked, time
		FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	records := []schema.Record{}
	for rows.Next() {
		var r schema.Record
		if err := rows.Scan(&r.ID, &r.Text, &r.Checked, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return records, nil
}

// InsertTask creates a task, assigning a uuid when r.ID is empty.
func (s *SQLStore) InsertTask(ctx context.Context, r schema.Record) (string, error) {
	if err := r.Snapshot().Validate(); err != nil {
		return "", err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	query := s.rebind(`
		INSERT INTO tasks (id, text, checked, time, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
		RETURNING id`)

	var id string
	err := s.conn.QueryRowContext(ctx, query,
		r.ID, r.Text, r.Checked, r.Time, s.now().UTC().Format(createdAtLayout),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("task %s: %w", r.ID, ErrAlreadyExists)
	}
	if err != nil {
		return "", mapError(fmt.Errorf("failed to insert task %s: %w", r.ID, err))
	}
	return id, nil
}

// DeleteTask removes a task.
func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ToggleChecked flips the checked flag in a single statement, so
// concurrent toggles never read a stale value.
func (s *SQLStore) ToggleChecked(ctx context.Context, id string) (bool, error) {
	var checked bool
	err := s.conn.QueryRowContext(ctx,
		s.rebind(`UPDATE tasks SET checked = NOT checked WHERE id = ? RETURNING checked`), id,
	).Scan(&checked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to toggle task %s: %w", id, err)
	}
	return checked, nil
}

// EditText replaces a task's text.
func (s *SQLStore) EditText(ctx context.Context, id, text string) error {
	if err := schema.ValidateText(text); err != nil {
		return err
	}

	res, err := s.conn.ExecContext(ctx, s.rebind(`UPDATE tasks SET text = ? WHERE id = ?`), text, id)
	if err != nil {
		return fmt.Errorf("failed to edit task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to edit task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// mapError turns driver-level unique violations into ErrAlreadyExists.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	}

	var liteErr *sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.ExtendedCode() {
		case sqlite3.CONSTRAINT_PRIMARYKEY, sqlite3.CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
		}
	}
	return err
}
