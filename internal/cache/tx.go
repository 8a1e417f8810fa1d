package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vanishlist/vanish/internal/schema"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is the write handle passed to Update.
type Tx struct {
	tx       *sql.Tx
	strategy schema.Strategy
	now      func() time.Time
	changed  bool
}

// Task returns one task or ErrNotFound.
func (t *Tx) Task(ctx context.Context, id string) (schema.Task, error) {
	return getTask(ctx, t.tx, id)
}

// Tasks returns every task in display order.
func (t *Tx) Tasks(ctx context.Context) ([]schema.Task, error) {
	return listTasks(ctx, t.tx)
}

// PutTask inserts a task at the end of the list or updates it in place.
func (t *Tx) PutTask(ctx context.Context, task schema.Task) error {
	query := `
	INSERT INTO tasks (id, text, checked, time, pending, position)
	VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM tasks))
	ON CONFLICT(id) DO UPDATE SET
		text = excluded.text,
		checked = excluded.checked,
		time = excluded.time,
		pending = excluded.pending
	`
	if _, err := t.tx.ExecContext(ctx, query,
		task.ID, task.Text, task.Checked, task.Time, task.Pending.String()); err != nil {
		return fmt.Errorf("failed to put task %s: %w", task.ID, err)
	}
	t.changed = true
	return nil
}

// SetPending changes only the pending marker of a task.
func (t *Tx) SetPending(ctx context.Context, id string, p schema.PendingState) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE tasks SET pending = ? WHERE id = ?`, p.String(), id)
	if err != nil {
		return fmt.Errorf("failed to set pending state of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t.changed = true
	return nil
}

// DeleteTask removes a task. Returns nil if the task doesn't exist.
func (t *Tx) DeleteTask(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	t.changed = true
	return nil
}

// ClearTasks empties the task table. The queue is left alone.
func (t *Tx) ClearTasks(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}
	t.changed = true
	return nil
}

// Rekey moves a task and every queue entry referencing it from oldID to
// newID, keeping its list position.
func (t *Tx) Rekey(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	if _, err := getTask(ctx, t.tx, oldID); err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, newID); err != nil {
		return fmt.Errorf("failed to clear target id %s: %w", newID, err)
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE tasks SET id = ? WHERE id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("failed to rekey task %s: %w", oldID, err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE queue SET
			task_id = ?,
			coalesce_key = CASE WHEN coalesce_key IS NULL THEN NULL ELSE ? END
		WHERE task_id = ?`, newID, newID, oldID); err != nil {
		return fmt.Errorf("failed to rekey queue entries of %s: %w", oldID, err)
	}
	t.changed = true
	return nil
}

// Enqueue records a mutation for later replay and returns its sequence
// number.
//
// Under the coalescing strategy an existing entry for the same task is
// overwritten in place: it keeps its sequence number, so its drain position
// is that of the first mutation. Under the append strategy every call adds
// a new entry at the tail.
func (t *Tx) Enqueue(ctx context.Context, taskID string, action schema.Action, snap schema.Snapshot) (int64, error) {
	kind, payload, err := schema.EncodeAction(action)
	if err != nil {
		return 0, err
	}

	var coalesceKey sql.NullString
	if t.strategy == schema.StrategyCoalescing {
		coalesceKey = sql.NullString{String: taskID, Valid: true}
	}

	query := `
	INSERT INTO queue (task_id, coalesce_key, action, payload, text, checked, time, enqueued_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(coalesce_key) DO UPDATE SET
		version = queue.version + 1,
		action = excluded.action,
		payload = excluded.payload,
		text = excluded.text,
		checked = excluded.checked,
		time = excluded.time,
		enqueued_at = excluded.enqueued_at
	RETURNING seq
	`

	var seq int64
	err = t.tx.QueryRowContext(ctx, query,
		taskID, coalesceKey, string(kind), string(payload),
		snap.Text, snap.Checked, snap.Time,
		t.now().UTC().Format(time.RFC3339Nano),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s for %s: %w", kind, taskID, err)
	}
	return seq, nil
}

// ReplaceEntry rewrites the action and snapshot of an existing entry in
// place, keeping its drain position.
func (t *Tx) ReplaceEntry(ctx context.Context, seq int64, action schema.Action, snap schema.Snapshot) error {
	kind, payload, err := schema.EncodeAction(action)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE queue SET
			version = version + 1,
			action = ?, payload = ?, text = ?, checked = ?, time = ?
		WHERE seq = ?`,
		string(kind), string(payload), snap.Text, snap.Checked, snap.Time, seq)
	if err != nil {
		return fmt.Errorf("failed to replace queue entry %d: %w", seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %d: %w", seq, ErrNotFound)
	}
	return nil
}

// Queue returns every queued entry in drain order.
func (t *Tx) Queue(ctx context.Context) ([]schema.QueueEntry, error) {
	return listQueue(ctx, t.tx, "", nil)
}

// QueueFor returns the entries referencing a task, in drain order.
func (t *Tx) QueueFor(ctx context.Context, taskID string) ([]schema.QueueEntry, error) {
	return listQueue(ctx, t.tx, "WHERE task_id = ?", []any{taskID})
}

// Entry returns one queued entry or ErrNotFound.
func (t *Tx) Entry(ctx context.Context, seq int64) (schema.QueueEntry, error) {
	entries, err := listQueue(ctx, t.tx, "WHERE seq = ?", []any{seq})
	if err != nil {
		return schema.QueueEntry{}, err
	}
	if len(entries) == 0 {
		return schema.QueueEntry{}, fmt.Errorf("queue entry %d: %w", seq, ErrNotFound)
	}
	return entries[0], nil
}

// QueuedFor counts the entries referencing a task.
func (t *Tx) QueuedFor(ctx context.Context, taskID string) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE task_id = ?`, taskID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue entries of %s: %w", taskID, err)
	}
	return n, nil
}

// Dequeue deletes e if it has not been overwritten since it was read.
// It reports whether the entry was removed; an entry that is already gone
// or carries a newer version is left alone.
func (t *Tx) Dequeue(ctx context.Context, e schema.QueueEntry) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM queue WHERE seq = ? AND version = ?`, e.Seq, e.Version)
	if err != nil {
		return false, fmt.Errorf("failed to dequeue entry %d: %w", e.Seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to dequeue entry %d: %w", e.Seq, err)
	}
	return n > 0, nil
}

func getTask(ctx context.Context, q querier, id string) (schema.Task, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, text, checked, time, pending
		FROM tasks WHERE id = ?`, id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

func listTasks(ctx context.Context, q querier) ([]schema.Task, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, text, checked, time, pending
		FROM tasks ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []schema.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func listQueue(ctx context.Context, q querier, where string, args []any) ([]schema.QueueEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, version, task_id, action, payload, text, checked, time, enqueued_at
		FROM queue `+where+` ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var entries []schema.QueueEntry
	for rows.Next() {
		var (
			e          schema.QueueEntry
			kind       string
			payload    string
			enqueuedAt string
		)
		if err := rows.Scan(&e.Seq, &e.Version, &e.TaskID, &kind, &payload,
			&e.Snapshot.Text, &e.Snapshot.Checked, &e.Snapshot.Time, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}

		action, err := schema.DecodeAction(schema.ActionKind(kind), []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("queue entry %d: %w", e.Seq, err)
		}
		e.Action = action

		if ts, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			e.EnqueuedAt = ts
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (schema.Task, error) {
	var (
		task    schema.Task
		pending string
	)
	if err := s.Scan(&task.ID, &task.Text, &task.Checked, &task.Time, &pending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return schema.Task{}, err
		}
		return schema.Task{}, fmt.Errorf("failed to scan task: %w", err)
	}

	p, err := schema.ParsePendingState(pending)
	if err != nil {
		return schema.Task{}, fmt.Errorf("task %s: %w", task.ID, err)
	}
	task.Pending = p
	return task, nil
}
