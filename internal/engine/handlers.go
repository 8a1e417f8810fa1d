package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/vanishlist/vanish/internal/cache"
	"github.com/vanishlist/vanish/internal/remote"
	"github.com/vanishlist/vanish/internal/schema"
)

// Add creates a task. It is written to the cache as Adding before the
// remote insert is attempted; a failed insert is queued. The returned task
// reflects the cache after the attempt, under its permanent id when the
// remote store assigned one.
func (e *Engine) Add(ctx context.Context, snap schema.Snapshot) (schema.Task, error) {
	if err := snap.Validate(); err != nil {
		return schema.Task{}, err
	}

	task := schema.Task{
		ID:      e.cfg.IDPolicy.NewID(),
		Text:    snap.Text,
		Checked: snap.Checked,
		Time:    snap.Time,
		Pending: schema.PendingAdding,
	}

	e.mu.Lock()
	err := e.cache.Update(ctx, func(tx *cache.Tx) error {
		return tx.PutTask(ctx, task)
	})
	if err == nil {
		e.begin(task.ID)
	}
	e.mu.Unlock()
	if err != nil {
		return schema.Task{}, fmt.Errorf("failed to add task: %w", err)
	}

	record := task.Record()
	if e.cfg.IDPolicy == schema.IDServer {
		record.ID = ""
	}

	rctx, cancel := e.remoteCtx(ctx)
	id, rerr := e.remote.InsertTask(rctx, record)
	cancel()
	if errors.Is(rerr, remote.ErrAlreadyExists) && record.ID != "" {
		// A previous attempt reached the store after all.
		id, rerr = record.ID, nil
	}

	finalID := task.ID
	e.mu.Lock()
	e.finish(task.ID)
	err = e.cache.Update(ctx, func(tx *cache.Tx) error {
		if rerr != nil {
			return e.requeue(ctx, tx, task.ID, schema.AddTaskFrom(snap), snap)
		}
		if id != "" && id != task.ID {
			if err := tx.Rekey(ctx, task.ID, id); err != nil {
				return err
			}
			finalID = id
		}
		return e.settle(ctx, tx, finalID)
	})
	e.mu.Unlock()
	if err != nil {
		return schema.Task{}, fmt.Errorf("failed to record add of %s: %w", task.ID, err)
	}

	if rerr != nil {
		e.logger.Warn("add queued for retry", "task", task.ID, "error", rerr)
	} else {
		e.logger.Info("task added", "task", finalID)
	}

	current, err := e.cache.GetTask(ctx, finalID)
	if err != nil {
		// The task can be gone already if a queued delete was drained.
		return task, nil
	}
	return current, nil
}

// Toggle flips a task's checked flag. The cache shows the new value as
// Checking until the remote store confirms it; a failed call is queued.
func (e *Engine) Toggle(ctx context.Context, id string) (schema.Task, error) {
	var (
		task     schema.Task
		deferred bool
	)

	e.mu.Lock()
	err := e.cache.Update(ctx, func(tx *cache.Tx) error {
		var err error
		if task, err = e.lockedTask(ctx, tx, id); err != nil {
			return err
		}
		if deferred, err = e.mustDefer(ctx, tx, id); err != nil {
			return err
		}

		task.Checked = !task.Checked
		task.Pending = schema.PendingChecking
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		if deferred {
			return e.enqueue(ctx, tx, id, schema.UpdateCheckbox{Checked: task.Checked}, task.Snapshot())
		}
		return nil
	})
	if err == nil && !deferred {
		e.begin(id)
	}
	e.mu.Unlock()
	if err != nil {
		return schema.Task{}, err
	}
	if deferred {
		e.logger.Debug("toggle queued behind earlier work", "task", id)
		return task, nil
	}

	want := task.Checked
	rctx, cancel := e.remoteCtx(ctx)
	got, rerr := e.remote.ToggleChecked(rctx, id)
	cancel()

	e.mu.Lock()
	e.finish(id)
	err = e.cache.Update(ctx, func(tx *cache.Tx) error {
		if rerr != nil {
			return e.requeue(ctx, tx, id, schema.UpdateCheckbox{Checked: want}, task.Snapshot())
		}
		if got != want && e.inflight[id] == 0 {
			if n, err := tx.QueuedFor(ctx, id); err != nil {
				return err
			} else if n == 0 {
				// The remote flag had drifted; the store's answer wins.
				e.logger.Warn("remote checkbox differs from local", "task", id, "remote", got)
				current, err := tx.Task(ctx, id)
				if err != nil {
					return err
				}
				current.Checked = got
				if err := tx.PutTask(ctx, current); err != nil {
					return err
				}
			}
		}
		return e.settle(ctx, tx, id)
	})
	e.mu.Unlock()
	if err != nil {
		return schema.Task{}, fmt.Errorf("failed to record toggle of %s: %w", id, err)
	}
	if rerr != nil {
		e.logger.Warn("toggle queued for retry", "task", id, "error", rerr)
	}

	current, err := e.cache.GetTask(ctx, id)
	if err != nil {
		return task, nil
	}
	return current, nil
}

// Delete removes a task. The task stays in the cache as Deleting, with its
// controls locked, until the remote store confirms the removal; a failed
// call is queued. Reports whether the removal was confirmed.
func (e *Engine) Delete(ctx context.Context, id string) (bool, error) {
	var (
		task     schema.Task
		deferred bool
	)

	e.mu.Lock()
	err := e.cache.Update(ctx, func(tx *cache.Tx) error {
		var err error
		if task, err = e.lockedTask(ctx, tx, id); err != nil {
			return err
		}
		if deferred, err = e.mustDefer(ctx, tx, id); err != nil {
			return err
		}

		if err := tx.SetPending(ctx, id, schema.PendingDeleting); err != nil {
			return err
		}
		if deferred {
			return e.enqueue(ctx, tx, id, schema.DeleteRow{}, task.Snapshot())
		}
		return nil
	})
	if err == nil && !deferred {
		e.begin(id)
	}
	e.mu.Unlock()
	if err != nil {
		return false, err
	}
	if deferred {
		e.logger.Debug("delete queued behind earlier work", "task", id)
		return false, nil
	}

	rctx, cancel := e.remoteCtx(ctx)
	rerr := e.remote.DeleteTask(rctx, id)
	cancel()
	if errors.Is(rerr, remote.ErrNotFound) {
		rerr = nil
	}

	e.mu.Lock()
	e.finish(id)
	err = e.cache.Update(ctx, func(tx *cache.Tx) error {
		if rerr != nil {
			return e.requeue(ctx, tx, id, schema.DeleteRow{}, task.Snapshot())
		}
		return tx.DeleteTask(ctx, id)
	})
	e.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("failed to record delete of %s: %w", id, err)
	}

	if rerr != nil {
		e.logger.Warn("delete queued for retry", "task", id, "error", rerr)
		return false, nil
	}
	e.logger.Info("task deleted", "task", id)
	return true, nil
}

// Edit replaces a task's text. The cache is updated at once and the remote
// store is called directly; edits are never queued, so a failed call
// returns ErrEditNotConfirmed and the local text stays until the next
// reconciliation. An edit of a task whose creation is still queued is
// carried by that queued creation instead.
func (e *Engine) Edit(ctx context.Context, id, text string) (schema.Task, error) {
	if err := schema.ValidateText(text); err != nil {
		return schema.Task{}, err
	}

	var (
		task    schema.Task
		carried bool
	)

	e.mu.Lock()
	err := e.cache.Update(ctx, func(tx *cache.Tx) error {
		var err error
		task, err = tx.Task(ctx, id)
		if errors.Is(err, cache.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if err != nil {
			return err
		}
		if task.Pending == schema.PendingDeleting {
			return fmt.Errorf("%w: %s is %s", ErrTaskBusy, id, task.Pending)
		}

		task.Text = text
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}

		if e.inflight[id] > 0 {
			return nil
		}
		entries, err := tx.QueueFor(ctx, id)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if add, ok := entry.Action.(schema.AddTask); ok {
				add.Text = text
				snap := entry.Snapshot
				snap.Text = text
				carried = true
				return tx.ReplaceEntry(ctx, entry.Seq, add, snap)
			}
		}
		return nil
	})
	e.mu.Unlock()
	if err != nil {
		return schema.Task{}, err
	}
	if carried {
		e.logger.Debug("edit folded into queued add", "task", id)
		return task, nil
	}

	rctx, cancel := e.remoteCtx(ctx)
	rerr := e.remote.EditText(rctx, id, text)
	cancel()
	if rerr != nil {
		e.logger.Warn("edit not confirmed; local text may drift until next reconciliation",
			"task", id, "error", rerr)
		return task, fmt.Errorf("%w: %w", ErrEditNotConfirmed, rerr)
	}

	e.logger.Info("task edited", "task", id)
	return task, nil
}
