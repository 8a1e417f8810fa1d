package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vanishlist/vanish/internal/cache"
	"github.com/vanishlist/vanish/internal/remote"
	"github.com/vanishlist/vanish/internal/schema"
)

// DrainResult summarises one drain pass.
type DrainResult struct {
	// Processed counts entries the remote store confirmed.
	Processed int `json:"processed"`
	// Dropped counts entries removed because replaying them can never
	// succeed, e.g. a checkbox change for a task the store no longer has.
	Dropped int `json:"dropped"`
	// Remaining is the queue length after the pass.
	Remaining int `json:"remaining"`
	// Skipped is set when another pass was still running.
	Skipped bool `json:"skipped,omitempty"`
	// BlockedBy names the task whose outstanding handler call halted the pass.
	BlockedBy string `json:"blocked_by,omitempty"`
	// Failure describes the replay error that halted the pass.
	Failure  string        `json:"failure,omitempty"`
	Duration time.Duration `json:"duration"`

	Err error `json:"-"`
}

// replayOutcome is what one replayed entry did remotely.
type replayOutcome int

const (
	replayConfirmed replayOutcome = iota
	replayDropped
	replayFailed
)

// Drain replays the queue against the remote store in order and stops at
// the first entry that fails. Only one pass runs at a time; a call made
// while a pass is running returns at once with Skipped set.
//
// The returned error is for local cache failures only; a failed replay is
// reported in DrainResult.Err and retried on the next pass.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Info("drain already in progress, skipping pass")
		return DrainResult{Skipped: true}, nil
	}
	defer e.draining.Store(false)

	start := time.Now()
	entries, err := e.cache.ListQueue(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("failed to read queue: %w", err)
	}
	if len(entries) == 0 {
		return DrainResult{}, nil
	}

	var result DrainResult
	for _, listed := range entries {
		if ctx.Err() != nil {
			break
		}

		entry, ok, blocked, err := e.claim(ctx, listed.Seq)
		if err != nil {
			return result, err
		}
		if blocked {
			result.BlockedBy = entry.TaskID
			e.logger.Debug("drain halted behind outstanding call", "task", entry.TaskID, "seq", entry.Seq)
			break
		}
		if !ok {
			continue
		}

		newID, outcome, rerr := e.replay(ctx, entry)

		if err := e.complete(ctx, entry, newID, outcome, rerr); err != nil {
			return result, err
		}

		switch outcome {
		case replayConfirmed:
			result.Processed++
		case replayDropped:
			result.Dropped++
			e.logger.Warn("dropped queue entry that cannot be replayed",
				"task", entry.TaskID, "action", entry.Action.Kind(), "error", rerr)
		case replayFailed:
			result.Err = rerr
			result.Failure = rerr.Error()
			e.logger.Warn("drain halted on failed replay",
				"task", entry.TaskID, "action", entry.Action.Kind(), "seq", entry.Seq, "error", rerr)
		}
		if outcome == replayFailed {
			break
		}
	}

	stats, err := e.cache.GetStats(ctx)
	if err != nil {
		return result, err
	}
	result.Remaining = stats.Queued
	result.Duration = time.Since(start)

	e.logger.Info("drain pass complete",
		"processed", result.Processed,
		"dropped", result.Dropped,
		"remaining", result.Remaining,
		"duration_ms", result.Duration.Milliseconds())

	if e.cfg.Observer != nil {
		e.cfg.Observer.Drained(result)
	}
	return result, nil
}

// claim re-reads an entry and marks its task as having a call in flight.
// ok is false when the entry is gone; blocked is true when a handler call
// for the task is outstanding.
func (e *Engine) claim(ctx context.Context, seq int64) (entry schema.QueueEntry, ok, blocked bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	err = e.cache.Update(ctx, func(tx *cache.Tx) error {
		var err error
		entry, err = tx.Entry(ctx, seq)
		return err
	})
	if errors.Is(err, cache.ErrNotFound) {
		return schema.QueueEntry{}, false, false, nil
	}
	if err != nil {
		return schema.QueueEntry{}, false, false, fmt.Errorf("failed to read queue entry %d: %w", seq, err)
	}

	if e.inflight[entry.TaskID] > 0 {
		return entry, false, true, nil
	}
	e.begin(entry.TaskID)
	return entry, true, false, nil
}

// replay sends one entry to the remote store. For an AddTask it returns the
// id the store keeps the task under.
func (e *Engine) replay(ctx context.Context, entry schema.QueueEntry) (string, replayOutcome, error) {
	rctx, cancel := e.remoteCtx(ctx)
	defer cancel()

	switch a := entry.Action.(type) {
	case schema.AddTask:
		record := a.Record(entry.TaskID)
		if e.cfg.IDPolicy == schema.IDServer || schema.IsProvisional(entry.TaskID) {
			record.ID = ""
		}
		id, err := e.remote.InsertTask(rctx, record)
		switch {
		case err == nil:
			return id, replayConfirmed, nil
		case errors.Is(err, remote.ErrAlreadyExists) && record.ID != "":
			// An earlier attempt landed. Later edits and toggles may have
			// been folded into this entry since, so bring the stored row up
			// to the entry before confirming it.
			if err := e.alignExisting(rctx, record); err != nil {
				return "", replayFailed, err
			}
			return record.ID, replayConfirmed, nil
		case errors.Is(err, schema.ErrInvalidTask):
			return "", replayDropped, err
		default:
			return "", replayFailed, err
		}

	case schema.UpdateCheckbox:
		// The store only flips, so flip until the flag has the value the
		// entry expects. This also makes a retried replay harmless.
		got, err := e.remote.ToggleChecked(rctx, entry.TaskID)
		if err == nil && got != a.Checked {
			got, err = e.remote.ToggleChecked(rctx, entry.TaskID)
		}
		switch {
		case err == nil:
			return "", replayConfirmed, nil
		case errors.Is(err, remote.ErrNotFound):
			return "", replayDropped, err
		default:
			return "", replayFailed, err
		}

	case schema.DeleteRow:
		err := e.remote.DeleteTask(rctx, entry.TaskID)
		if err == nil || errors.Is(err, remote.ErrNotFound) {
			return "", replayConfirmed, nil
		}
		return "", replayFailed, err

	default:
		return "", replayFailed, fmt.Errorf("unknown action %T", entry.Action)
	}
}

// alignExisting makes an already stored task carry r's text and checked
// flag. The store only flips the flag, so it flips until the value matches.
func (e *Engine) alignExisting(ctx context.Context, r schema.Record) error {
	if err := e.remote.EditText(ctx, r.ID, r.Text); err != nil {
		return fmt.Errorf("failed to align text of %s: %w", r.ID, err)
	}
	for range 2 {
		got, err := e.remote.ToggleChecked(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("failed to align checkbox of %s: %w", r.ID, err)
		}
		if got == r.Checked {
			return nil
		}
	}
	return fmt.Errorf("failed to align checkbox of %s: store did not settle", r.ID)
}

// complete applies the outcome of a replay to the cache and queue.
func (e *Engine) complete(ctx context.Context, entry schema.QueueEntry, newID string, outcome replayOutcome, rerr error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finish(entry.TaskID)

	err := e.cache.Update(ctx, func(tx *cache.Tx) error {
		if outcome == replayFailed {
			if !e.coalescing() {
				return nil
			}
			// A coalescing enqueue may have overwritten the entry while it
			// was being replayed; merge the failed action back in.
			current, err := tx.Entry(ctx, entry.Seq)
			if errors.Is(err, cache.ErrNotFound) || (err == nil && current.Version == entry.Version) {
				return nil
			}
			if err != nil {
				return err
			}
			return e.requeue(ctx, tx, entry.TaskID, entry.Action, entry.Snapshot)
		}

		taskID := entry.TaskID
		if newID != "" && newID != taskID {
			err := tx.Rekey(ctx, taskID, newID)
			if err != nil && !errors.Is(err, cache.ErrNotFound) {
				return err
			}
			taskID = newID
		}

		removed, err := tx.Dequeue(ctx, entry)
		if err != nil {
			return err
		}

		_, isDelete := entry.Action.(schema.DeleteRow)
		_, isAdd := entry.Action.(schema.AddTask)
		switch {
		case isDelete && removed:
			return tx.DeleteTask(ctx, taskID)
		case isAdd && outcome == replayDropped:
			// The store rejects the task outright; it can never be created.
			return tx.DeleteTask(ctx, taskID)
		default:
			return e.settle(ctx, tx, taskID)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to record replay of entry %d: %w", entry.Seq, err)
	}
	return nil
}
