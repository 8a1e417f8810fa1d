package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/vanishlist/vanish/internal/cache"
	"github.com/vanishlist/vanish/internal/schema"
)

// ReconcileResult summarises one reconciliation.
type ReconcileResult struct {
	// Remote is the number of tasks the remote store returned.
	Remote int `json:"remote"`
	// Syncing counts remote tasks that still have queued work.
	Syncing int `json:"syncing"`
	// Adding counts queued creations the remote store has not seen yet.
	Adding int `json:"adding"`
	// Preserved counts local rows kept because a call for them was in flight.
	Preserved int           `json:"preserved"`
	Failure   string        `json:"failure,omitempty"`
	Duration  time.Duration `json:"duration"`

	Err error `json:"-"`
}

// Reconcile replaces the cache with the remote store's tasks while keeping
// local work visible. It commits as one cache transaction, so subscribers
// see either the old list or the new one and never an empty list between.
//
// Remote tasks with queued work are marked Syncing, or Deleting when the
// last queued mutation removes them. Queued creations the remote store does
// not have yet come back as Adding from their latest snapshot. Rows with a
// call in flight keep their local state.
//
// When the remote fetch fails the cache is left as it was; the failure is
// logged and reported in ReconcileResult.Err, not returned.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	start := time.Now()

	rctx, cancel := e.remoteCtx(ctx)
	records, ferr := e.remote.ListTasks(rctx)
	cancel()
	if ferr != nil {
		e.logger.Warn("reconciliation skipped, keeping cached tasks", "error", ferr)
		result := ReconcileResult{Failure: ferr.Error(), Err: ferr, Duration: time.Since(start)}
		e.notifyReconciled(result)
		return result, nil
	}

	var result ReconcileResult
	err := e.update(ctx, func(tx *cache.Tx) error {
		result = ReconcileResult{Remote: len(records)}

		entries, err := tx.Queue(ctx)
		if err != nil {
			return err
		}
		local, err := tx.Tasks(ctx)
		if err != nil {
			return err
		}

		// last holds the newest entry per task; its snapshot is the task's
		// latest local content.
		last := make(map[string]schema.QueueEntry, len(entries))
		var adds []string
		for _, entry := range entries {
			last[entry.TaskID] = entry
			if isAdd(entry.Action) {
				adds = append(adds, entry.TaskID)
			}
		}

		preserved := make(map[string]schema.Task)
		var preservedOrder []string
		for _, t := range local {
			if e.inflight[t.ID] > 0 {
				preserved[t.ID] = t
				preservedOrder = append(preservedOrder, t.ID)
			}
		}

		if err := tx.ClearTasks(ctx); err != nil {
			return err
		}

		remoteIDs := make(map[string]bool, len(records))
		for _, r := range records {
			remoteIDs[r.ID] = true

			if t, ok := preserved[r.ID]; ok {
				if err := tx.PutTask(ctx, t); err != nil {
					return err
				}
				result.Preserved++
				continue
			}

			task := schema.NewTask(r, schema.PendingNone)
			if entry, ok := last[r.ID]; ok {
				task.Pending = schema.PendingSyncing
				if _, isDelete := entry.Action.(schema.DeleteRow); isDelete {
					task.Pending = schema.PendingDeleting
				}
				result.Syncing++
			}
			if err := tx.PutTask(ctx, task); err != nil {
				return err
			}
		}

		for _, id := range preservedOrder {
			if remoteIDs[id] {
				continue
			}
			if err := tx.PutTask(ctx, preserved[id]); err != nil {
				return err
			}
			result.Preserved++
		}

		for _, id := range adds {
			if remoteIDs[id] {
				continue
			}
			if _, ok := preserved[id]; ok {
				continue
			}
			pending := schema.PendingAdding
			if _, isDelete := last[id].Action.(schema.DeleteRow); isDelete {
				pending = schema.PendingDeleting
			}
			snap := last[id].Snapshot
			task := schema.Task{ID: id, Text: snap.Text, Checked: snap.Checked, Time: snap.Time, Pending: pending}
			if err := tx.PutTask(ctx, task); err != nil {
				return err
			}
			result.Adding++
		}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("failed to reconcile cache: %w", err)
	}

	result.Duration = time.Since(start)
	e.logger.Info("reconciled cache with remote store",
		"remote", result.Remote,
		"syncing", result.Syncing,
		"adding", result.Adding,
		"preserved", result.Preserved,
		"duration_ms", result.Duration.Milliseconds())
	e.notifyReconciled(result)
	return result, nil
}

func (e *Engine) notifyReconciled(result ReconcileResult) {
	if e.cfg.Observer != nil {
		e.cfg.Observer.Reconciled(result)
	}
}

func isAdd(a schema.Action) bool {
	_, ok := a.(schema.AddTask)
	return ok
}
