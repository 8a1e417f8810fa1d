// Package engine implements the offline-first sync engine: optimistic
// mutation handlers, the queue drain, startup reconciliation and the
// coordinator that schedules them.
//
// Every handler writes the local cache first and then calls the remote
// store. A failed call leaves the optimistic state in place and records the
// mutation in the durable queue; the drain replays the queue in order and
// stops at the first entry that still fails.
//
// Concurrency: local read-modify-write steps run under one engine mutex and
// commit as one cache transaction each. The mutex is never held across a
// remote call. The engine tracks which tasks have a call outstanding; a new
// mutation for such a task, or for a task that already has queued work, is
// queued behind it instead of being sent directly, so the remote store sees
// mutations of one task in the order they were made.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vanishlist/vanish/internal/cache"
	"github.com/vanishlist/vanish/internal/remote"
	"github.com/vanishlist/vanish/internal/schema"
)

// DefaultInterval is the drain period.
const DefaultInterval = 10 * time.Second

// DefaultRemoteTimeout bounds every remote call.
const DefaultRemoteTimeout = 10 * time.Second

var (
	// ErrTaskNotFound is returned when a mutation names an unknown task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskBusy is returned when a mutation targets a task whose controls
	// are locked by a pending operation.
	ErrTaskBusy = errors.New("task has a pending operation")

	// ErrEditNotConfirmed is returned when an edit was applied locally but
	// the remote store did not accept it. Edits are not queued.
	ErrEditNotConfirmed = errors.New("edit not confirmed by remote store")
)

// Config holds engine configuration.
type Config struct {
	// IDPolicy decides who assigns permanent task ids.
	IDPolicy schema.IDPolicy

	// LockWhilePending disables toggle and delete on any task with a
	// pending marker. Tasks being deleted are always locked.
	LockWhilePending bool

	// Interval is the drain period used by Run and Start.
	Interval time.Duration

	// RemoteTimeout bounds each remote call; zero means no timeout.
	RemoteTimeout time.Duration

	// Observer receives reconcile and drain summaries; optional.
	Observer Observer

	// Logger for engine activity (default: slog.Default())
	Logger *slog.Logger
}

// DefaultConfig returns defaults for a cache using strategy. Coalescing
// locks tasks while anything is pending, append only while deleting.
func DefaultConfig(strategy schema.Strategy) Config {
	return Config{
		IDPolicy:         schema.IDClient,
		LockWhilePending: strategy == schema.StrategyCoalescing,
		Interval:         DefaultInterval,
		RemoteTimeout:    DefaultRemoteTimeout,
	}
}

// Observer is notified after reconciliation and drain passes.
type Observer interface {
	Reconciled(ReconcileResult)
	Drained(DrainResult)
}

// Engine is the sync engine for one local cache and one remote store.
type Engine struct {
	cache  *cache.DB
	remote remote.Store
	cfg    Config
	logger *slog.Logger

	// mu guards inflight and serialises local read-modify-write steps.
	mu       sync.Mutex
	inflight map[string]int

	draining atomic.Bool

	// coordinator lifecycle
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine. The cache must have its schema initialised.
func New(db *cache.DB, store remote.Store, cfg Config) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if cfg.IDPolicy == "" {
		cfg.IDPolicy = schema.IDClient
	}
	if _, err := schema.ParseIDPolicy(string(cfg.IDPolicy)); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RemoteTimeout < 0 {
		return nil, fmt.Errorf("remote timeout cannot be negative")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Engine{
		cache:    db,
		remote:   store,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "engine"),
		inflight: make(map[string]int),
	}, nil
}

// Cache returns the local cache the engine writes to.
func (e *Engine) Cache() *cache.DB {
	return e.cache
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// InFlight reports whether a remote call for the task is outstanding.
func (e *Engine) InFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[id] > 0
}

// remoteCtx derives the context for one remote call.
func (e *Engine) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.RemoteTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	}
	return context.WithCancel(ctx)
}

// begin marks a remote call for id as outstanding. Caller holds e.mu.
func (e *Engine) begin(id string) {
	e.inflight[id]++
}

// finish clears one outstanding call for id. Caller holds e.mu.
func (e *Engine) finish(id string) {
	if e.inflight[id] <= 1 {
		delete(e.inflight, id)
		return
	}
	e.inflight[id]--
}

// mustDefer reports whether a new mutation of id has to queue behind
// earlier work instead of calling the remote store. Caller holds e.mu.
func (e *Engine) mustDefer(ctx context.Context, tx *cache.Tx, id string) (bool, error) {
	if e.inflight[id] > 0 || schema.IsProvisional(id) {
		return true, nil
	}
	n, err := tx.QueuedFor(ctx, id)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// settle clears the pending marker of id once nothing is left outstanding
// for it. Otherwise the current marker stays, since it describes work that
// is still queued or in flight. Caller holds e.mu.
func (e *Engine) settle(ctx context.Context, tx *cache.Tx, id string) error {
	if e.inflight[id] > 0 {
		return nil
	}
	n, err := tx.QueuedFor(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	err = tx.SetPending(ctx, id, schema.PendingNone)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	return err
}

// enqueue records a mutation of id that is deferred behind earlier work.
// Under the coalescing strategy a checkbox change for a task whose creation
// is queued, and not being replayed, is folded into that creation; the
// creation must never be replaced by a later entry. Caller holds e.mu.
func (e *Engine) enqueue(ctx context.Context, tx *cache.Tx, id string, action schema.Action, snap schema.Snapshot) error {
	if e.coalescing() && e.inflight[id] == 0 {
		if _, ok := action.(schema.UpdateCheckbox); ok {
			entries, err := tx.QueueFor(ctx, id)
			if err != nil {
				return err
			}
			if len(entries) == 1 {
				if _, ok := entries[0].Action.(schema.AddTask); ok {
					return tx.ReplaceEntry(ctx, entries[0].Seq, schema.AddTaskFrom(snap), snap)
				}
			}
		}
	}

	seq, err := tx.Enqueue(ctx, id, action, snap)
	if err != nil {
		return err
	}
	e.logger.Debug("queued mutation", "task", id, "action", action.Kind(), "seq", seq)
	return nil
}

// requeue records a mutation whose remote call failed. Entries queued for
// the task while the call was outstanding are newer than it and must still
// replay after it. Caller holds e.mu.
func (e *Engine) requeue(ctx context.Context, tx *cache.Tx, id string, action schema.Action, snap schema.Snapshot) error {
	newer, err := tx.QueueFor(ctx, id)
	if err != nil {
		return err
	}
	if len(newer) == 0 {
		_, err := tx.Enqueue(ctx, id, action, snap)
		e.logger.Debug("queued failed mutation", "task", id, "action", action.Kind())
		return err
	}

	if e.coalescing() {
		// The single newer entry supersedes the failed one, unless the failed
		// one creates the task: a creation absorbs a newer checkbox change,
		// and a newer delete of a task that may not exist is replayed as is.
		n := newer[0]
		if _, isAdd := action.(schema.AddTask); isAdd {
			if _, isCheck := n.Action.(schema.UpdateCheckbox); isCheck {
				return tx.ReplaceEntry(ctx, n.Seq, schema.AddTaskFrom(n.Snapshot), n.Snapshot)
			}
		}
		return nil
	}

	// Append: shift the newer entries back by one slot and put the failed
	// mutation in front of them.
	last := newer[len(newer)-1]
	if _, err := tx.Enqueue(ctx, id, last.Action, last.Snapshot); err != nil {
		return err
	}
	for i := len(newer) - 1; i > 0; i-- {
		if err := tx.ReplaceEntry(ctx, newer[i].Seq, newer[i-1].Action, newer[i-1].Snapshot); err != nil {
			return err
		}
	}
	return tx.ReplaceEntry(ctx, newer[0].Seq, action, snap)
}

func (e *Engine) coalescing() bool {
	return e.cache.Strategy() == schema.StrategyCoalescing
}

// lockedTask loads a task for a toggle or delete and enforces the control
// lock. Caller holds e.mu.
func (e *Engine) lockedTask(ctx context.Context, tx *cache.Tx, id string) (schema.Task, error) {
	task, err := tx.Task(ctx, id)
	if errors.Is(err, cache.ErrNotFound) {
		return schema.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return schema.Task{}, err
	}
	if task.Locked(e.cfg.LockWhilePending) {
		return schema.Task{}, fmt.Errorf("%w: %s is %s", ErrTaskBusy, id, task.Pending)
	}
	return task, nil
}

// update runs fn under the engine mutex in one cache transaction.
func (e *Engine) update(ctx context.Context, fn func(tx *cache.Tx) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Update(ctx, fn)
}
