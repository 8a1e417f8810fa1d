package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanishlist/vanish/internal/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "cache.db")
}

func openTestDB(t *testing.T, strategy schema.Strategy) *DB {
	t.Helper()
	db, err := Open(testDBPath(t), strategy, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))
	return db
}

func putTask(t *testing.T, db *DB, task schema.Task) {
	t.Helper()
	err := db.Update(context.Background(), func(tx *Tx) error {
		return tx.PutTask(context.Background(), task)
	})
	require.NoError(t, err)
}

func TestOpen_UnknownStrategy(t *testing.T) {
	_, err := Open(testDBPath(t), "lifo", nil)
	assert.Error(t, err)
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t, schema.StrategyAppend)
	assert.NoError(t, db.InitSchema(context.Background()))

	for _, table := range []string{"tasks", "queue", "meta"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s", table)
	}
}

func TestInitSchema_StrategyMismatch(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t)

	db, err := Open(path, schema.StrategyAppend, nil)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(ctx))
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		_, err := tx.Enqueue(ctx, "a", schema.DeleteRow{}, schema.Snapshot{})
		return err
	}))
	require.NoError(t, db.Close())

	db, err = Open(path, schema.StrategyCoalescing, nil)
	require.NoError(t, err)
	err = db.InitSchema(ctx)
	assert.True(t, errors.Is(err, ErrStrategyMismatch))
	require.NoError(t, db.Close())
}

func TestInitSchema_StrategySwitchWhenQueueEmpty(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t)

	db, err := Open(path, schema.StrategyAppend, nil)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(ctx))
	require.NoError(t, db.Close())

	db, err = Open(path, schema.StrategyCoalescing, nil)
	require.NoError(t, err)
	defer db.Close()
	assert.NoError(t, db.InitSchema(ctx))
}

func TestPutTask_KeepsPosition(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, schema.StrategyAppend)

	putTask(t, db, schema.Task{ID: "a", Text: "first", Time: "15 mins"})
	putTask(t, db, schema.Task{ID: "b", Text: "second", Time: "15 mins"})
	putTask(t, db, schema.Task{ID: "a", Text: "first edited", Time: "15 mins", Pending: schema.PendingChecking})

	tasks, err := db.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, "first edited", tasks[0].Text)
	assert.Equal(t, schema.PendingChecking, tasks[0].Pending)
	assert.Equal(t, "b", tasks[1].ID)
}

func TestGetTask_NotFound(t *testing.T) {
	db := openTestDB(t, schema.StrategyAppend)
	_, err := db.GetTask(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSetPending_NotFound(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, schema.StrategyAppend)
	err := db.Update(ctx, func(tx *Tx) error {
		return tx.SetPending(ctx, "missing", schema.PendingSyncing)
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, schema.StrategyAppend)
	putTask(t, db, schema.Task{ID: "a", Text: "keep", Time: "15 mins"})

	boom := errors.New("boom")
	err := db.Update(ctx, func(tx *Tx) error {
		if err := tx.ClearTasks(ctx); err != nil {
			return err
		}
		if _, err := tx.Enqueue(ctx, "a", schema.DeleteRow{}, schema.Snapshot{}); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	tasks, err := db.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	queue, err := db.ListQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestEnqueue_AppendKeepsEveryEntry(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, schema.StrategyAppend)

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		for _, a := range []schema.Action{
			schema.AddTask{Text: "x", Time: "15 mins"},
			schema.UpdateCheckbox{Checked: true},
			schema.DeleteRow{},
		} {
			if _, err := tx.Enqueue(ctx, "a", a, schema.Snapshot{Text: "x", Time: "15 mins"}); err != nil {
				return err
			}
		}
		return nil
	}))

	queue, err := db.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, schema.KindAddTask, queue[0].Action.Kind())
	assert.Equal(t, schema.KindUpdateCheckbox, queue[1].Action.Kind())
	assert.Equal(t, schema.KindDeleteRow, queue[2].Action.Kind())
	assert.Less(t, queue[0].Seq, queue[1].Seq)
	assert.False(t, queue[0].EnqueuedAt.IsZero())
}

func TestEnqueue_CoalescingKeepsNewestInPlace(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, schema.StrategyCoalescing)

	var firstSeq, againSeq int64
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		var err error
		if firstSeq, err = tx.Enqueue(ctx, "a", schema.UpdateCheckbox{Checked: true}, schema.Snapshot{Text: "a", Checked: true, Time: "1 hrs"}); err != nil {
			return err
		}
		if _, err = tx.Enqueue(ctx, "b", schema.DeleteRow{}, schema.Snapshot{Text: "b", Time: "1 hrs"}); err != nil {
			return err
		}
		againSeq, err = tx.Enqueue(ctx, "a", schema.DeleteRow{}, schema.Snapshot{Text: "a", Checked: true, Time: "1 hrs"})
		return err
	}))
	assert.Equal(t, firstSeq, againSeq)

	queue, err := db.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "a", queue[0].TaskID)
	assert.Equal(t, schema.DeleteRow{}, queue[0].Action)
	assert.Equal(t, "b", queue[1].TaskID)
}

func TestQueuedForAndDequeue(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, schema.StrategyAppend)

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.Enqueue(ctx, "a", schema.DeleteRow{}, schema.Snapshot{}); err != nil {
			return err
		}
		_, err := tx.Enqueue(ctx, "a", schema.UpdateCheckbox{}, schema.Snapshot{})
		return err
	}))

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		n, err := tx.QueuedFor(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		entries, err := tx.QueueFor(ctx, "a")
		require.NoError(t, err)
		require.Len(t, entries, 2)

		removed, err := tx.Dequeue(ctx, entries[0])
		require.NoError(t, err)
		assert.True(t, removed)

		// A second dequeue of the same entry is a no-op.
		removed, err = tx.Dequeue(ctx, entries[0])
		require.NoError(t, err)
		assert.False(t, removed)

		n, err = tx.QueuedFor(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	}))
}

func TestDequeue_SkipsOverwrittenEntry(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, schema.StrategyCoalescing)

	var seq int64
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		var err error
		seq, err = tx.Enqueue(ctx, "a", schema.UpdateCheckbox{Checked: true}, schema.Snapshot{Checked: true})
		return err
	}))

	var stale schema.QueueEntry
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		var err error
		stale, err = tx.Entry(ctx, seq)
		return err
	}))

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		_, err := tx.Enqueue(ctx, "a", schema.DeleteRow{}, schema.Snapshot{Checked: true})
		return err
	}))

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		removed, err := tx.Dequeue(ctx, stale)
		require.NoError(t, err)
		assert.False(t, removed)

		current, err := tx.Entry(ctx, seq)
		require.NoError(t, err)
		assert.Equal(t, stale.Version+1, current.Version)
		assert.Equal(t, schema.DeleteRow{}, current.Action)
		return nil
	}))
}

func TestReplaceEntry(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, schema.StrategyAppend)

	snap := schema.Snapshot{Text: "old", Time: "15 mins"}
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		seq, err := tx.Enqueue(ctx, "a", schema.AddTaskFrom(snap), snap)
		if err != nil {
			return err
		}
		snap.Text = "new"
		return tx.ReplaceEntry(ctx, seq, schema.AddTaskFrom(snap), snap)
	}))

	queue, err := db.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, schema.AddTask{Text: "new", Time: "15 mins"}, queue[0].Action)
	assert.Equal(t, "new", queue[0].Snapshot.Text)

	err = db.Update(ctx, func(tx *Tx) error {
		return tx.ReplaceEntry(ctx, 999, schema.DeleteRow{}, schema.Snapshot{})
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRekey_MovesTaskAndQueue(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, schema.StrategyCoalescing)

	putTask(t, db, schema.Task{ID: "tmp-1", Text: "x", Time: "15 mins", Pending: schema.PendingAdding})
	putTask(t, db, schema.Task{ID: "b", Text: "y", Time: "15 mins"})
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		_, err := tx.Enqueue(ctx, "tmp-1", schema.UpdateCheckbox{Checked: true}, schema.Snapshot{Text: "x", Checked: true, Time: "15 mins"})
		return err
	}))

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		return tx.Rekey(ctx, "tmp-1", "42")
	}))

	tasks, err := db.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "42", tasks[0].ID)

	queue, err := db.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "42", queue[0].TaskID)

	// The coalescing key moved with the entry.
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		_, err := tx.Enqueue(ctx, "42", schema.DeleteRow{}, schema.Snapshot{})
		return err
	}))
	queue, err = db.ListQueue(ctx)
	require.NoError(t, err)
	assert.Len(t, queue, 1)
}

func TestRekey_MissingTask(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, schema.StrategyAppend)
	err := db.Update(ctx, func(tx *Tx) error {
		return tx.Rekey(ctx, "tmp-x", "1")
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSubscribe_OneSnapshotPerCommit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, schema.StrategyAppend)
	putTask(t, db, schema.Task{ID: "a", Text: "x", Time: "15 mins"})
	putTask(t, db, schema.Task{ID: "b", Text: "y", Time: "15 mins"})

	var (
		mu        sync.Mutex
		snapshots [][]schema.Task
	)
	cancel := db.Subscribe(func(tasks []schema.Task) {
		mu.Lock()
		snapshots = append(snapshots, tasks)
		mu.Unlock()
	})
	defer cancel()

	// Replay of the last published list.
	require.Len(t, snapshots, 1)
	assert.Len(t, snapshots[0], 2)

	// Clear-then-insert is one commit: no empty list is ever observed.
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		if err := tx.ClearTasks(ctx); err != nil {
			return err
		}
		return tx.PutTask(ctx, schema.Task{ID: "c", Text: "z", Time: "15 mins"})
	}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, 2)
	for _, s := range snapshots {
		assert.NotEmpty(t, s)
	}
	assert.Equal(t, "c", snapshots[1][0].ID)
}

func TestSubscribe_SkipsUnchangedAndCancel(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, schema.StrategyAppend)

	calls := 0
	cancel := db.Subscribe(func([]schema.Task) { calls++ })

	task := schema.Task{ID: "a", Text: "x", Time: "15 mins"}
	putTask(t, db, task)
	putTask(t, db, task)
	assert.Equal(t, 1, calls)

	// Queue-only changes don't touch the task list.
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		_, err := tx.Enqueue(ctx, "a", schema.DeleteRow{}, schema.Snapshot{})
		return err
	}))
	assert.Equal(t, 1, calls)

	cancel()
	putTask(t, db, schema.Task{ID: "b", Text: "y", Time: "15 mins"})
	assert.Equal(t, 1, calls)
}

func TestWatch_RepublishesExternalCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := testDBPath(t)
	reader, err := Open(path, schema.StrategyAppend, nil)
	require.NoError(t, err)
	defer reader.Close()
	require.NoError(t, reader.InitSchema(ctx))

	got := make(chan []schema.Task, 10)
	unsubscribe := reader.Subscribe(func(tasks []schema.Task) { got <- tasks })
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- reader.Watch(ctx, 20*time.Millisecond) }()
	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)

	writer, err := Open(path, schema.StrategyAppend, nil)
	require.NoError(t, err)
	defer writer.Close()
	putTask(t, writer, schema.Task{ID: "ext", Text: "from elsewhere", Time: "15 mins"})

	select {
	case tasks := <-got:
		require.Len(t, tasks, 1)
		assert.Equal(t, "ext", tasks[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot published after external commit")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, schema.StrategyAppend)
	putTask(t, db, schema.Task{ID: "a", Text: "x", Time: "15 mins"})
	putTask(t, db, schema.Task{ID: "b", Text: "y", Time: "15 mins", Pending: schema.PendingDeleting})
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		_, err := tx.Enqueue(ctx, "b", schema.DeleteRow{}, schema.Snapshot{})
		return err
	}))

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Tasks: 2, Pending: 1, Queued: 1}, stats)
}
