package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanishlist/vanish/internal/cache"
	"github.com/vanishlist/vanish/internal/engine"
	"github.com/vanishlist/vanish/internal/schema"
)

type cli struct {
	t         *testing.T
	cachePath string
	remoteDSN string
}

func newCLI(t *testing.T) *cli {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	return &cli{
		t:         t,
		cachePath: filepath.Join(dir, "cache.db"),
		remoteDSN: filepath.Join(dir, "remote.db"),
	}
}

func (c *cli) run(args ...string) error {
	c.t.Helper()
	full := append([]string{
		"--cache", c.cachePath,
		"--remote", "sql",
		"--remote-dsn", c.remoteDSN,
		"--log-level", "error",
	}, args...)
	rootCmd.SetArgs(full)
	return rootCmd.Execute()
}

func (c *cli) tasks() []schema.Task {
	c.t.Helper()
	db, err := cache.Open(c.cachePath, schema.StrategyCoalescing, nil)
	require.NoError(c.t, err)
	defer db.Close()
	tasks, err := db.ListTasks(context.Background())
	require.NoError(c.t, err)
	return tasks
}

func TestCLI_TaskLifecycle(t *testing.T) {
	c := newCLI(t)

	require.NoError(t, c.run("add", "buy", "milk", "--time", "2 hrs"))
	tasks := c.tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "buy milk", tasks[0].Text)
	assert.Equal(t, "2 hrs", tasks[0].Time)
	assert.Equal(t, schema.PendingNone, tasks[0].Pending)
	id := tasks[0].ID

	require.NoError(t, c.run("toggle", id))
	assert.True(t, c.tasks()[0].Checked)

	require.NoError(t, c.run("edit", id, "buy oat milk"))
	assert.Equal(t, "buy oat milk", c.tasks()[0].Text)

	require.NoError(t, c.run("sync"))
	tasks = c.tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "buy oat milk", tasks[0].Text)
	assert.True(t, tasks[0].Checked)

	require.NoError(t, c.run("ls", "--format", "json"))
	require.NoError(t, c.run("queue"))
	require.NoError(t, c.run("status", "--format", "yaml"))

	require.NoError(t, c.run("rm", id))
	assert.Empty(t, c.tasks())
}

func TestCLI_Errors(t *testing.T) {
	c := newCLI(t)

	err := c.run("toggle", "missing")
	assert.ErrorIs(t, err, engine.ErrTaskNotFound)

	assert.Error(t, c.run("add", "x", "--time", "soon"))
	assert.Error(t, c.run("ls", "--format", "xml"))
	assert.Error(t, c.run("--strategy", "fifo", "ls", "--format", "text"))
}

func TestNewSyncReport(t *testing.T) {
	r := newSyncReport(
		engine.ReconcileResult{Remote: 3, Syncing: 1, Adding: 1},
		engine.DrainResult{Processed: 2, Remaining: 1, Failure: "remote store unavailable"},
	)
	assert.Equal(t, 3, r.Remote)
	assert.Equal(t, 2, r.Processed)
	assert.Equal(t, "drain: remote store unavailable", r.Error)

	r = newSyncReport(engine.ReconcileResult{Failure: "timeout"}, engine.DrainResult{})
	assert.Equal(t, "reconcile: timeout", r.Error)
}
