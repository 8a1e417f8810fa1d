package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanishlist/vanish/internal/schema"
)

// isolate points the XDG directories at a temp dir so a developer's own
// config never leaks into a test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "data", "vanish", "cache.db"), cfg.Local.Path)
	assert.Equal(t, schema.StrategyCoalescing, cfg.Strategy())
	assert.Equal(t, schema.IDClient, cfg.IDPolicy())
	assert.Equal(t, 10*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 10*time.Second, cfg.Sync.RemoteTimeout)
	assert.Nil(t, cfg.Sync.LockWhilePending)
	assert.True(t, cfg.LockWhilePending())
	assert.Equal(t, BackendHTTP, cfg.Remote.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.File)
}

func TestLoadFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("VANISH_QUEUE_STRATEGY", "append")
	t.Setenv("VANISH_SYNC_INTERVAL", "250ms")
	t.Setenv("VANISH_SYNC_LOCK_WHILE_PENDING", "true")
	t.Setenv("VANISH_REMOTE_BACKEND", "sql")
	t.Setenv("VANISH_REMOTE_DSN", "postgres://vanish@localhost/vanish")
	t.Setenv("VANISH_LOG_LEVEL", "debug")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, schema.StrategyAppend, cfg.Strategy())
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.Interval)
	assert.True(t, cfg.LockWhilePending())
	assert.Equal(t, BackendSQL, cfg.Remote.Backend)
	assert.Equal(t, "postgres://vanish@localhost/vanish", cfg.Remote.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadDefaultFile(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "config", "vanish", "vanish.yaml"), `
queue:
  strategy: append
ids:
  policy: server
sync:
  interval: 30s
watch:
  addr: ""
`)

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, schema.StrategyAppend, cfg.Strategy())
	assert.Equal(t, schema.IDServer, cfg.IDPolicy())
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.False(t, cfg.LockWhilePending())
	assert.Empty(t, cfg.Watch.Addr)
	assert.Equal(t, filepath.Join(dir, "config", "vanish", "vanish.yaml"), cfg.File)
}

func TestLoadExplicitTOMLFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.toml")
	writeFile(t, path, `
[remote]
backend = "gtasks"

[remote.gtasks]
list = "work"

[ids]
policy = "server"
`)

	// Env beats the file.
	t.Setenv("VANISH_REMOTE_GTASKS_LIST", "home")

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, BackendGTasks, cfg.Remote.Backend)
	assert.Equal(t, "home", cfg.Remote.GTasks.List)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(NewViper(), filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown strategy", map[string]string{"VANISH_QUEUE_STRATEGY": "lifo"}},
		{"unknown policy", map[string]string{"VANISH_IDS_POLICY": "both"}},
		{"zero interval", map[string]string{"VANISH_SYNC_INTERVAL": "0s"}},
		{"unknown backend", map[string]string{"VANISH_REMOTE_BACKEND": "ftp"}},
		{"sql without dsn", map[string]string{"VANISH_REMOTE_BACKEND": "sql"}},
		{"bad url", map[string]string{"VANISH_REMOTE_URL": "not a url"}},
		{"gtasks with client ids", map[string]string{"VANISH_REMOTE_BACKEND": "gtasks"}},
		{"bad server addr", map[string]string{"VANISH_SERVER_ADDR": "nowhere"}},
		{"bad log format", map[string]string{"VANISH_LOG_FORMAT": "xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(NewViper(), "")
			assert.Error(t, err)
		})
	}
}
