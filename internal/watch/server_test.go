package watch

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanishlist/vanish/internal/cache"
	"github.com/vanishlist/vanish/internal/engine"
	"github.com/vanishlist/vanish/internal/schema"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(Config{Addr: "127.0.0.1:0"})
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func openCache(t *testing.T) *cache.DB {
	t.Helper()
	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), schema.StrategyAppend, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))
	return db
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// next reads messages until one of type typ arrives.
func next(t *testing.T, ctx context.Context, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(Config{Addr: "127.0.0.1:0"})
	require.NoError(t, server.Start())
	assert.NotEqual(t, "127.0.0.1:0", server.Addr())
	require.NoError(t, server.Stop())
}

func TestWebSocket_WelcomeCarriesCurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db := openCache(t)
	require.NoError(t, db.Update(ctx, func(tx *cache.Tx) error {
		return tx.PutTask(ctx, schema.Task{ID: "a", Text: "buy milk", Time: "15 mins", Pending: schema.PendingAdding})
	}))

	server := startServer(t)
	detach := server.Attach(db)
	defer detach()

	conn := dial(t, ctx, server)
	msg := next(t, ctx, conn, MessageTypeTasks)

	var tasks []schema.Task
	require.NoError(t, json.Unmarshal(msg.Data, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "buy milk", tasks[0].Text)
	assert.Equal(t, schema.PendingAdding, tasks[0].Pending)

	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWebSocket_BroadcastsCommits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db := openCache(t)
	server := startServer(t)
	detach := server.Attach(db)
	defer detach()

	conn := dial(t, ctx, server)
	welcome := next(t, ctx, conn, MessageTypeTasks)
	assert.JSONEq(t, `[]`, string(welcome.Data))
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, db.Update(ctx, func(tx *cache.Tx) error {
		return tx.PutTask(ctx, schema.Task{ID: "a", Text: "walk dog", Time: "1 hrs"})
	}))

	msg := next(t, ctx, conn, MessageTypeTasks)
	var tasks []schema.Task
	require.NoError(t, json.Unmarshal(msg.Data, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, schema.PendingNone, tasks[0].Pending)
}

func TestWebSocket_EngineSummaries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startServer(t)
	conn := dial(t, ctx, server)
	next(t, ctx, conn, MessageTypeTasks)
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	server.Reconciled(engine.ReconcileResult{Remote: 3, Syncing: 1})
	server.Drained(engine.DrainResult{Processed: 2, Remaining: 1, Failure: "remote store unavailable"})

	msg := next(t, ctx, conn, MessageTypeReconcile)
	var rec engine.ReconcileResult
	require.NoError(t, json.Unmarshal(msg.Data, &rec))
	assert.Equal(t, 3, rec.Remote)
	assert.Equal(t, 1, rec.Syncing)

	msg = next(t, ctx, conn, MessageTypeDrain)
	var drain engine.DrainResult
	require.NoError(t, json.Unmarshal(msg.Data, &drain))
	assert.Equal(t, 2, drain.Processed)
	assert.Equal(t, "remote store unavailable", drain.Failure)
}

func TestTasksAndHealthEndpoints(t *testing.T) {
	ctx := context.Background()
	db := openCache(t)
	server := startServer(t)
	detach := server.Attach(db)
	defer detach()

	require.NoError(t, db.Update(ctx, func(tx *cache.Tx) error {
		return tx.PutTask(ctx, schema.Task{ID: "a", Text: "walk dog", Time: "1 hrs", Pending: schema.PendingDeleting})
	}))

	resp, err := http.Get("http://" + server.Addr() + "/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var tasks []schema.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, schema.PendingDeleting, tasks[0].Pending)

	health, err := http.Get("http://" + server.Addr() + "/health")
	require.NoError(t, err)
	defer health.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(health.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["clients"])
}
