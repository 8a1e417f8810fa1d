// Package remote provides the authoritative task stores the sync engine
// reconciles against, and the HTTP transport between them.
//
// Three Store implementations exist:
//   - SQLStore: a goose-migrated table on SQLite, libSQL or Postgres
//   - Client: the JSON API served by Server, over HTTP
//   - gtasks.Store: a Google Tasks list (subpackage)
package remote

import (
	"context"
	"errors"

	"github.com/vanishlist/vanish/internal/schema"
)

var (
	// ErrNotFound is returned when the addressed task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyExists is returned when inserting a task whose id is taken.
	ErrAlreadyExists = errors.New("task already exists")

	// ErrUnavailable marks transport failures: the store could not be
	// reached or did not answer. The same call may succeed later.
	ErrUnavailable = errors.New("remote store unavailable")
)

// Store is a key-addressed CRUD store of tasks.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// ListTasks returns every task the store holds.
	ListTasks(ctx context.Context) ([]schema.Record, error)

	// InsertTask creates a task. If r.ID is empty the store assigns one.
	// Returns the id the task is stored under, or ErrAlreadyExists.
	InsertTask(ctx context.Context, r schema.Record) (string, error)

	// DeleteTask removes a task, or returns ErrNotFound.
	DeleteTask(ctx context.Context, id string) error

	// ToggleChecked flips the checked flag and returns the new value.
	ToggleChecked(ctx context.Context, id string) (bool, error)

	// EditText replaces a task's text, or returns ErrNotFound.
	EditText(ctx context.Context, id, text string) error
}
