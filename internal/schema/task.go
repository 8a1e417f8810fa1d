// Package schema provides the data structures shared by the local cache,
// the pending queue and the remote task stores.
package schema

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTextLength mirrors the remote column width (varchar(255)).
const MaxTextLength = 255

// ErrInvalidTask is wrapped by every validation failure.
var ErrInvalidTask = errors.New("invalid task")

// PendingState describes the in-flight or queued status of a task as shown
// to the user.
type PendingState int

const (
	// PendingNone means the task is confirmed by the remote store.
	PendingNone PendingState = iota
	// PendingAdding means the task has not been confirmed as created yet.
	PendingAdding
	// PendingChecking means a checkbox flip is awaiting confirmation.
	PendingChecking
	// PendingDeleting means the task is being removed.
	PendingDeleting
	// PendingSyncing means the task exists remotely but has queued work.
	PendingSyncing
)

// String returns the storage name of the state.
func (p PendingState) String() string {
	switch p {
	case PendingNone:
		return "none"
	case PendingAdding:
		return "adding"
	case PendingChecking:
		return "checking"
	case PendingDeleting:
		return "deleting"
	case PendingSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// Label returns the indicator text shown next to a task, empty when synced.
func (p PendingState) Label() string {
	switch p {
	case PendingAdding:
		return "Adding..."
	case PendingChecking:
		return "Checking..."
	case PendingDeleting:
		return "Deleting..."
	case PendingSyncing:
		return "Syncing..."
	default:
		return ""
	}
}

// ParsePendingState is the inverse of PendingState.String.
func ParsePendingState(s string) (PendingState, error) {
	switch s {
	case "", "none":
		return PendingNone, nil
	case "adding":
		return PendingAdding, nil
	case "checking":
		return PendingChecking, nil
	case "deleting":
		return PendingDeleting, nil
	case "syncing":
		return PendingSyncing, nil
	default:
		return PendingNone, fmt.Errorf("unknown pending state %q", s)
	}
}

// Snapshot is the replayable content of a task.
type Snapshot struct {
	Text    string `json:"text" yaml:"text" toml:"text"`
	Checked bool   `json:"checked" yaml:"checked" toml:"checked"`
	Time    string `json:"time" yaml:"time" toml:"time"`
}

// ValidateText checks a task text on its own, as edits do.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidTask)
	}
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return fmt.Errorf("%w: text must be %d characters or less (got %d)", ErrInvalidTask, MaxTextLength, n)
	}
	return nil
}

// Validate checks the fields a user can type.
func (s Snapshot) Validate() error {
	if err := ValidateText(s.Text); err != nil {
		return err
	}
	if strings.TrimSpace(s.Time) == "" {
		return fmt.Errorf("%w: time is required", ErrInvalidTask)
	}
	return nil
}

// Record is a task as the remote store holds it: confirmed state only.
type Record struct {
	ID      string `json:"id" yaml:"id" toml:"id"`
	Text    string `json:"text" yaml:"text" toml:"text"`
	Checked bool   `json:"checked" yaml:"checked" toml:"checked"`
	Time    string `json:"time" yaml:"time" toml:"time"`
}

// Snapshot returns the record content without its id.
func (r Record) Snapshot() Snapshot {
	return Snapshot{Text: r.Text, Checked: r.Checked, Time: r.Time}
}

// Task is the local, observable view of a task.
type Task struct {
	ID      string       `json:"id" yaml:"id" toml:"id"`
	Text    string       `json:"text" yaml:"text" toml:"text"`
	Checked bool         `json:"checked" yaml:"checked" toml:"checked"`
	Time    string       `json:"time" yaml:"time" toml:"time"`
	Pending PendingState `json:"pending" yaml:"pending" toml:"pending"`
}

// NewTask builds a local task from a remote record.
func NewTask(r Record, pending PendingState) Task {
	return Task{ID: r.ID, Text: r.Text, Checked: r.Checked, Time: r.Time, Pending: pending}
}

// Record strips the local pending marker.
func (t Task) Record() Record {
	return Record{ID: t.ID, Text: t.Text, Checked: t.Checked, Time: t.Time}
}

// Snapshot returns the replayable content of the task.
func (t Task) Snapshot() Snapshot {
	return Snapshot{Text: t.Text, Checked: t.Checked, Time: t.Time}
}

// Locked reports whether the task's own toggle and delete controls are
// disabled. A task being deleted is always locked; lockWhilePending extends
// the lock to every non-None state.
func (t Task) Locked(lockWhilePending bool) bool {
	if t.Pending == PendingDeleting {
		return true
	}
	return lockWhilePending && t.Pending != PendingNone
}

// MarshalText lets PendingState serialise by name in JSON, YAML and TOML.
func (p PendingState) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PendingState) UnmarshalText(b []byte) error {
	v, err := ParsePendingState(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
