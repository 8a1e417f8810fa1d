package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Strategy selects how the pending queue keys its entries.
type Strategy string

const (
	// StrategyCoalescing keeps at most one entry per task; a newer entry
	// replaces the older one in place.
	StrategyCoalescing Strategy = "coalescing"
	// StrategyAppend keeps every entry in enqueue order.
	StrategyAppend Strategy = "append"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyCoalescing, StrategyAppend:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown queue strategy %q (want %q or %q)", s, StrategyCoalescing, StrategyAppend)
	}
}

// ActionKind names a queued mutation.
type ActionKind string

const (
	KindAddTask        ActionKind = "addTask"
	KindUpdateCheckbox ActionKind = "updateCheckbox"
	KindDeleteRow      ActionKind = "deleteRow"
)

// Action is a queued mutation. The concrete types are AddTask,
// UpdateCheckbox and DeleteRow; each carries what its replay needs.
type Action interface {
	Kind() ActionKind
	action()
}

// AddTask replays a task creation.
type AddTask struct {
	Text    string `json:"text"`
	Checked bool   `json:"checked"`
	Time    string `json:"time"`
}

// UpdateCheckbox replays a checkbox flip. Checked is the value the user
// expected after the flip.
type UpdateCheckbox struct {
	Checked bool `json:"checked"`
}

// DeleteRow replays a deletion.
type DeleteRow struct{}

func (AddTask) Kind() ActionKind        { return KindAddTask }
func (UpdateCheckbox) Kind() ActionKind { return KindUpdateCheckbox }
func (DeleteRow) Kind() ActionKind      { return KindDeleteRow }

func (AddTask) action()        {}
func (UpdateCheckbox) action() {}
func (DeleteRow) action()      {}

// Record returns the remote record the action creates under id.
func (a AddTask) Record(id string) Record {
	return Record{ID: id, Text: a.Text, Checked: a.Checked, Time: a.Time}
}

// AddTaskFrom builds the creation action for a snapshot.
func AddTaskFrom(s Snapshot) AddTask {
	return AddTask{Text: s.Text, Checked: s.Checked, Time: s.Time}
}

// QueueEntry is one mutation that still has to reach the remote store.
type QueueEntry struct {
	// Seq is the entry's own identity and its position in drain order.
	Seq int64
	// Version grows each time a coalescing enqueue overwrites the entry.
	Version int64

	TaskID     string
	Action     Action
	Snapshot   Snapshot
	EnqueuedAt time.Time
}

// EncodeAction serialises an action payload for storage.
func EncodeAction(a Action) (ActionKind, []byte, error) {
	if a == nil {
		return "", nil, fmt.Errorf("action is nil")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s action: %w", a.Kind(), err)
	}
	return a.Kind(), payload, nil
}

// DecodeAction is the inverse of EncodeAction.
func DecodeAction(kind ActionKind, payload []byte) (Action, error) {
	switch kind {
	case KindAddTask:
		var a AddTask
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s action: %w", kind, err)
		}
		return a, nil
	case KindUpdateCheckbox:
		var a UpdateCheckbox
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s action: %w", kind, err)
		}
		return a, nil
	case KindDeleteRow:
		return DeleteRow{}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
}
