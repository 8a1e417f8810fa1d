// Package testutil provides testing utilities.
package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/vanishlist/vanish/internal/remote"
	"github.com/vanishlist/vanish/internal/schema"
)

// Operation names used by FakeRemote for error injection and the call log.
const (
	OpList   = "list"
	OpInsert = "insert"
	OpDelete = "delete"
	OpToggle = "toggle"
	OpEdit   = "edit"
)

// Call is one recorded FakeRemote invocation.
type Call struct {
	Op string
	ID string
}

// FakeRemote is an in-memory remote.Store for testing.
//
// Faults can be injected three ways: Down makes every call fail with
// remote.ErrUnavailable, Errs fails every call of one operation, and
// FailNext fails only the next call of an operation. A Gate channel makes
// calls of an operation block until a value is received.
type FakeRemote struct {
	mu      sync.Mutex
	records []schema.Record
	nextID  int

	// AssignIDs makes InsertTask ignore the caller's id, as a store with
	// server-assigned ids does.
	AssignIDs bool

	down     bool
	errs     map[string]error
	failNext map[string][]error
	gates    map[string]chan struct{}
	calls    []Call
}

// NewFakeRemote creates an empty fake store.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		errs:     make(map[string]error),
		failNext: make(map[string][]error),
		gates:    make(map[string]chan struct{}),
	}
}

// Seed adds records without recording calls.
func (f *FakeRemote) Seed(records ...schema.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
}

// SetDown toggles a full outage.
func (f *FakeRemote) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// SetErr makes every call of op fail with err; nil clears it.
func (f *FakeRemote) SetErr(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// FailNext makes the next call of op fail with err.
func (f *FakeRemote) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], err)
}

// Gate makes calls of op block until the returned channel receives a value
// or is closed. The block happens after the call is recorded.
func (f *FakeRemote) Gate(op string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[op] = ch
	return ch
}

// Ungate removes the gate for op.
func (f *FakeRemote) Ungate(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.gates, op)
}

// Records returns a copy of the stored records.
func (f *FakeRemote) Records() []schema.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.records)
}

// Record returns one stored record.
func (f *FakeRemote) Record(id string) (schema.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.index(id)
	if i < 0 {
		return schema.Record{}, false
	}
	return f.records[i], true
}

// Calls returns the call log.
func (f *FakeRemote) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallCount counts the calls of op.
func (f *FakeRemote) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (f *FakeRemote) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// begin records the call, waits on any gate and returns the injected error.
func (f *FakeRemote) begin(ctx context.Context, op, id string) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: op, ID: id})
	gate := f.gates[op]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", remote.ErrUnavailable, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return fmt.Errorf("%w: %s %s: connection refused", remote.ErrUnavailable, op, id)
	}
	if queued := f.failNext[op]; len(queued) > 0 {
		f.failNext[op] = queued[1:]
		return queued[0]
	}
	return f.errs[op]
}

func (f *FakeRemote) index(id string) int {
	return slices.IndexFunc(f.records, func(r schema.Record) bool { return r.ID == id })
}

// ListTasks implements remote.Store.
func (f *FakeRemote) ListTasks(ctx context.Context) ([]schema.Record, error) {
	if err := f.begin(ctx, OpList, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.Record{}, f.records...), nil
}

// InsertTask implements remote.Store.
func (f *FakeRemote) InsertTask(ctx context.Context, r schema.Record) (string, error) {
	if err := f.begin(ctx, OpInsert, r.ID); err != nil {
		return "", err
	}
	if err := r.Snapshot().Validate(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AssignIDs || r.ID == "" {
		f.nextID++
		r.ID = fmt.Sprintf("srv-%d", f.nextID)
	}
	if f.index(r.ID) >= 0 {
		return "", fmt.Errorf("task %s: %w", r.ID, remote.ErrAlreadyExists)
	}
	f.records = append(f.records, r)
	return r.ID, nil
}

// DeleteTask implements remote.Store.
func (f *FakeRemote) DeleteTask(ctx context.Context, id string) error {
	if err := f.begin(ctx, OpDelete, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.index(id)
	if i < 0 {
		return fmt.Errorf("task %s: %w", id, remote.ErrNotFound)
	}
	f.records = slices.Delete(f.records, i, i+1)
	return nil
}

// ToggleChecked implements remote.Store.
func (f *FakeRemote) ToggleChecked(ctx context.Context, id string) (bool, error) {
	if err := f.begin(ctx, OpToggle, id); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.index(id)
	if i < 0 {
		return false, fmt.Errorf("task %s: %w", id, remote.ErrNotFound)
	}
	f.records[i].Checked = !f.records[i].Checked
	return f.records[i].Checked, nil
}

// EditText implements remote.Store.
func (f *FakeRemote) EditText(ctx context.Context, id, text string) error {
	if err := f.begin(ctx, OpEdit, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.index(id)
	if i < 0 {
		return fmt.Errorf("task %s: %w", id, remote.ErrNotFound)
	}
	f.records[i].Text = text
	return nil
}

var _ remote.Store = (*FakeRemote)(nil)
