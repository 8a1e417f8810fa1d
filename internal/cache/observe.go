package cache

import (
	"context"
	"slices"

	"github.com/vanishlist/vanish/internal/schema"
)

// Subscribe registers fn to receive the task list after every commit that
// changed it. fn is called once immediately with the current list if one
// has been published before. The returned func unregisters fn.
//
// fn runs on the committing goroutine and must not call Update.
func (db *DB) Subscribe(fn func([]schema.Task)) (cancel func()) {
	db.pubMu.Lock()
	id := db.nextSub
	db.nextSub++
	db.subs[id] = fn
	last, hasLast := db.last, db.hasLast
	db.pubMu.Unlock()

	if hasLast {
		fn(slices.Clone(last))
	}

	return func() {
		db.pubMu.Lock()
		delete(db.subs, id)
		db.pubMu.Unlock()
	}
}

// Refresh reads the task table and publishes it if it differs from the
// last published list. Used after commits made by other processes.
func (db *DB) Refresh(ctx context.Context) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	db.publish(ctx)
}

func (db *DB) publish(ctx context.Context) {
	tasks, err := listTasks(ctx, db.conn)
	if err != nil {
		db.logger.Warn("failed to read tasks for subscribers", "error", err)
		return
	}

	db.pubMu.Lock()
	if db.hasLast && slices.Equal(db.last, tasks) {
		db.pubMu.Unlock()
		return
	}
	db.last = tasks
	db.hasLast = true
	subs := make([]func([]schema.Task), 0, len(db.subs))
	for _, fn := range db.subs {
		subs = append(subs, fn)
	}
	db.pubMu.Unlock()

	for _, fn := range subs {
		fn(slices.Clone(tasks))
	}
}
