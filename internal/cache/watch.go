package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits after the last file event before
// re-reading the task table.
const DefaultDebounce = 100 * time.Millisecond

// Watch republishes the task list when another process commits to the
// cache file. It blocks until ctx is cancelled.
//
// Changes made through this DB are published by Update already; the
// resulting file events are absorbed by the duplicate check in publish.
func (db *DB) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(db.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch cache directory %s: %w", dir, err)
	}

	base := filepath.Base(db.path)
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// The main file and its -wal sidecar both signal a commit.
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			db.logger.Warn("cache watcher error", "error", err)

		case <-timer.C:
			db.Refresh(ctx)
		}
	}
}
