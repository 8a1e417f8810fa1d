package engine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by Start when the coordinator is running.
var ErrAlreadyRunning = errors.New("engine already running")

// Run is the sync coordinator. It reconciles the cache once, drains the
// queue once, then drains again every Interval until ctx is cancelled.
//
// Ticks never wait for a slow pass: each drain runs in its own goroutine
// and an overlapping pass returns at once as skipped. Run returns after the
// last pass has finished.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting sync coordinator",
		"strategy", e.cache.Strategy(),
		"id_policy", e.cfg.IDPolicy,
		"interval", e.cfg.Interval)

	if _, err := e.Reconcile(ctx); err != nil {
		e.logger.Error("reconciliation failed", "error", err)
	}

	var wg sync.WaitGroup
	drain := func() {
		defer wg.Done()
		if _, err := e.Drain(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("drain pass failed", "error", err)
		}
	}

	wg.Add(1)
	drain()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			e.logger.Info("sync coordinator stopped")
			return nil
		case <-ticker.C:
			wg.Add(1)
			go drain()
		}
	}
}

// Start runs the coordinator in the background. Stop ends it.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done

	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	return nil
}

// Stop cancels the coordinator started by Start and waits for it to exit.
// Calling Stop when nothing is running is a no-op.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
