package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vanishlist/vanish/internal/cache"
	"github.com/vanishlist/vanish/internal/engine"
	"github.com/vanishlist/vanish/internal/ui"
	"github.com/vanishlist/vanish/internal/watch"
)

// syncReport is the encoded output of `vanish sync`.
type syncReport struct {
	Remote    int    `json:"remote" yaml:"remote" toml:"remote"`
	Syncing   int    `json:"syncing" yaml:"syncing" toml:"syncing"`
	Adding    int    `json:"adding" yaml:"adding" toml:"adding"`
	Processed int    `json:"processed" yaml:"processed" toml:"processed"`
	Dropped   int    `json:"dropped" yaml:"dropped" toml:"dropped"`
	Remaining int    `json:"remaining" yaml:"remaining" toml:"remaining"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty" toml:"error,omitempty"`
}

func newSyncReport(rec engine.ReconcileResult, dr engine.DrainResult) syncReport {
	r := syncReport{
		Remote:    rec.Remote,
		Syncing:   rec.Syncing,
		Adding:    rec.Adding,
		Processed: dr.Processed,
		Dropped:   dr.Dropped,
		Remaining: dr.Remaining,
	}
	switch {
	case rec.Failure != "":
		r.Error = "reconcile: " + rec.Failure
	case dr.Failure != "":
		r.Error = "drain: " + dr.Failure
	}
	return r
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Reconcile with the remote store and replay the queue once",
	Long: `Fetch the remote task list into the local cache, then replay queued
calls in order until the queue is empty or a call fails.

Exits non-zero when the remote store could not be reached.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.engine.Reconcile(ctx)
		if err != nil {
			return err
		}
		dr, err := a.engine.Drain(ctx)
		if err != nil {
			return err
		}

		report := newSyncReport(rec, dr)
		p := ui.NewPrinter(os.Stdout)
		if format != ui.FormatText {
			if err := p.Encode(format, report); err != nil {
				return err
			}
		} else {
			if rec.Err == nil {
				p.Message("Fetched %d tasks (%d syncing, %d adding)", rec.Remote, rec.Syncing, rec.Adding)
			}
			p.Message("Replayed %d, dropped %d, %d still queued", dr.Processed, dr.Dropped, dr.Remaining)
		}

		if report.Error != "" {
			return fmt.Errorf("sync incomplete: %s", report.Error)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Keep the cache in sync until interrupted",
	Long: `Run the sync coordinator in the foreground: reconcile once, replay the
queue, then replay again every sync.interval. Changes made by other vanish
commands against the same cache are picked up as they are committed.

Unless watch.addr is empty, a live feed is served alongside:
  ws://<watch.addr>/ws      task list and sync summaries
  http://<watch.addr>/tasks current task list

Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var feed *watch.Server
		var observer engine.Observer
		if cfg.Watch.Addr != "" {
			feed = watch.NewServer(watch.Config{Addr: cfg.Watch.Addr, Logger: logger})
			observer = feed
		}

		a, err := openApp(ctx, observer)
		if err != nil {
			return err
		}
		defer a.Close()

		if feed != nil {
			if err := feed.Start(); err != nil {
				return err
			}
			defer func() {
				if err := feed.Stop(); err != nil {
					logger.Warn("watch server shutdown", "error", err)
				}
			}()
			detach := feed.Attach(a.db)
			defer detach()
			fmt.Fprintf(os.Stderr, "Live feed: ws://%s/ws\n", feed.Addr())
		}

		watchErr := make(chan error, 1)
		go func() {
			watchErr <- a.db.Watch(ctx, cache.DefaultDebounce)
		}()

		fmt.Fprintln(os.Stderr, "Syncing... press Ctrl+C to stop")
		if err := a.engine.Run(ctx); err != nil {
			return err
		}
		if err := <-watchErr; err != nil {
			logger.Warn("cache watcher stopped", "error", err)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the cache, its settings and pending work",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		db, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		status, err := collectStatus(ctx, db)
		if err != nil {
			return err
		}
		return ui.NewPrinter(os.Stdout).Status(status, format)
	},
}

func collectStatus(ctx context.Context, db *cache.DB) (ui.Status, error) {
	stats, err := db.GetStats(ctx)
	if err != nil {
		return ui.Status{}, err
	}
	return ui.Status{
		CachePath:        db.Path(),
		Strategy:         db.Strategy(),
		IDPolicy:         cfg.IDPolicy(),
		LockWhilePending: cfg.LockWhilePending(),
		Remote:           remoteName(),
		Tasks:            stats.Tasks,
		Pending:          stats.Pending,
		Queued:           stats.Queued,
	}, nil
}

func init() {
	syncCmd.Flags().String("format", "text", "output format: text, json, yaml or toml")
	statusCmd.Flags().String("format", "text", "output format: text, json, yaml or toml")

	rootCmd.AddCommand(syncCmd, runCmd, statusCmd)
}
