package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vanishlist/vanish/internal/engine"
	"github.com/vanishlist/vanish/internal/schema"
	"github.com/vanishlist/vanish/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add [text]",
	GroupID: "tasks",
	Short:   "Add a task",
	Long: `Add a task with a time estimate.

The task is stored locally as Adding... and inserted into the remote store.
If the remote store cannot be reached the insert is queued for the next sync.

Examples:
  vanish add buy milk
  vanish add "walk the dog" --time "1 hrs"
  vanish add -i                 # interactive form`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interactive, _ := cmd.Flags().GetBool("interactive")
		estimate, _ := cmd.Flags().GetString("time")

		var snap schema.Snapshot
		if interactive {
			in := ui.NewAddInput()
			in.Text = strings.Join(args, " ")
			if err := ui.AddForm(in).RunWithContext(cmd.Context()); err != nil {
				return fmt.Errorf("add form: %w", err)
			}
			s, err := in.Snapshot()
			if err != nil {
				return err
			}
			snap = s
		} else {
			if len(args) == 0 {
				return fmt.Errorf("task text is required (or use -i)")
			}
			if _, _, err := schema.ParseEstimate(estimate); err != nil {
				return err
			}
			snap = schema.Snapshot{Text: strings.TrimSpace(strings.Join(args, " ")), Time: estimate}
		}

		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.engine.Add(cmd.Context(), snap)
		if err != nil {
			return err
		}
		p := ui.NewPrinter(os.Stdout)
		p.Message("%s", p.TaskLine(task, cfg.LockWhilePending()))
		return nil
	},
}

var toggleCmd = &cobra.Command{
	Use:     "toggle <id>",
	GroupID: "tasks",
	Short:   "Check or uncheck a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.engine.Toggle(cmd.Context(), args[0])
		if err != nil {
			return explain(err)
		}
		p := ui.NewPrinter(os.Stdout)
		p.Message("%s", p.TaskLine(task, cfg.LockWhilePending()))
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	GroupID: "tasks",
	Short:   "Delete a task",
	Long: `Delete a task.

The task stays in the list as Deleting... until the remote store confirms
the removal. If the remote store cannot be reached the removal is queued.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		confirmed, err := a.engine.Delete(cmd.Context(), args[0])
		if err != nil {
			return explain(err)
		}
		p := ui.NewPrinter(os.Stdout)
		if confirmed {
			p.Message("Deleted %s", args[0])
		} else {
			p.Message("Deletion of %s queued", args[0])
		}
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id> <text>",
	GroupID: "tasks",
	Short:   "Change a task's text",
	Long: `Change a task's text.

Edits are sent to the remote store directly and are not queued. If the
remote store cannot be reached the new text is kept locally until the next
sync replaces it with the remote copy.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		text := strings.TrimSpace(strings.Join(args[1:], " "))
		task, err := a.engine.Edit(cmd.Context(), args[0], text)
		if err != nil && !errors.Is(err, engine.ErrEditNotConfirmed) {
			return explain(err)
		}
		p := ui.NewPrinter(os.Stdout)
		p.Message("%s", p.TaskLine(task, cfg.LockWhilePending()))
		if err != nil {
			return fmt.Errorf("edit saved locally only: %w", err)
		}
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	GroupID: "tasks",
	Short:   "List tasks from the local cache",
	Long: `List tasks from the local cache, oldest first.

Pending tasks carry a marker (Adding..., Checking..., Deleting...,
Syncing...). Locked tasks show [-] in place of their checkbox.
Use --sync to reconcile with the remote store first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		doSync, _ := cmd.Flags().GetBool("sync")

		ctx := cmd.Context()
		if doSync {
			a, err := openApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			if res, _ := a.engine.Reconcile(ctx); res.Err != nil {
				fmt.Fprintf(os.Stderr, "Warning: showing cached tasks, reconcile failed: %v\n", res.Err)
			}
			tasks, err := a.db.ListTasks(ctx)
			if err != nil {
				return err
			}
			return ui.NewPrinter(os.Stdout).Tasks(tasks, format, cfg.LockWhilePending())
		}

		db, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		tasks, err := db.ListTasks(ctx)
		if err != nil {
			return err
		}
		return ui.NewPrinter(os.Stdout).Tasks(tasks, format, cfg.LockWhilePending())
	},
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Show calls waiting to be replayed",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		db, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := db.ListQueue(cmd.Context())
		if err != nil {
			return err
		}
		return ui.NewPrinter(os.Stdout).Queue(entries, format)
	},
}

// explain turns engine errors into messages for the command line.
func explain(err error) error {
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		return fmt.Errorf("%w (run 'vanish ls --sync' to refresh)", err)
	case errors.Is(err, engine.ErrTaskBusy):
		return fmt.Errorf("%w; wait for it to sync", err)
	default:
		return err
	}
}

func formatFlag(cmd *cobra.Command) (ui.Format, error) {
	name, _ := cmd.Flags().GetString("format")
	return ui.ParseFormat(name)
}

func init() {
	addCmd.Flags().String("time", schema.DefaultEstimate, `time estimate, e.g. "15 mins" or "2 hrs"`)
	addCmd.Flags().BoolP("interactive", "i", false, "fill in the task with a form")

	lsCmd.Flags().String("format", "text", "output format: text, json, yaml or toml")
	lsCmd.Flags().Bool("sync", false, "reconcile with the remote store first")
	queueCmd.Flags().String("format", "text", "output format: text, json, yaml or toml")

	rootCmd.AddCommand(addCmd, toggleCmd, rmCmd, editCmd, lsCmd, queueCmd)
}
