// Command vanish is an offline-first task list. Every change lands in a
// local cache at once and is synced to the remote store in the background,
// with failed calls queued and replayed in order.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vanishlist/vanish/internal/config"
	"github.com/vanishlist/vanish/internal/logging"
)

var (
	configFile string

	// cfg and logger are set by the root command before any subcommand runs.
	cfg      *config.Config
	logger   *slog.Logger
	logClose io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "vanish",
	Short: "Offline-first task list with a durable sync queue",
	Long: `vanish keeps a small task list in a local cache and syncs it with a
remote store over an unreliable network.

Changes are applied locally first and shown with a pending marker
(Adding..., Checking..., Deleting..., Syncing...) until the remote store
confirms them. Calls that fail are queued and replayed in order by
"vanish sync" or the long-running "vanish run".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := config.NewViper()
		bindings := map[string]string{
			"local.path":     "cache",
			"queue.strategy": "strategy",
			"ids.policy":     "ids",
			"remote.backend": "remote",
			"remote.url":     "remote-url",
			"remote.dsn":     "remote-dsn",
			"log.level":      "log-level",
		}
		for key, flag := range bindings {
			if err := v.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(flag)); err != nil {
				return fmt.Errorf("failed to bind --%s: %w", flag, err)
			}
		}

		loaded, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		cfg = loaded

		logger, logClose, err = logging.Setup(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		logger.Debug("configuration loaded", "file", cfg.File, "cache", cfg.Local.Path)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logClose != nil {
			_ = logClose.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default: $XDG_CONFIG_HOME/vanish/vanish.{yaml,toml})")
	flags.String("cache", "", "local cache path")
	flags.String("strategy", "", "queue strategy: coalescing or append")
	flags.String("ids", "", "id policy: client or server")
	flags.String("remote", "", "remote backend: http, sql or gtasks")
	flags.String("remote-url", "", "remote API base URL (http backend)")
	flags.String("remote-dsn", "", "remote database DSN (sql backend)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
