package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vanishlist/vanish/internal/remote"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Serve the remote task API over a SQL database",
	Long: `Serve the task API that the http backend talks to, storing tasks in
server.dsn (a SQLite file, postgres:// URL or libsql:// URL).

Endpoints:
  GET    /health
  GET    /tasks
  POST   /tasks
  PATCH  /tasks/{id}
  POST   /tasks/{id}/toggle
  DELETE /tasks/{id}

Examples:
  vanish serve
  vanish serve --addr :8080 --dsn postgres://localhost/vanish`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		dsn, _ := cmd.Flags().GetString("dsn")
		if addr == "" {
			addr = cfg.Server.Addr
		}
		if dsn == "" {
			dsn = cfg.Server.DSN
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := remote.OpenSQL(ctx, dsn, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		srv := &http.Server{
			Addr:              addr,
			Handler:           remote.NewServer(store, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			logger.Info("remote API listening", "addr", addr)
			serveErr <- srv.ListenAndServe()
		}()
		fmt.Fprintf(os.Stderr, "Serving tasks on http://%s (Ctrl+C to stop)\n", addr)

		select {
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("remote API server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down remote API: %w", err)
		}
		logger.Info("remote API stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default: server.addr)")
	serveCmd.Flags().String("dsn", "", "database DSN (default: server.dsn)")

	rootCmd.AddCommand(serveCmd)
}
