package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stateflow/internal/scheduler"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/pkg/mcp"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

// openStore opens and migrates the libSQL database at path.
func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if !strings.Contains(path, "://") && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		path = "file:" + path
	}
	s, err := store.NewLibSQLStore(path)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (a *app) serve(ctx context.Context) error {
	logger := a.logger
	s, err := openStore(ctx, a.cfg.DBPath)
	if err != nil {
		return err
	}
	st, err := buildStack(ctx, a.cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := st.close(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	if _, err := st.engine.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted executions: %w", err)
	}

	sched := scheduler.NewScheduler(s, st.launcher(), logger, scheduler.WithInterval(a.cfg.ScheduleInterval))
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("recover missed schedules", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if a.cfg.MetricsAddr != "" {
		st.serveHTTP(ctx, a.cfg.MetricsAddr)
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Engine:    st.engine,
		Scheduler: sched,
		Logger:    logger,
		Version:   version,
	})
	logger.Info("stateflow serving mcp on stdio", "db_path", a.cfg.DBPath, "version", version)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
