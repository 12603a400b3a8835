package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padron-mx/riesgo-cli/internal/runlog"
	"github.com/padron-mx/riesgo-cli/internal/store"
)

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// runLog returns the pipeline run log when the backend keeps one.
// SQLite runs are local one-offs with no shared history to track.
func runLog(st store.Store) *runlog.Log {
	if pg, ok := st.(*store.PostgresStore); ok {
		return runlog.New(pg.Pool())
	}
	return nil
}

// trackStart opens a run-log entry. A failure to record is logged and
// swallowed: the run log must never take the pipeline down with it.
func trackStart(ctx context.Context, rl *runlog.Log, job string) string {
	if rl == nil {
		return ""
	}
	id, err := rl.Start(ctx, job)
	if err != nil {
		zap.L().Warn("run log unavailable", zap.String("job", job), zap.Error(err))
		return ""
	}
	return id
}

func trackComplete(ctx context.Context, rl *runlog.Log, id string, res *runlog.Result) {
	if rl == nil || id == "" {
		return
	}
	if err := rl.Complete(ctx, id, res); err != nil {
		zap.L().Warn("run log update failed", zap.String("run_id", id), zap.Error(err))
	}
}

func trackFail(ctx context.Context, rl *runlog.Log, id string, runErr error) {
	if rl == nil || id == "" {
		return
	}
	if err := rl.Fail(ctx, id, runErr.Error()); err != nil {
		zap.L().Warn("run log update failed", zap.String("run_id", id), zap.Error(err))
	}
}
