// Package app wires a configured engine: it opens the database, applies
// migrations, creates the live-row unique indexes and attaches logging and
// metrics.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"stateline/internal/config"
	"stateline/internal/db"
	"stateline/internal/engine"
	"stateline/internal/metrics"
	"stateline/internal/migrate"
)

type App struct {
	Config  *config.Config
	DB      *db.DB
	Engine  engine.Engine
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// Options for Open. A nil Registerer disables metrics.
type Options struct {
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

func EngineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		TransitionDefaultAllow: cfg.TransitionDefaultAllow(),
		SequenceSeed:           cfg.Workflow.SequenceSeed,
		SequenceStep:           cfg.Workflow.SequenceStep,
	}
}

func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := db.Open(ctx, cfg.DB())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info("migrations applied", zap.Int("count", applied), zap.String("driver", string(conn.Driver)))
	}

	eng := engine.New(conn, EngineOptions(cfg))
	eng.Log = logger
	if err := eng.EnsureIndexes(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}

	var m *metrics.Metrics
	if opts.Registerer != nil {
		m = metrics.NewWithRegistry(opts.Registerer, logger)
		if err := m.RegisterDB(conn.DB, "stateline"); err != nil {
			logger.Warn("db stats collector not registered", zap.Error(err))
		}
		eng.Metrics = m
	}
	return &App{Config: cfg, DB: conn, Engine: eng, Metrics: m, Log: logger}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
