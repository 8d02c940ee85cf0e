// Package app wires configuration, storage and the engine for the CLI and the server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"cutline/internal/config"
	"cutline/internal/db"
	"cutline/internal/engine"
	"cutline/internal/logging"
	"cutline/internal/metrics"
	"cutline/internal/migrate"
	"cutline/internal/payout"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/cutline.yml.
	ConfigPath string
	// LogLevel and LogFormat override the logging section when set.
	LogLevel  string
	LogFormat string
	LogOut    io.Writer
}

type App struct {
	Config *config.Config
	Log    *logrus.Logger
	DB     *sql.DB
	Engine engine.Engine
}

// LoadConfig reads the explicit config path, or the workspace config, falling back to defaults.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Open loads config, opens and migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	level, format := cfg.Logging.Level, cfg.Logging.Format
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	log := logging.New(cfg.Service.Name, level, format, opts.LogOut)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e.Metrics = metrics.NewCached(e.Metrics, cfg.Metrics.CacheTTL)
	if hook := payout.NewWebhook(cfg.Payout.Webhook, log); hook != nil {
		e.Payout = hook
	}
	log.WithFields(logrus.Fields{
		"workspace": opts.Workspace,
		"database":  db.Path(opts.Workspace),
		"payout":    e.Payout != nil,
	}).Debug("engine ready")
	return &App{Config: cfg, Log: log, DB: conn, Engine: e}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
