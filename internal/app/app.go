// Package app assembles a runnable practiceflow process from a workspace:
// config, logger, database and engine.
package app

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"practiceflow/internal/config"
	"practiceflow/internal/db"
	"practiceflow/internal/engine"
	"practiceflow/internal/migrate"
)

type Options struct {
	Workspace string
	// ConfigPath overrides the workspace's practiceflow.yml.
	ConfigPath string
	// DBPath overrides the workspace database file.
	DBPath    string
	LogLevel  string
	LogFormat string
	LogOutput io.Writer
	// Override runs after the file is loaded and before validation.
	Override func(*config.Config)
}

type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine *engine.Engine
	Logger *slog.Logger
}

// Open loads the config, opens and migrates the database and wires the
// engine. Close the returned App when done.
func Open(opts Options, engineOpts ...engine.Option) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := NewLogger(opts.LogLevel, opts.LogFormat, opts.LogOutput)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	engineOpts = append([]engine.Option{engine.WithLogger(logger)}, engineOpts...)
	return &App{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg, engineOpts...),
		Logger: logger,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// LoadConfig reads the explicit path, else the workspace file, else the
// defaults, then applies the override and validates.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.Override != nil {
		opts.Override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// NewLogger builds a text or json slog logger at level.
func NewLogger(level, format string, out io.Writer) (*slog.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q", level)
		}
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(out, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(out, hopts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
