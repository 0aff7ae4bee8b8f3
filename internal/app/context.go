package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"clubops/internal/config"
	"clubops/internal/db"
	"clubops/internal/directory"
	"clubops/internal/engine"
	"clubops/internal/logging"
	"clubops/internal/memstore"
	"clubops/internal/migrate"
)

// Options select the workspace and overrides used to build a Runtime.
type Options struct {
	Workspace string
	// ClubID overrides club.id from clubops.yml.
	ClubID   string
	LogLevel string
	// Ephemeral keeps tasks and events in memory and never touches the workspace.
	Ephemeral bool
}

// Runtime bundles everything a command or the server needs.
type Runtime struct {
	Config    *config.Config
	Directory *directory.Static
	Engine    engine.Engine
	Logger    *zap.SugaredLogger
	DB        *sql.DB
}

// Open resolves the club config, opens and migrates the workspace database
// and wires the engine. A missing clubops.yml falls back to the default
// config when a club id is given.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}
	level := opts.LogLevel
	if level == "" {
		level = cfg.Log.Level
	}
	base, err := logging.New(level)
	if err != nil {
		return nil, err
	}
	logger := base.Sugar()
	dir := directory.FromConfig(cfg)
	rt := &Runtime{Config: cfg, Directory: dir, Logger: logger}

	if opts.Ephemeral {
		store := memstore.New()
		rt.Engine = engine.NewWithStores(store, store, dir, logger.Named("engine"))
		logger.Debugw("Runtime ready", "clubID", cfg.Club.ID, "store", "memory")
		return rt, nil
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	rt.DB = conn
	rt.Engine = engine.New(conn, dir, logger.Named("engine"))
	logger.Debugw("Runtime ready", "clubID", cfg.Club.ID, "db", db.Path(opts.Workspace), "schemaVersion", version)
	return rt, nil
}

// Close releases the database and flushes the logger.
func (r *Runtime) Close() error {
	_ = r.Logger.Sync()
	if r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// ClubID is the club the runtime was opened for.
func (r *Runtime) ClubID() string {
	return r.Config.Club.ID
}

func resolveConfig(opts Options) (*config.Config, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if opts.ClubID == "" {
			return nil, fmt.Errorf("no %s found; use --club or run clubops config init", config.Path(opts.Workspace))
		}
		cfg = config.Default(opts.ClubID)
	}
	if opts.ClubID != "" {
		cfg.Club.ID = opts.ClubID
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
