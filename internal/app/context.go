package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"harvestline/internal/agent"
	"harvestline/internal/config"
	"harvestline/internal/db"
	"harvestline/internal/engine"
	"harvestline/internal/harvest"
	"harvestline/internal/logging"
	"harvestline/internal/migrate"
	"harvestline/internal/repo"
	"harvestline/internal/scheduler"
	"harvestline/internal/server"
	"harvestline/internal/upstream"
)

// Options locate the config and database and carry credential overrides.
type Options struct {
	Workspace  string
	ConfigPath string
	DBPath     string
	// Email and Token replace the configured upstream credentials when set.
	Email string
	Token string
	// LogWriter defaults to stdout. The stdio MCP transport needs stderr.
	LogWriter io.Writer
}

// App holds every long-lived component. It is built once per process and
// passed by handle.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	DB       *sql.DB
	Repo     repo.Repo
	Upstream *upstream.Client
	Harvest  *harvest.Engine
	Query    engine.Engine
	Agent    *agent.Server
}

// LoadConfig reads the explicit config path, else the workspace file, else
// the defaults, then applies credential overrides and validates.
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
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Email != "" {
		cfg.Upstream.Email = opts.Email
	}
	if opts.Token != "" {
		cfg.Upstream.Token = opts.Token
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Build loads config, opens and migrates the database, and wires the
// harvest engine, query engine and agent server.
func Build(opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	w := opts.LogWriter
	if w == nil {
		w = os.Stdout
	}
	log := logging.NewWithWriter(cfg.Log, w)

	if opts.DBPath == "" {
		if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r := repo.Repo{DB: conn}
	up := upstream.NewFromConfig(cfg.Upstream, cfg.Harvest.ChangelogPageDelay(), logging.Component(log, "upstream"))
	h := harvest.New(r, up, cfg, logging.Component(log, "harvest"))
	q := engine.New(conn, cfg)
	return &App{
		Config:   cfg,
		Log:      log,
		DB:       conn,
		Repo:     r,
		Upstream: up,
		Harvest:  h,
		Query:    q,
		Agent:    agent.New(q, h, log),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Scheduler builds the periodic trigger for the harvest engine.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	return scheduler.New(a.Config.Harvest, a.Harvest, logging.Component(a.Log, "scheduler"))
}

// Handler builds the REST handler with the agent API mounted.
func (a *App) Handler(sched server.SchedulerStatus) (http.Handler, error) {
	return server.New(server.Config{
		Engine:    a.Query,
		Harvester: a.Harvest,
		Scheduler: sched,
		BasePath:  a.Config.Server.BasePath,
		MCP:       a.Agent.Handler(),
		MCPPath:   a.Config.Server.MCPPath,
		Log:       a.Log,
	})
}

// Startup runs crash recovery and the issue type sync. Both must finish
// before any harvest starts.
func (a *App) Startup(ctx context.Context) (harvest.RecoveryReport, error) {
	report, err := a.Harvest.Recover(ctx)
	if err != nil {
		return report, fmt.Errorf("startup recovery: %w", err)
	}
	if _, _, err := a.Harvest.SyncIssueTypes(ctx); err != nil {
		return report, fmt.Errorf("issue type sync: %w", err)
	}
	return report, nil
}
