package app

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"matterline/internal/config"
	"matterline/internal/db"
	"matterline/internal/engine"
	"matterline/internal/inference"
	"matterline/internal/memstore"
	"matterline/internal/metrics"
	"matterline/internal/migrate"
	"matterline/internal/repo"
)

// Options controls how a workspace directory is opened.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/matterline.yml.
	ConfigPath string
	// Memory keeps all state in process; nothing is written to disk.
	Memory bool
	Logger *slog.Logger
	// Client replaces the configured HTTP inference client.
	Client inference.Client
}

// App bundles what a command or the server needs: config, store, and a fully
// wired engine.
type App struct {
	Config   *config.Config
	Engine   engine.Engine
	Registry *prometheus.Registry
	Guard    *inference.Guard
	Logger   *slog.Logger

	db *sql.DB
}

// Open loads config, opens and migrates the store, then wires inference,
// metrics and logging into an engine.
func Open(opts Options) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	a := &App{Config: cfg, Registry: prometheus.NewRegistry(), Logger: logger}
	var store engine.Store
	if opts.Memory {
		store = memstore.New()
	} else {
		conn, err := db.Open(db.Config{Workspace: opts.Workspace})
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.db = conn
		store = repo.New(conn)
	}

	client := opts.Client
	if client == nil {
		client = inference.NewHTTPClient(cfg.Inference)
	}
	if g := cfg.Inference.Guard; g.MaxFailures > 0 {
		a.Guard = inference.NewGuard(g.MaxFailures, g.Cooldown())
		client = inference.GuardedClient{Client: client, Guard: a.Guard}
	}

	e := engine.New(store, client, cfg)
	e.Metrics = metrics.New(a.Registry)
	e.Logger = logger
	a.Engine = e
	return a, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOrDefault(opts.Workspace)
}

// MetricsHandler serves the app registry in the Prometheus text format.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
}

// JWTSecret resolves the server signing secret from the configured env var.
func (a *App) JWTSecret() string {
	name := strings.TrimSpace(a.Config.Server.JWTSecretEnv)
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// NewLogger builds the process logger. format is "text" or "json".
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(level)))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
