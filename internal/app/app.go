package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ttm/internal/config"
	"ttm/internal/db"
	"ttm/internal/engine"
	"ttm/internal/migrate"
	"ttm/internal/observability"
	"ttm/internal/positions"
	"ttm/internal/realtime"
	"ttm/internal/relay"
	"ttm/internal/server"
)

// App holds the long-lived pieces shared by every command.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *logrus.Logger
	Metrics   *observability.Metrics
	Registry  *prometheus.Registry
}

type Options struct {
	Workspace string
	// DBPath overrides the workspace database location.
	DBPath string
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// Open loads config, opens and migrates the database, builds the engine and
// seeds the configured roles.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, out)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	store, err := positions.New(cfg.Positions)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("positions: %w", err)
	}
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	eng.Positions = store
	eng.Logger = logger
	eng.Metrics = metrics
	if err := eng.SeedRBAC(ctx); err != nil {
		store.Close()
		conn.Close()
		return nil, err
	}
	return &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    eng,
		Logger:    logger,
		Metrics:   metrics,
		Registry:  registry,
	}, nil
}

func (a *App) Close() error {
	var errs []error
	if a.Engine.Positions != nil {
		errs = append(errs, a.Engine.Positions.Close())
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}

// JWTSecret reads the signing secret from the configured environment variable.
func (a *App) JWTSecret() string {
	return strings.TrimSpace(os.Getenv(a.Config.Auth.JWTSecretEnv))
}

type ServeOptions struct {
	Addr     string
	BasePath string
	// Ready receives the bound address once the listener is up.
	Ready func(addr string)
}

// Serve runs the HTTP API, the socket hub and the event relay until ctx ends
// or one of them fails.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	cfg := a.Config
	addr := opts.Addr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	basePath := opts.BasePath
	if basePath == "" {
		basePath = cfg.Server.BasePath
	}
	secret := a.JWTSecret()
	if secret == "" {
		a.Logger.Warnf("%s is not set; bearer tokens will be rejected", cfg.Auth.JWTSecretEnv)
	}

	hub := realtime.NewHub(realtime.Options{
		Auth:      server.TokenAuth(secret, a.Engine),
		Evaluator: a.Engine.RBAC,
		Config:    cfg.Realtime,
		Logger:    a.Logger,
		Metrics:   a.Metrics,
	})
	eng := a.Engine
	eng.Publisher = hub

	handler, err := server.New(server.Config{
		Engine:         eng,
		BasePath:       basePath,
		RequestTimeout: cfg.Server.RequestTimeout,
		Auth:           server.AuthConfig{JWTSecret: secret, DevLogin: cfg.Auth.DevLogin},
		Socket:         hub,
		Logger:         a.Logger,
		Metrics:        a.Metrics,
	})
	if err != nil {
		return err
	}
	sinks, err := relay.SinksFromConfig(cfg.Relay)
	if err != nil {
		return err
	}
	dispatcher := relay.NewDispatcher(eng.Repo, sinks, relay.Options{
		Interval: cfg.Relay.Interval,
		Logger:   a.Logger,
		Metrics:  a.Metrics,
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		dispatcher.Close()
		return err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	a.Logger.WithFields(logrus.Fields{"addr": ln.Addr().String(), "base_path": basePath, "sinks": len(sinks)}).Info("ttm listening")
	if opts.Ready != nil {
		opts.Ready(ln.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
