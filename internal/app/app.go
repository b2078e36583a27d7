// Package app wires the gateway's components from configuration: model
// store, warehouse, catalog, semantic service, PG wire listener and admin
// HTTP server.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"semgate/internal/admin"
	"semgate/internal/auth"
	"semgate/internal/catalog"
	"semgate/internal/config"
	"semgate/internal/domain"
	"semgate/internal/engine"
	"semgate/internal/metrics"
	"semgate/internal/pgwire"
	"semgate/internal/service/semantic"
)

// Deps holds the external dependencies that main() must provide.
// Store and Warehouse override the ones named by Cfg, which tests use to
// run the gateway without a DuckDB file or model directory.
type Deps struct {
	Cfg       *config.Config
	Logger    *slog.Logger
	Store     domain.ModelStore
	Warehouse domain.Executor
}

// App holds the fully-wired gateway.
type App struct {
	Config   *config.Config
	Metrics  *metrics.Metrics
	Catalog  *catalog.Catalog
	Semantic *semantic.Service
	PG       *pgwire.Server
	Admin    *admin.Server // nil when ADMIN_LISTEN_ADDR is empty

	logger  *slog.Logger
	closers []func() error
}

// New wires every component from deps. Nothing listens until Start.
func New(ctx context.Context, deps Deps) (_ *App, err error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	// === Upstream ports ===
	store := deps.Store
	if store == nil {
		s, closeStore, serr := OpenModelStore(ctx, cfg)
		if serr != nil {
			return nil, serr
		}
		a.closers = append(a.closers, closeStore)
		store = s
	}
	exec := deps.Warehouse
	if exec == nil {
		w, closeWarehouse, werr := OpenWarehouse(ctx, cfg, logger)
		if werr != nil {
			return nil, werr
		}
		a.closers = append(a.closers, closeWarehouse)
		exec = w
	}

	// === Authentication ===
	authenticator, tokens, err := NewAuthenticator(ctx, &cfg.Auth)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := LoadTLS(cfg)
	if err != nil {
		return nil, err
	}

	// === Core services ===
	a.Metrics = metrics.New()
	a.Catalog = catalog.New(store, catalog.Options{
		Database:       cfg.DatabaseName,
		TTL:            cfg.CatalogTTL,
		MaxStaleness:   cfg.CatalogMaxStaleness,
		RefreshTimeout: cfg.CatalogRefreshTimeout,
		Observer:       a.Metrics,
		Logger:         logger,
	})
	a.Semantic = semantic.NewService(a.Catalog, exec,
		engine.NewInformationSchemaProvider(pgwire.DefaultServerVersion), logger)

	// === Listeners ===
	a.PG = pgwire.NewServer(a.Semantic, pgwire.Options{
		Addr:                  cfg.PGListenAddr,
		Database:              cfg.DatabaseName,
		TLSConfig:             tlsConfig,
		Auth:                  authenticator,
		MaxConnections:        cfg.MaxConnections,
		ConnRate:              rate.Limit(cfg.ConnRateLimitRPS),
		ConnBurst:             cfg.ConnRateLimitBurst,
		QueryTimeout:          cfg.QueryTimeout,
		IdleTimeout:           cfg.IdleSessionTimeout,
		MaxPreparedStatements: cfg.MaxPreparedStatements,
		MaxMessageSize:        cfg.MaxMessageSize,
		Observer:              a.Metrics,
		Logger:                logger,
	})
	if cfg.AdminListenAddr != "" {
		a.Admin = admin.NewServer(admin.Options{
			Addr:    cfg.AdminListenAddr,
			Catalog: a.Catalog,
			Metrics: a.Metrics.Handler(),
			Tokens:  tokens,
			Logger:  logger,
		})
	}

	for _, w := range cfg.Warnings {
		logger.Warn("configuration warning", "warning", w)
	}
	return a, nil
}

// Start loads the first catalog snapshot, schedules refreshes and opens
// the listeners.
func (a *App) Start(ctx context.Context) error {
	if err := a.Catalog.Start(ctx); err != nil {
		return err
	}
	if err := a.PG.Start(); err != nil {
		a.Catalog.Stop()
		return err
	}
	if a.Admin != nil {
		if err := a.Admin.Start(); err != nil {
			_ = a.PG.Shutdown(ctx)
			a.Catalog.Stop()
			return err
		}
	}
	return nil
}

// Run starts the gateway and blocks until ctx is done, then drains
// sessions for at most drain.
func (a *App) Run(ctx context.Context, drain time.Duration) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.logger.Info("shutting down", "drain_timeout", drain)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown stops the listeners and the refresher, then releases the model
// store and warehouse.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Admin != nil {
		if err := a.Admin.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.PG.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.Catalog.Stop()
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases the handles opened by New. It is safe to call twice.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewAuthenticator builds the PG wire authenticator for cfg. In jwt mode the
// token validator is returned too, so the admin API accepts the same tokens.
func NewAuthenticator(ctx context.Context, cfg *config.AuthConfig) (auth.Authenticator, auth.TokenValidator, error) {
	mode, err := auth.ParseMode(cfg.Mode)
	if err != nil {
		return nil, nil, err
	}
	switch mode {
	case auth.ModePassword:
		users, err := auth.ParseUsers(cfg.Users)
		if err != nil {
			return nil, nil, fmt.Errorf("AUTH_USERS: %w", err)
		}
		p, err := auth.NewPasswords(users)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	case auth.ModeJWT:
		var v auth.TokenValidator
		if cfg.JWTSecret != "" {
			v, err = auth.NewHS256Validator(cfg.JWTSecret, cfg.Audience)
		} else {
			v, err = auth.NewOIDCValidator(ctx, cfg.IssuerURL, cfg.Audience)
		}
		if err != nil {
			return nil, nil, err
		}
		return auth.NewTokens(v), v, nil
	default:
		return auth.Trust{}, nil, nil
	}
}

// LoadTLS returns the listener TLS config, or nil when TLS is off.
func LoadTLS(cfg *config.Config) (*tls.Config, error) {
	if !cfg.TLSEnabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// NewLogger returns a JSON logger in production and a text logger
// otherwise.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
