package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/recallchat/internal/attachment"
	"github.com/vovakirdan/recallchat/internal/auth"
	"github.com/vovakirdan/recallchat/internal/config"
	"github.com/vovakirdan/recallchat/internal/core"
	"github.com/vovakirdan/recallchat/internal/log"
	"github.com/vovakirdan/recallchat/internal/metrics"
	"github.com/vovakirdan/recallchat/internal/store"
	"github.com/vovakirdan/recallchat/internal/store/sqlite"
	"github.com/vovakirdan/recallchat/internal/sweeper"
	transporthttp "github.com/vovakirdan/recallchat/internal/transport/http"
)

// Options tune how the process starts.
type Options struct {
	// ApplySchema creates missing tables before serving.
	ApplySchema bool
}

// App wires together core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	sweeper         *sweeper.Sweeper
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger, opts Options) (*App, error) {
	st, err := openStore(cfg, opts)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	m := metrics.New()
	hub := core.NewHub(core.HubConfig{
		Store:      st,
		Reconciler: attachment.NewDirReconciler(cfg.UploadDir, log.Component(logger, "attachments")),
		Metrics:    m,
		Logger:     log.Component(logger, "hub"),
	})

	sw, err := sweeper.New(cfg.SweepCron, hub.Lifecycle(), nil, log.Component(logger, "sweeper"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init sweeper: %w", err)
	}

	authService := auth.NewService(jwtConfig(cfg))
	if !authService.Enabled() {
		logger.Warn().Msg("jwt_secret not set, trusting announced identities")
	}

	server := transporthttp.NewServer(transporthttp.Deps{
		Hub:     hub,
		Store:   st,
		Auth:    authService,
		Metrics: m,
	}, cfg, log.Component(logger, "http"))

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		sweeper:         sw,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	go a.hub.Run(ctx)

	// Recalls whose timers died with the previous process.
	if err := a.hub.Lifecycle().Resume(ctx); err != nil {
		return fmt.Errorf("resume recall timers: %w", err)
	}
	go a.sweeper.Run(ctx)

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-serverErr
	}
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}

// Sweep runs a single reconciliation pass against the configured store and
// upload directory, without serving. Returns how many messages were purged.
func Sweep(ctx context.Context, cfg *config.Config, logger *zerolog.Logger, opts Options) (int, error) {
	st, err := openStore(cfg, opts)
	if err != nil {
		return 0, err
	}
	defer st.Close()

	lifecycle := core.NewLifecycle(core.LifecycleConfig{
		Store:      st,
		Reconciler: attachment.NewDirReconciler(cfg.UploadDir, log.Component(logger, "attachments")),
		Bus:        discardBus{},
		Logger:     log.Component(logger, "sweep"),
	})
	return lifecycle.Sweep(ctx)
}

// IssueToken mints a development token for the configured secret.
func IssueToken(cfg *config.Config, userID, username, avatar string) (string, error) {
	svc := auth.NewService(jwtConfig(cfg))
	if !svc.Enabled() {
		return "", errors.New("jwt_secret is not configured")
	}
	return svc.Issue(userID, username, avatar)
}

func jwtConfig(cfg *config.Config) *auth.JWTConfig {
	return &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      auth.DefaultTTL,
	}
}

func openStore(cfg *config.Config, opts Options) (*sqlite.SQLiteStore, error) {
	var setup func(*sql.DB) error
	if opts.ApplySchema {
		setup = sqlite.ApplySchema
	}
	st, err := sqlite.NewWithSetup(cfg.DatabasePath, setup)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return st, nil
}

// discardBus drops events; a one-shot sweep has no connected clients.
type discardBus struct{}

func (discardBus) Broadcast(*core.Event) {}
