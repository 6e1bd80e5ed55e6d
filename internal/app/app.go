package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/vovakirdan/wirecall/internal/auth"
	"github.com/vovakirdan/wirecall/internal/config"
	"github.com/vovakirdan/wirecall/internal/core"
	applog "github.com/vovakirdan/wirecall/internal/log"
	"github.com/vovakirdan/wirecall/internal/metrics"
	"github.com/vovakirdan/wirecall/internal/scheduler"
	"github.com/vovakirdan/wirecall/internal/service/calls"
	"github.com/vovakirdan/wirecall/internal/sfu"
	"github.com/vovakirdan/wirecall/internal/store"
	"github.com/vovakirdan/wirecall/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirecall/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	bridge          *sfu.Bridge
	sched           *scheduler.Scheduler[calls.RingTimeout]
	periodic        *scheduler.Periodic
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath, applog.Component(logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	m := metrics.New()
	clk := clock.New()

	bridge := sfu.New(cfg.SFU, &stdhttp.Client{Timeout: cfg.SFU.ResponseTimeout}, m, applog.Component(logger, "sfu"))
	sched := scheduler.New[calls.RingTimeout](clk, cfg.Scheduler.Workers, m, applog.Component(logger, "scheduler"))

	periodic := scheduler.NewPeriodic(applog.Component(logger, "cron"))
	if err := periodic.Every(cfg.SFU.KeepaliveSpec, "sfu_keepalive", bridge.Keepalive); err != nil {
		sched.Stop()
		_ = st.Close()
		return nil, fmt.Errorf("schedule sfu keepalive: %w", err)
	}

	osFs := afero.NewOsFs()
	if ok, err := afero.DirExists(osFs, cfg.Calls.SoundsDir); err != nil || !ok {
		logger.Warn().Str("sounds_dir", cfg.Calls.SoundsDir).Msg("sounds directory missing, every join uses the default sound")
	}
	sounds := afero.NewReadOnlyFs(afero.NewBasePathFs(osFs, cfg.Calls.SoundsDir))

	hub := core.NewHub(applog.Component(logger, "hub"))
	callService := calls.New(calls.Options{
		Store:     st,
		SFU:       bridge,
		Scheduler: sched,
		Events:    hub,
		Sounds:    sounds,
		Clock:     clk,
		Config:    cfg.Calls,
		Metrics:   m,
		Logger:    applog.Component(logger, "calls"),
	})

	authService := auth.NewService(st, auth.NewJWTConfig(cfg.JWT))

	server := transporthttp.NewServer(transporthttp.Deps{
		Hub:     hub,
		Tokens:  authService,
		Calls:   callService,
		Metrics: m,
		Sounds:  sounds,
		Clock:   clk,
	}, cfg, applog.Component(logger, "http"))

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		bridge:          bridge,
		sched:           sched,
		periodic:        periodic,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go a.hub.Run(hubCtx)

	a.periodic.Start()

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
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		err := a.server.Shutdown(shutdownCtx)
		// Realtime connections are hijacked and outlive Shutdown; stopping the
		// hub closes their event streams.
		stopHub()
		a.cleanup()
		if err != nil {
			return err
		}
		return <-serverErr
	}
}

// cleanup stops background work and closes the SFU sessions and the database.
func (a *App) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	a.periodic.Stop(ctx)
	a.sched.Stop()

	if err := a.bridge.Close(ctx); err != nil {
		a.log.Warn().Err(err).Msg("failed to close sfu sessions")
	} else {
		a.log.Info().Msg("sfu sessions closed")
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
