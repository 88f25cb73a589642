package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/api"
	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	logpkg "github.com/vovakirdan/wirechat-sync/internal/log"
	"github.com/vovakirdan/wirechat-sync/internal/registry"
	"github.com/vovakirdan/wirechat-sync/internal/session"
	"github.com/vovakirdan/wirechat-sync/internal/store"
	"github.com/vovakirdan/wirechat-sync/internal/store/sqlite"
	"github.com/vovakirdan/wirechat-sync/internal/transport/ws"
)

const shutdownTimeout = 5 * time.Second

// App wires the sync engine for one authenticated identity: the shared frame
// channel, the subscription registry, the REST client, the local cache and
// the room controller.
type App struct {
	identity   auth.Identity
	channel    *ws.Channel
	registry   *registry.Registry
	client     *api.Client
	store      store.Store
	controller *session.Controller
	metrics    *stdhttp.Server
	log        *zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// New constructs the application. The token identity is read without
// verification; the server remains the authority.
func New(cfg config.Config, logger *zerolog.Logger, notifier session.Notifier) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	identity, err := auth.IdentityFromToken(cfg.Token)
	if err != nil {
		// mentions cannot be matched without an identity
		logger.Warn().Err(err).Msg("token carries no identity")
	}

	st, err := openStore(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("cache_path", cfg.CachePath).Msg("cache initialized")

	if notifier == nil {
		notifier = session.LogNotifier{Log: logger}
	}

	channel := ws.New(ws.Options{
		URL:               cfg.WSURL,
		Token:             cfg.Token,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectMin:      cfg.ReconnectMin,
		ReconnectMax:      cfg.ReconnectMax,
		DialTimeout:       cfg.RequestTimeout,
		Logger:            logpkg.Component(logger, "channel"),
	})
	reg := registry.New(channel, logpkg.Component(logger, "registry"))
	client := api.New(api.Options{
		BaseURL: cfg.APIURL,
		Token:   cfg.Token,
		Timeout: cfg.RequestTimeout,
		Logger:  logpkg.Component(logger, "api"),
	})

	controller := session.NewController(client, channel, reg, session.Options{
		Self:                  identity.UserID,
		PageSize:              cfg.PageSize,
		MaxBackfillPages:      cfg.MaxBackfillPages,
		MentionPreviewRunes:   cfg.MentionPreviewRunes,
		PresenceDebounce:      cfg.PresenceDebounce,
		MemberRefreshInterval: cfg.MemberRefreshInterval,
		RequestTimeout:        cfg.RequestTimeout,
		AckRetries:            cfg.AckRetries,
		Rooms:                 st,
		Anchors:               st,
		Notifier:              notifier,
		Logger:                logpkg.Component(logger, "session"),
	})

	a := &App{
		identity:   identity,
		channel:    channel,
		registry:   reg,
		client:     client,
		store:      st,
		controller: controller,
		log:        logger,
	}
	if cfg.MetricsAddr != "" {
		mux := stdhttp.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", healthHandler)
		a.metrics = &stdhttp.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

func openStore(path string) (store.Store, error) {
	if path == "" || path == ":memory:" {
		return store.NewMemory(), nil
	}
	return sqlite.New(path)
}

func healthHandler(w stdhttp.ResponseWriter, _ *stdhttp.Request) {
	_, _ = fmt.Fprint(w, "ok")
}

// Identity returns the identity the engine acts for.
func (a *App) Identity() auth.Identity { return a.identity }

// Controller returns the room controller.
func (a *App) Controller() *session.Controller { return a.controller }

// Channel returns the shared frame channel.
func (a *App) Channel() *ws.Channel { return a.channel }

// Start connects the shared channel. A failed first dial is not retried; the
// app is closed and the error returned.
func (a *App) Start(ctx context.Context) error {
	if err := a.channel.Connect(ctx); err != nil {
		_ = a.Close()
		return fmt.Errorf("connect: %w", err)
	}
	a.log.Info().Str("user_id", a.identity.UserID).Msg("channel connected")
	return nil
}

// Run connects the channel, serves metrics when configured and blocks until
// ctx is cancelled or the metrics listener fails. Sessions are closed with
// acknowledgement on the way out.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	if a.metrics != nil {
		go func() {
			a.log.Info().Str("addr", a.metrics.Addr).Msg("serving metrics")
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	select {
	case err := <-serverErr:
		_ = a.Close()
		return err
	case <-ctx.Done():
		return a.Close()
	}
}

// Close shuts every session down, then the channel, the metrics listener and
// the cache. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() { a.closeErr = a.shutdown() })
	return a.closeErr
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := a.controller.Shutdown(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("sessions closed with errors")
	}
	a.registry.Close()
	a.channel.Disconnect()

	if a.metrics != nil {
		if serr := a.metrics.Shutdown(ctx); serr != nil {
			a.log.Warn().Err(serr).Msg("metrics listener shutdown failed")
		}
	}
	a.cleanup()
	return err
}

// cleanup closes the cache.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
		a.store = nil
	}
}
