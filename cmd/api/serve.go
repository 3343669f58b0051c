package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/drakyn/agent/backend/internal/config"
	"github.com/drakyn/agent/backend/internal/handler"
	authhandler "github.com/drakyn/agent/backend/internal/handler/auth"
	"github.com/drakyn/agent/backend/internal/service/ai"
	"github.com/drakyn/agent/backend/internal/service/auth"
	"github.com/drakyn/agent/backend/internal/service/chat"
	"github.com/drakyn/agent/backend/internal/service/session"
)

const shutdownTimeout = 10 * time.Second

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	provider, err := ai.NewProvider(ctx, cfg.AI)
	if err != nil {
		return errors.Wrap(err, "initialize completion provider")
	}

	tokens := auth.NewTokenService(cfg.Auth.SecretKey, cfg.Auth.AllowedEmail)
	if cfg.Auth.AllowedEmail == "" {
		log.Warn().Msg("ALLOWED_EMAIL is empty, any Google account can sign in")
	}

	var oauth authhandler.OAuthClient
	if cfg.Auth.OAuthEnabled() {
		oauth = auth.NewGoogleOAuth(cfg.Auth.GoogleClientID, cfg.Auth.GoogleClientSecret, cfg.RedirectURL())
	} else {
		log.Warn().Msg("google oauth credentials not configured, /login is disabled")
	}

	registry := session.NewRegistry()
	router := handler.NewRouter(cfg, store, tokens, oauth, provider, registry)

	return runServer(ctx, cfg.Server, router, registry)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (chat.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		log.Warn().Msg("using in-memory store, conversations are lost on restart")
		return chat.NewMemoryStore(), nil
	default:
		store, err := chat.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite store")
		}
		log.Info().Str("path", cfg.Path).Msg("sqlite store ready")
		return store, nil
	}
}

func runServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, registry *session.Registry) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", serverCfg.Addr).Str("base_url", serverCfg.BaseURL).Msg("agent backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by the server.
		if err := registry.CloseAll(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("sessions did not close in time")
		}
		return errors.Wrap(srv.Shutdown(shutdownCtx), "shutdown")
	})

	return g.Wait()
}
