package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drakyn/agent/backend/internal/config"
	authhandler "github.com/drakyn/agent/backend/internal/handler/auth"
	"github.com/drakyn/agent/backend/internal/handler/chat"
	middlewarePkg "github.com/drakyn/agent/backend/internal/middleware"
	authService "github.com/drakyn/agent/backend/internal/service/auth"
	chatService "github.com/drakyn/agent/backend/internal/service/chat"
	"github.com/drakyn/agent/backend/internal/service/session"
	"github.com/drakyn/agent/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services. oauth may be nil when Google
// login is not configured.
func NewRouter(cfg *config.Config, store chatService.Store, tokens *authService.TokenService, oauth authhandler.OAuthClient, provider session.CompletionProvider, registry *session.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)

	authHandler := authhandler.New(oauth, tokens, store, cfg.Auth)
	chatHandler := chat.New(store, registry)
	wsHandler := chat.NewWebSocketHandler(session.Deps{
		Authenticator: tokens,
		Store:         store,
		Provider:      provider,
		Registry:      registry,
	}, cfg.Session, cfg.Server.BaseURL)

	r.Get("/health", handleHealth)

	authHandler.RegisterRoutes(r)

	// The websocket authenticates through its first frame, not the cookie.
	wsHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.RequireAuth(tokens))

		authHandler.RegisterAPIRoutes(api)
		chatHandler.RegisterRoutes(api)
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
