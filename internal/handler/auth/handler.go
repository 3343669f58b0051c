package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/drakyn/agent/backend/internal/config"
	"github.com/drakyn/agent/backend/internal/middleware"
	"github.com/drakyn/agent/backend/internal/model/user"
	authservice "github.com/drakyn/agent/backend/internal/service/auth"
	"github.com/drakyn/agent/backend/pkg/utils"
)

const stateCookie = "oauth_state"

// OAuthClient is the Google login flow.
type OAuthClient interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, user.Identity, error)
}

// TokenStore persists the upstream OAuth token of a user.
type TokenStore interface {
	SaveOAuthToken(ctx context.Context, email string, token user.OAuthToken) error
}

// Handler serves login, logout and token endpoints.
type Handler struct {
	oauth  OAuthClient
	tokens *authservice.TokenService
	store  TokenStore
	cfg    config.AuthConfig
}

// New creates the auth handler. oauth may be nil when Google login is not configured.
func New(oauth OAuthClient, tokens *authservice.TokenService, store TokenStore, cfg config.AuthConfig) *Handler {
	return &Handler{oauth: oauth, tokens: tokens, store: store, cfg: cfg}
}

// RegisterRoutes mounts the browser login flow.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/login", h.handleLogin)
	r.Get("/auth/callback", h.handleCallback)
	r.Get("/logout", h.handleLogout)
}

// RegisterAPIRoutes mounts the endpoints that need an authenticated identity.
func (h *Handler) RegisterAPIRoutes(r chi.Router) {
	r.Get("/me", h.handleMe)
	r.Get("/ws-token", h.handleWSToken)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "google login is not configured")
		return
	}

	state, err := authservice.NewState()
	if err != nil {
		log.Error().Err(err).Str("component", "auth").Msg("generate oauth state")
		utils.RespondError(w, http.StatusInternalServerError, "login unavailable")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.oauth.AuthCodeURL(state), http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "google login is not configured")
		return
	}

	query := r.URL.Query()
	if reason := query.Get("error"); reason != "" {
		utils.RespondError(w, http.StatusBadRequest, "authentication error: "+reason)
		return
	}

	cookie, err := r.Cookie(stateCookie)
	state := query.Get("state")
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) != 1 {
		utils.RespondError(w, http.StatusBadRequest, "invalid oauth state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/auth", MaxAge: -1, HttpOnly: true})

	code := query.Get("code")
	if code == "" {
		utils.RespondError(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	token, identity, err := h.oauth.Exchange(r.Context(), code)
	if err != nil {
		log.Warn().Err(err).Str("component", "auth").Msg("oauth exchange failed")
		utils.RespondError(w, http.StatusBadRequest, "authentication error")
		return
	}

	if !h.tokens.Allowed(identity.Email) {
		log.Warn().Str("component", "auth").Str("email", identity.Email).Msg("login denied")
		utils.RespondError(w, http.StatusForbidden, "you are not authorized to access this application")
		return
	}

	if err := h.store.SaveOAuthToken(r.Context(), identity.Email, user.OAuthToken{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry,
	}); err != nil {
		log.Error().Err(err).Str("component", "auth").Msg("save oauth token")
		utils.RespondError(w, http.StatusInternalServerError, "failed to store credentials")
		return
	}

	accessToken, err := h.tokens.Issue(identity, h.cfg.TokenTTL)
	if err != nil {
		log.Error().Err(err).Str("component", "auth").Msg("issue access token")
		utils.RespondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CookieName,
		Value:    accessToken,
		Path:     "/",
		MaxAge:   int(h.cfg.TokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	log.Info().Str("component", "auth").Str("email", identity.Email).Msg("user logged in")
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CookieName,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	utils.RespondJSON(w, http.StatusOK, identity)
}

// handleWSToken mints a short-lived token for the first websocket frame,
// since the session cookie is not readable from scripts.
func (h *Handler) handleWSToken(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	token, err := h.tokens.Issue(identity, h.cfg.WSTokenTTL)
	if err != nil {
		log.Error().Err(err).Str("component", "auth").Msg("issue websocket token")
		utils.RespondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int(h.cfg.WSTokenTTL.Seconds()),
	})
}
