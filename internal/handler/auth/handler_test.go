package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/drakyn/agent/backend/internal/config"
	"github.com/drakyn/agent/backend/internal/middleware"
	"github.com/drakyn/agent/backend/internal/model/user"
	authservice "github.com/drakyn/agent/backend/internal/service/auth"
)

type stubOAuth struct {
	identity user.Identity
}

func (s stubOAuth) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(state)
}

func (s stubOAuth) Exchange(_ context.Context, code string) (*oauth2.Token, user.Identity, error) {
	if code != "good-code" {
		return nil, user.Identity{}, errors.New("invalid_grant")
	}
	return &oauth2.Token{AccessToken: "upstream", RefreshToken: "refresh", TokenType: "Bearer"}, s.identity, nil
}

type recordingStore struct {
	saved map[string]user.OAuthToken
}

func (r *recordingStore) SaveOAuthToken(_ context.Context, email string, token user.OAuthToken) error {
	r.saved[email] = token
	return nil
}

type fixture struct {
	router *chi.Mux
	tokens *authservice.TokenService
	store  *recordingStore
}

func newFixture(oauth OAuthClient) *fixture {
	tokens := authservice.NewTokenService("test-secret", "me@example.com")
	store := &recordingStore{saved: make(map[string]user.OAuthToken)}
	cfg := config.AuthConfig{TokenTTL: time.Hour, WSTokenTTL: time.Minute, CookieSecure: true}
	h := New(oauth, tokens, store, cfg)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.RequireAuth(tokens))
		h.RegisterAPIRoutes(api)
	})
	return &fixture{router: r, tokens: tokens, store: store}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

func findCookie(resp *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range resp.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func loginState(t *testing.T, f *fixture) *http.Cookie {
	t.Helper()
	resp := f.do(httptest.NewRequest(http.MethodGet, "/login", nil))
	require.Equal(t, http.StatusFound, resp.Code)
	state := findCookie(resp, stateCookie)
	require.NotNil(t, state)
	require.Contains(t, resp.Header().Get("Location"), url.QueryEscape(state.Value))
	return state
}

func callback(f *fixture, state *http.Cookie, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?"+query, nil)
	if state != nil {
		req.AddCookie(state)
	}
	return f.do(req)
}

func TestCallbackSetsSessionCookie(t *testing.T) {
	f := newFixture(stubOAuth{identity: user.Identity{Email: "me@example.com", Name: "Me"}})
	state := loginState(t, f)

	resp := callback(f, state, "code=good-code&state="+url.QueryEscape(state.Value))
	require.Equal(t, http.StatusFound, resp.Code)
	require.Equal(t, "/", resp.Header().Get("Location"))

	cookie := findCookie(resp, middleware.CookieName)
	require.NotNil(t, cookie)
	require.True(t, cookie.HttpOnly)
	require.True(t, cookie.Secure)
	require.Equal(t, 3600, cookie.MaxAge)

	identity, err := f.tokens.Validate(context.Background(), cookie.Value)
	require.NoError(t, err)
	require.Equal(t, "me@example.com", identity.Email)

	saved, ok := f.store.saved["me@example.com"]
	require.True(t, ok)
	require.Equal(t, "upstream", saved.AccessToken)
	require.Equal(t, "refresh", saved.RefreshToken)
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	f := newFixture(stubOAuth{identity: user.Identity{Email: "me@example.com"}})
	state := loginState(t, f)

	resp := callback(f, state, "code=good-code&state=forged")
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = callback(f, nil, "code=good-code&state="+url.QueryEscape(state.Value))
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Empty(t, f.store.saved)
}

func TestCallbackRejectsBadCode(t *testing.T) {
	f := newFixture(stubOAuth{identity: user.Identity{Email: "me@example.com"}})
	state := loginState(t, f)

	resp := callback(f, state, "code=bad&state="+url.QueryEscape(state.Value))
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Nil(t, findCookie(resp, middleware.CookieName))
}

func TestCallbackDeniesOtherAccounts(t *testing.T) {
	f := newFixture(stubOAuth{identity: user.Identity{Email: "intruder@example.com"}})
	state := loginState(t, f)

	resp := callback(f, state, "code=good-code&state="+url.QueryEscape(state.Value))
	require.Equal(t, http.StatusForbidden, resp.Code)
	require.Nil(t, findCookie(resp, middleware.CookieName))
	require.Empty(t, f.store.saved)
}

func TestLoginWithoutOAuthConfigured(t *testing.T) {
	f := newFixture(nil)
	resp := f.do(httptest.NewRequest(http.MethodGet, "/login", nil))
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestLogoutClearsCookie(t *testing.T) {
	f := newFixture(nil)
	resp := f.do(httptest.NewRequest(http.MethodGet, "/logout", nil))
	require.Equal(t, http.StatusFound, resp.Code)

	cookie := findCookie(resp, middleware.CookieName)
	require.NotNil(t, cookie)
	require.Empty(t, cookie.Value)
	require.Negative(t, cookie.MaxAge)
}

func TestAPIRoutesRequireAuthentication(t *testing.T) {
	f := newFixture(nil)

	resp := f.do(httptest.NewRequest(http.MethodGet, "/api/me", nil))
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	require.Equal(t, http.StatusUnauthorized, f.do(req).Code)
}

func TestMeAndWSToken(t *testing.T) {
	f := newFixture(nil)
	token, err := f.tokens.Issue(user.Identity{Email: "me@example.com", Name: "Me"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: middleware.CookieName, Value: token})
	resp := f.do(req)
	require.Equal(t, http.StatusOK, resp.Code)

	var me user.Identity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	require.Equal(t, "me@example.com", me.Email)
	require.Equal(t, "Me", me.Name)

	req = httptest.NewRequest(http.MethodGet, "/api/ws-token", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = f.do(req)
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expiresIn"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 60, body.ExpiresIn)

	identity, err := f.tokens.Validate(context.Background(), body.Token)
	require.NoError(t, err)
	require.Equal(t, "me@example.com", identity.Email)
}
