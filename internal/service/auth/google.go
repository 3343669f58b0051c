package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/drakyn/agent/backend/internal/model/user"
)

const googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// GoogleOAuth runs the authorization-code flow against Google.
type GoogleOAuth struct {
	cfg         *oauth2.Config
	userInfoURL string
}

// GoogleOption customises GoogleOAuth.
type GoogleOption func(*GoogleOAuth)

// WithEndpoints overrides the provider endpoints.
func WithEndpoints(endpoint oauth2.Endpoint, userInfoURL string) GoogleOption {
	return func(g *GoogleOAuth) {
		g.cfg.Endpoint = endpoint
		g.userInfoURL = userInfoURL
	}
}

func NewGoogleOAuth(clientID, clientSecret, redirectURL string, opts ...GoogleOption) *GoogleOAuth {
	g := &GoogleOAuth{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		userInfoURL: googleUserInfoURL,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AuthCodeURL is the consent page the browser is redirected to.
func (g *GoogleOAuth) AuthCodeURL(state string) string {
	return g.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

type userInfo struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// Exchange trades the callback code for a token and resolves the user's identity.
func (g *GoogleOAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, user.Identity, error) {
	if code == "" {
		return nil, user.Identity{}, errors.New("missing authorization code")
	}

	token, err := g.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, user.Identity{}, errors.Wrap(err, "exchange code")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return nil, user.Identity{}, errors.Wrap(err, "build userinfo request")
	}
	resp, err := g.cfg.Client(ctx, token).Do(req)
	if err != nil {
		return nil, user.Identity{}, errors.Wrap(err, "fetch userinfo")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, user.Identity{}, errors.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	var info userInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, user.Identity{}, errors.Wrap(err, "decode userinfo")
	}
	if info.Email == "" || !info.EmailVerified {
		return nil, user.Identity{}, errors.New("userinfo has no verified email")
	}

	return token, user.Identity{Email: info.Email, Name: info.Name}, nil
}

// NewState returns a random value for the OAuth state parameter.
func NewState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generate state")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
