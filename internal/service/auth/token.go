package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/drakyn/agent/backend/internal/model/user"
)

var (
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrNotAllowed   = errors.New("identity is not allowed")
)

// Claims is the JWT payload issued after a successful login.
type Claims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256 bearer tokens for the allow-listed identity.
type TokenService struct {
	secret       []byte
	allowedEmail string
	now          func() time.Time
}

// NewTokenService returns a TokenService. An empty allowedEmail admits any
// identity holding a validly signed token.
func NewTokenService(secret, allowedEmail string) *TokenService {
	return &TokenService{
		secret:       []byte(secret),
		allowedEmail: strings.TrimSpace(allowedEmail),
		now:          time.Now,
	}
}

// Allowed reports whether email passes the allow-list.
func (s *TokenService) Allowed(email string) bool {
	if email == "" {
		return false
	}
	return s.allowedEmail == "" || strings.EqualFold(s.allowedEmail, email)
}

// Issue signs a token for identity that expires after ttl.
func (s *TokenService) Issue(identity user.Identity, ttl time.Duration) (string, error) {
	if identity.Email == "" {
		return "", errors.New("identity email is required")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}

	now := s.now()
	claims := Claims{
		Email: identity.Email,
		Name:  identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// Validate checks signature, expiry and the allow-list.
func (s *TokenService) Validate(_ context.Context, token string) (user.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return user.Identity{}, ErrInvalidToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return user.Identity{}, errors.Wrap(ErrInvalidToken, err.Error())
	}

	if claims.Email == "" {
		return user.Identity{}, ErrInvalidToken
	}
	if !s.Allowed(claims.Email) {
		return user.Identity{}, ErrNotAllowed
	}

	return user.Identity{Email: claims.Email, Name: claims.Name}, nil
}
