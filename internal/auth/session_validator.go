package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	bearerPrefix     = "Bearer "
	tokenQueryParam  = "token"
	defaultCookieKey = "jwt"
)

var (
	ErrMissingTokenValidator = errors.New("session validator: token validator required")
	ErrMissingSessionToken   = errors.New("session validator: token required")
)

// TokenValidator resolves a raw session token to the user id it was issued for.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// SessionValidatorConfig describes where session tokens are read from.
type SessionValidatorConfig struct {
	Tokens     TokenValidator
	CookieName string
}

// SessionValidator authenticates HTTP requests and realtime handshakes.
// The token is read from the session cookie, an Authorization bearer header,
// or the token query parameter, in that order.
type SessionValidator struct {
	tokens     TokenValidator
	cookieName string
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if cfg.Tokens == nil {
		return nil, ErrMissingTokenValidator
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = defaultCookieKey
	}
	return &SessionValidator{
		tokens:     cfg.Tokens,
		cookieName: cookieName,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// AuthenticateRequest returns the user id bound to the request credential.
func (v *SessionValidator) AuthenticateRequest(r *http.Request) (string, error) {
	token := v.extractToken(r)
	if token == "" {
		return "", ErrMissingSessionToken
	}
	return v.tokens.ValidateToken(token)
}

func (v *SessionValidator) extractToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie != nil {
		if value := strings.TrimSpace(cookie.Value); value != "" {
			return value
		}
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		if value := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
}
