package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const (
	testSessionCookieName = "jwt"
	testSessionUserID     = "user-123"
)

func newTestSessionValidator(t *testing.T) (*SessionValidator, *TokenIssuer) {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "duet-auth",
		Audience:      "duet-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		Tokens:     issuer,
		CookieName: testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator, issuer
}

func TestSessionValidatorRequiresTokenValidator(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{}); !errors.Is(err, ErrMissingTokenValidator) {
		t.Fatalf("expected missing validator error, got %v", err)
	}
}

func TestSessionValidatorReadsCookie(t *testing.T) {
	validator, issuer := newTestSessionValidator(t)
	token, _, err := issuer.Issue(testSessionUserID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/api/messages/contacts", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: token})

	userID, err := validator.AuthenticateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if userID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestSessionValidatorReadsBearerHeaderAndQuery(t *testing.T) {
	validator, issuer := newTestSessionValidator(t)
	token, _, err := issuer.Issue(testSessionUserID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	headerRequest := httptest.NewRequest(http.MethodGet, "/socket", http.NoBody)
	headerRequest.Header.Set("Authorization", "Bearer "+token)
	if userID, err := validator.AuthenticateRequest(headerRequest); err != nil || userID != testSessionUserID {
		t.Fatalf("expected bearer header to authenticate, got %q %v", userID, err)
	}

	queryRequest := httptest.NewRequest(http.MethodGet, "/socket?token="+token, http.NoBody)
	if userID, err := validator.AuthenticateRequest(queryRequest); err != nil || userID != testSessionUserID {
		t.Fatalf("expected query token to authenticate, got %q %v", userID, err)
	}
}

func TestSessionValidatorRejectsMissingCredential(t *testing.T) {
	validator, _ := newTestSessionValidator(t)
	request := httptest.NewRequest(http.MethodGet, "/socket", http.NoBody)
	if _, err := validator.AuthenticateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestPasswordHasherRoundTrip(t *testing.T) {
	hasher := NewPasswordHasher(4)
	hash, err := hasher.Hash("correct horse")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if err := hasher.Compare(hash, "correct horse"); err != nil {
		t.Fatalf("expected password to match: %v", err)
	}
	if err := hasher.Compare(hash, "battery staple"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected mismatch error, got %v", err)
	}
}
