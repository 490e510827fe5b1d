// Package chatclient talks to a duet server over REST and the realtime socket.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/messages"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/users"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

var (
	// ErrNotAuthenticated indicates a call that needs a session before login or signup.
	ErrNotAuthenticated = errors.New("chatclient: not authenticated")
	errMissingBaseURL   = errors.New("chatclient: base url is required")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatclient: %d %s: %s", e.Status, e.Code, e.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Session is the identity established by signup or login.
type Session struct {
	User      users.User `json:"user"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// SendRequest is the body of a message submission.
type SendRequest struct {
	Text   string `json:"text,omitempty"`
	Image  string `json:"image,omitempty"`
	TempID string `json:"tempId,omitempty"`
}

// SentMessage is the canonical record returned by a submission with the echoed correlation token.
type SentMessage struct {
	messages.Message
	TempID string `json:"tempId,omitempty"`
}

// Client wraps the REST surface. The session cookie is kept in a cookie jar.
type Client struct {
	rest    *resty.Client
	baseURL *url.URL
	logger  *zap.Logger

	mu      sync.RWMutex
	session Session
}

// NewClient constructs a REST client for baseURL.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("chatclient: parse base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var rest *resty.Client
	if cfg.HTTPClient != nil {
		rest = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rest = resty.New().SetTimeout(defaultTimeout)
	}
	rest.SetBaseURL(raw).
		SetCookieJar(jar).
		SetHeader("Accept", "application/json")

	return &Client{rest: rest, baseURL: baseURL, logger: logger}, nil
}

// BaseURL returns the server address.
func (c *Client) BaseURL() *url.URL {
	copied := *c.baseURL
	return &copied
}

// Current returns the active session, if any.
func (c *Client) Current() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, c.session.Token != ""
}

// Signup creates an account and starts a session.
func (c *Client) Signup(ctx context.Context, fullName, email, password string) (Session, error) {
	return c.startSession(ctx, "/api/auth/signup", map[string]string{
		"fullName": fullName,
		"email":    email,
		"password": password,
	})
}

// Login starts a session for an existing account.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	return c.startSession(ctx, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

// Logout ends the session on the server and forgets it locally.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	c.mu.Lock()
	c.session = Session{}
	c.mu.Unlock()
	return err
}

// Contacts lists every other user.
func (c *Client) Contacts(ctx context.Context) ([]users.User, error) {
	var contacts []users.User
	_, err := c.call(ctx, http.MethodGet, "/api/messages/contacts", nil, &contacts)
	return contacts, err
}

// Chats lists users with at least one exchanged message, most recent first.
func (c *Client) Chats(ctx context.Context) ([]users.User, error) {
	var partners []users.User
	_, err := c.call(ctx, http.MethodGet, "/api/messages/chats", nil, &partners)
	return partners, err
}

// History fetches the conversation with userID, oldest first.
func (c *Client) History(ctx context.Context, userID string) ([]messages.Message, error) {
	var history []messages.Message
	_, err := c.call(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(userID), nil, &history)
	return history, err
}

// Send submits a message to receiverID.
func (c *Client) Send(ctx context.Context, receiverID string, request SendRequest) (SentMessage, error) {
	var sent SentMessage
	_, err := c.call(ctx, http.MethodPost, "/api/messages/send/"+url.PathEscape(receiverID), request, &sent)
	return sent, err
}

func (c *Client) startSession(ctx context.Context, path string, body map[string]string) (Session, error) {
	var session Session
	if _, err := c.call(ctx, http.MethodPost, path, body, &session); err != nil {
		return Session{}, err
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.logger.Debug("session started", zap.String("user_id", session.User.ID))
	return session, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, result any) (*resty.Response, error) {
	failure := &APIError{}
	request := c.rest.R().SetContext(ctx).SetError(failure)
	if body != nil {
		request.SetBody(body)
	}
	if result != nil {
		request.SetResult(result)
	}
	response, err := request.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("chatclient: %s %s: %w", method, path, err)
	}
	if response.IsError() {
		failure.Status = response.StatusCode()
		if failure.Status == http.StatusUnauthorized && failure.Code == "auth.unauthorized" {
			return response, errors.Join(ErrNotAuthenticated, failure)
		}
		return response, failure
	}
	return response, nil
}
