package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/messages"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "duet_user_id"
	defaultCookieName = "jwt"
)

var (
	errMissingSessions = errors.New("session authenticator dependency required")
	errMissingTokens   = errors.New("token issuer dependency required")
	errMissingUsers    = errors.New("user service dependency required")
	errMissingMessages = errors.New("message service dependency required")
)

// SessionAuthenticator resolves a request credential to a user id.
type SessionAuthenticator interface {
	AuthenticateRequest(r *http.Request) (string, error)
}

// TokenIssuer mints session tokens for authenticated users.
type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
	TTL() time.Duration
}

// AccountService is the user side of the persistence gateway.
type AccountService interface {
	Signup(ctx context.Context, request users.SignupRequest) (users.User, error)
	Authenticate(ctx context.Context, email, password string) (users.User, error)
	FindByID(ctx context.Context, userID string) (users.User, error)
	ListContacts(ctx context.Context, excludeID string) ([]users.User, error)
	FindByIDs(ctx context.Context, userIDs []string) ([]users.User, error)
	UpdateProfilePicture(ctx context.Context, userID, image string) (users.User, error)
}

// MessageService is the message submission pipeline and history store.
type MessageService interface {
	Submit(ctx context.Context, submission messages.Submission) (messages.Message, error)
	History(ctx context.Context, userID, partnerID string) ([]messages.Message, error)
	ChatPartnerIDs(ctx context.Context, userID string) ([]string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Sessions       SessionAuthenticator
	Tokens         TokenIssuer
	Users          AccountService
	Messages       MessageService
	Realtime       http.Handler
	Limiter        ratelimit.Limiter
	HealthCheck    func(ctx context.Context) error
	AllowedOrigins []string
	CookieName     string
	SecureCookie   bool
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the REST API, the realtime socket and operational routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Messages == nil {
		return nil, errMissingMessages
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	cookieName := deps.CookieName
	if cookieName == "" {
		cookieName = defaultCookieName
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:     deps.Sessions,
		tokens:       deps.Tokens,
		users:        deps.Users,
		messages:     deps.Messages,
		limiter:      limiter,
		healthCheck:  deps.HealthCheck,
		cookieName:   cookieName,
		secureCookie: deps.SecureCookie,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if deps.Realtime != nil {
		router.GET("/socket", gin.WrapH(deps.Realtime))
	}

	authRoutes := router.Group("/api/auth")
	authRoutes.POST("/signup", handler.handleSignup)
	authRoutes.POST("/login", handler.handleLogin)
	authRoutes.POST("/logout", handler.handleLogout)

	protectedAuth := authRoutes.Group("/")
	protectedAuth.Use(handler.authorizeRequest)
	protectedAuth.GET("/check", handler.handleCheck)
	protectedAuth.PUT("/update-profile", handler.handleUpdateProfile)

	messageRoutes := router.Group("/api/messages")
	messageRoutes.Use(handler.authorizeRequest)
	messageRoutes.GET("/contacts", handler.handleContacts)
	messageRoutes.GET("/chats", handler.handleChats)
	messageRoutes.GET("/:id", handler.handleHistory)
	messageRoutes.POST("/send/:id", handler.rateLimit("send"), handler.handleSend)

	return router, nil
}

type httpHandler struct {
	sessions     SessionAuthenticator
	tokens       TokenIssuer
	users        AccountService
	messages     MessageService
	limiter      ratelimit.Limiter
	healthCheck  func(ctx context.Context) error
	cookieName   string
	secureCookie bool
	logger       *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := origins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:5173"}
	}
	return cors.New(cors.Config{
		AllowOrigins:     allowed,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	subject, err := h.sessions.AuthenticateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("auth.unauthorized", "a valid session is required"))
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": code, "message": message}
}
