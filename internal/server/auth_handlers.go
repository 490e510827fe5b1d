package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type signupRequestPayload struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type updateProfilePayload struct {
	ProfilePic string `json:"profilePic"`
}

type sessionResponsePayload struct {
	User      users.User `json:"user"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

func (h *httpHandler) handleSignup(c *gin.Context) {
	var request signupRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("auth.invalid_request", "request body must be JSON"))
		return
	}

	user, err := h.users.Signup(c.Request.Context(), users.SignupRequest{
		FullName: request.FullName,
		Email:    request.Email,
		Password: request.Password,
	})
	if err != nil {
		h.writeAccountError(c, "auth.signup", err)
		return
	}
	metrics.UsersRegistered.Inc()
	h.startSession(c, http.StatusCreated, user)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("auth.invalid_request", "request body must be JSON"))
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.writeAccountError(c, "auth.login", err)
		return
	}
	h.startSession(c, http.StatusOK, user)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.setSessionCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (h *httpHandler) handleCheck(c *gin.Context) {
	user, err := h.users.FindByID(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeAccountError(c, "auth.check", err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request updateProfilePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("auth.invalid_request", "request body must be JSON"))
		return
	}
	user, err := h.users.UpdateProfilePicture(c.Request.Context(), c.GetString(userIDContextKey), request.ProfilePic)
	if err != nil {
		h.writeAccountError(c, "auth.update_profile", err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *httpHandler) startSession(c *gin.Context, status int, user users.User) {
	token, expiresAt, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("auth.token_issue_failed", "could not start session"))
		return
	}
	h.setSessionCookie(c, token, int(h.tokens.TTL().Seconds()))
	c.JSON(status, sessionResponsePayload{User: user, Token: token, ExpiresAt: expiresAt})
}

func (h *httpHandler) setSessionCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, value, maxAge, "/", "", h.secureCookie, true)
}

func (h *httpHandler) writeAccountError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, users.ErrInvalidSignup), errors.Is(err, users.ErrMissingProfilePicture):
		c.JSON(http.StatusBadRequest, errorBody(operation+".invalid_request", err.Error()))
	case errors.Is(err, users.ErrEmailTaken):
		c.JSON(http.StatusConflict, errorBody(operation+".email_taken", "email already exists"))
	case errors.Is(err, users.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, errorBody(operation+".invalid_credentials", "invalid email or password"))
	case errors.Is(err, users.ErrUserNotFound):
		c.JSON(http.StatusNotFound, errorBody(operation+".not_found", "user not found"))
	case errors.Is(err, users.ErrUploadFailed):
		h.logger.Warn("profile picture upload failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusBadGateway, errorBody(operation+".upload_failed", "image upload failed"))
	default:
		h.logger.Error("account operation failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody(operation+".internal", "internal server error"))
	}
}
