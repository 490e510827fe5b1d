package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/messages"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type sendRequestPayload struct {
	Text   string `json:"text"`
	Image  string `json:"image"`
	TempID string `json:"tempId"`
}

type sendResponsePayload struct {
	messages.Message
	TempID string `json:"tempId,omitempty"`
}

func (h *httpHandler) handleContacts(c *gin.Context) {
	contacts, err := h.users.ListContacts(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.logger.Error("failed to list contacts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("messages.contacts.internal", "internal server error"))
		return
	}
	c.JSON(http.StatusOK, contacts)
}

func (h *httpHandler) handleChats(c *gin.Context) {
	ctx := c.Request.Context()
	partnerIDs, err := h.messages.ChatPartnerIDs(ctx, c.GetString(userIDContextKey))
	if err != nil {
		h.writeMessageError(c, err)
		return
	}
	partners, err := h.users.FindByIDs(ctx, partnerIDs)
	if err != nil {
		h.logger.Error("failed to load chat partners", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("messages.chats.internal", "internal server error"))
		return
	}
	c.JSON(http.StatusOK, partners)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	history, err := h.messages.History(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.writeMessageError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (h *httpHandler) handleSend(c *gin.Context) {
	var request sendRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("messages.submit.invalid_request", "request body must be JSON"))
		return
	}

	message, err := h.messages.Submit(c.Request.Context(), messages.Submission{
		SenderID:   c.GetString(userIDContextKey),
		ReceiverID: c.Param("id"),
		Text:       request.Text,
		Image:      request.Image,
	})
	if err != nil {
		metrics.MessagesSubmitted.WithLabelValues(submissionResult(err)).Inc()
		h.writeMessageError(c, err)
		return
	}
	metrics.MessagesSubmitted.WithLabelValues("stored").Inc()
	c.JSON(http.StatusCreated, sendResponsePayload{Message: message, TempID: request.TempID})
}

func (h *httpHandler) writeMessageError(c *gin.Context, err error) {
	code := "messages.internal"
	var serviceErr *messages.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	switch {
	case errors.Is(err, messages.ErrValidation):
		c.JSON(http.StatusBadRequest, errorBody(code, validationMessage(err)))
	case errors.Is(err, messages.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody(code, "receiver not found"))
	case errors.Is(err, messages.ErrUpload):
		c.JSON(http.StatusBadGateway, errorBody(code, "image upload failed"))
	default:
		h.logger.Error("message operation failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody(code, "internal server error"))
	}
}

func (h *httpHandler) rateLimit(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := h.limiter.Allow(c.Request.Context(), action, c.GetString(userIDContextKey))
		if err != nil {
			h.logger.Warn("rate limiter unavailable, allowing request", zap.String("action", action), zap.Error(err))
			c.Next()
			return
		}
		if !decision.Allowed {
			metrics.RateLimitHits.WithLabelValues(action).Inc()
			c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody("ratelimit."+action, "too many requests"))
			return
		}
		c.Next()
	}
}

func submissionResult(err error) string {
	switch {
	case errors.Is(err, messages.ErrValidation):
		return "invalid"
	case errors.Is(err, messages.ErrNotFound):
		return "unknown_receiver"
	case errors.Is(err, messages.ErrUpload):
		return "upload_failed"
	default:
		return "persistence_failed"
	}
}

// validationMessage returns the human readable cause behind a validation error.
func validationMessage(err error) string {
	var serviceErr *messages.ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Cause() != nil {
		return serviceErr.Cause().Error()
	}
	return err.Error()
}
