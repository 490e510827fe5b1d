package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 65536
)

var (
	errMissingGateway       = errors.New("realtime: gateway is required")
	errMissingAuthenticator = errors.New("realtime: authenticator is required")
)

// Authenticator resolves a handshake request to a user id.
type Authenticator interface {
	AuthenticateRequest(r *http.Request) (string, error)
}

// HandlerConfig configures the websocket endpoint.
type HandlerConfig struct {
	Gateway       *Gateway
	Authenticator Authenticator
	CheckOrigin   func(r *http.Request) bool
	Logger        *zap.Logger
}

// Handler upgrades authenticated requests to websocket connections attached to the gateway.
type Handler struct {
	gateway       *Gateway
	authenticator Authenticator
	upgrader      websocket.Upgrader
	logger        *zap.Logger
}

// NewHandler constructs the websocket endpoint.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if cfg.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		gateway:       cfg.Gateway,
		authenticator: cfg.Authenticator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}, nil
}

// ServeHTTP authenticates the handshake, upgrades, and pumps frames until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticator.AuthenticateRequest(r)
	if err != nil {
		metrics.HandshakeFailures.Inc()
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("realtime handshake rejected: expired credential", zap.Error(err))
		} else {
			h.logger.Warn("realtime handshake rejected", zap.Error(err))
		}
		writeUnauthorized(w)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	conn, err := h.gateway.Connect(r.Context(), userID)
	if err != nil {
		h.logger.Warn("gateway refused connection", zap.String("user_id", userID), zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	go h.writePump(ws, conn)
	h.readPump(r.Context(), ws, conn)
}

func (h *Handler) readPump(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	defer func() {
		h.gateway.Disconnect(conn)
		_ = ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read failed", zap.String("user_id", conn.UserID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := h.gateway.Dispatch(ctx, conn, frame); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame, ok := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "realtime.unauthorized",
		"message": "a valid session is required",
	})
}
