package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/messages"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var (
	// ErrRealtimeClosed indicates a publish on a connection that is not open.
	ErrRealtimeClosed = errors.New("chatclient: realtime connection closed")
	errAlreadyOpen    = errors.New("chatclient: realtime connection already open")
)

// Handlers receive realtime events while a connection is open. Nil handlers are skipped.
type Handlers struct {
	OnlineUsers  func(userIDs []string)
	NewMessage   func(record messages.Message)
	Error        func(payload realtime.ErrorPayload)
	Disconnected func(err error)
}

// Realtime is one websocket connection to the gateway. Handlers are attached when the
// connection opens and released when it closes.
type Realtime struct {
	endpoint string
	dialer   *websocket.Dialer
	logger   *zap.Logger

	mu         sync.Mutex
	ws         *websocket.Conn
	connecting bool
	handlers   *Handlers
	done       chan struct{}
}

// NewRealtime builds a realtime client for the server at baseURL.
func NewRealtime(baseURL *url.URL, logger *zap.Logger) *Realtime {
	endpoint := *baseURL
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.Path = "/socket"
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Realtime{
		endpoint: endpoint.String(),
		dialer:   websocket.DefaultDialer,
		logger:   logger,
	}
}

// Connect dials the gateway with token and starts delivering events to handlers.
// Only one connection may be open or in progress at a time.
func (r *Realtime) Connect(ctx context.Context, token string, handlers Handlers) error {
	r.mu.Lock()
	if r.ws != nil || r.connecting {
		r.mu.Unlock()
		return errAlreadyOpen
	}
	r.connecting = true
	r.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, response, err := r.dialer.DialContext(ctx, r.endpoint, header)
	if err != nil {
		r.mu.Lock()
		r.connecting = false
		r.mu.Unlock()
		if response != nil {
			return &APIError{Status: response.StatusCode, Code: "realtime.handshake_failed", Message: err.Error()}
		}
		return err
	}

	r.mu.Lock()
	r.connecting = false
	r.ws = ws
	r.handlers = &handlers
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go r.readLoop(ws, &handlers, done)
	return nil
}

// Publish pushes a canonical record to its receiver through the gateway.
func (r *Realtime) Publish(record messages.Message) error {
	frame, err := realtime.Encode(realtime.EventSendMessage, record)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ws == nil {
		return ErrRealtimeClosed
	}
	_ = r.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return r.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close releases the handlers and closes the connection.
func (r *Realtime) Close() error {
	r.mu.Lock()
	ws := r.ws
	done := r.done
	r.ws = nil
	r.handlers = nil
	r.mu.Unlock()
	if ws == nil {
		return nil
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	err := ws.Close()
	<-done
	return err
}

// Done is closed when the current connection's read loop has exited.
func (r *Realtime) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Realtime) readLoop(ws *websocket.Conn, handlers *Handlers, done chan struct{}) {
	defer close(done)
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			active := r.release(ws, handlers)
			if active && handlers.Disconnected != nil {
				handlers.Disconnected(err)
			}
			return
		}
		if !r.attached(handlers) {
			return
		}
		r.dispatch(frame, handlers)
	}
}

func (r *Realtime) dispatch(frame []byte, handlers *Handlers) {
	envelope, err := realtime.DecodeEnvelope(frame)
	if err != nil {
		r.logger.Warn("realtime frame ignored", zap.Error(err))
		return
	}
	switch envelope.Type {
	case realtime.EventOnlineUsers:
		var online []string
		if err := json.Unmarshal(envelope.Data, &online); err != nil {
			r.logger.Warn("presence payload ignored", zap.Error(err))
			return
		}
		if handlers.OnlineUsers != nil {
			handlers.OnlineUsers(online)
		}
	case realtime.EventNewMessage:
		var record messages.Message
		if err := json.Unmarshal(envelope.Data, &record); err != nil {
			r.logger.Warn("message payload ignored", zap.Error(err))
			return
		}
		if handlers.NewMessage != nil {
			handlers.NewMessage(record)
		}
	case realtime.EventError:
		var payload realtime.ErrorPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return
		}
		if handlers.Error != nil {
			handlers.Error(payload)
		}
	default:
		r.logger.Debug("unknown realtime event", zap.String("type", string(envelope.Type)))
	}
}

func (r *Realtime) attached(handlers *Handlers) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers == handlers
}

// release detaches ws when it is still the current connection and reports whether it was.
func (r *Realtime) release(ws *websocket.Conn, handlers *Handlers) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ws != ws || r.handlers != handlers {
		return false
	}
	r.ws = nil
	r.handlers = nil
	_ = ws.Close()
	return true
}
