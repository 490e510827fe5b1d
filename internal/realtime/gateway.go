// Package realtime relays chat events between live connections and broadcasts presence.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/presence"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer    = 32
	defaultInboundBuffer = 256
)

var (
	// ErrGatewayStopped is returned once the gateway loop has exited.
	ErrGatewayStopped = errors.New("realtime: gateway stopped")
	// ErrMissingUserID indicates an attempt to attach an anonymous connection.
	ErrMissingUserID = errors.New("realtime: user id is required")
)

// GatewayConfig configures the realtime gateway.
type GatewayConfig struct {
	SendBuffer int
	Logger     *zap.Logger
}

// Conn is one authenticated duplex channel. The gateway loop is the only writer of its outbound queue.
type Conn struct {
	id     uint64
	userID string
	send   chan []byte
}

// UserID returns the identity attached to the connection.
func (c *Conn) UserID() string {
	return c.userID
}

// Outbound yields frames queued for the connection. It is closed when the gateway detaches the connection.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

type inboundEvent struct {
	conn  *Conn
	frame []byte
}

// Gateway serializes connect, disconnect and relay handling onto the goroutine running Run.
type Gateway struct {
	connect    chan *Conn
	disconnect chan *Conn
	inbound    chan inboundEvent
	queries    chan chan []string
	stopped    chan struct{}

	sendBuffer int
	nextID     atomic.Uint64
	logger     *zap.Logger

	// owned by Run
	registry *presence.Registry[*Conn]
	conns    map[*Conn]struct{}
}

// NewGateway constructs a gateway. Call Run to start processing.
func NewGateway(cfg GatewayConfig) *Gateway {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		connect:    make(chan *Conn),
		disconnect: make(chan *Conn),
		inbound:    make(chan inboundEvent, defaultInboundBuffer),
		queries:    make(chan chan []string),
		stopped:    make(chan struct{}),
		sendBuffer: sendBuffer,
		logger:     logger,
		registry:   presence.NewRegistry[*Conn](),
		conns:      make(map[*Conn]struct{}),
	}
}

// Run processes gateway events until ctx is cancelled. On exit every connection queue is closed.
func (g *Gateway) Run(ctx context.Context) {
	defer close(g.stopped)
	defer g.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-g.connect:
			g.handleConnect(conn)
		case conn := <-g.disconnect:
			g.handleDisconnect(conn)
		case event := <-g.inbound:
			g.handleInbound(event)
		case reply := <-g.queries:
			reply <- g.registry.Snapshot()
		}
	}
}

// Done is closed after Run has returned.
func (g *Gateway) Done() <-chan struct{} {
	return g.stopped
}

// Connect attaches an authenticated connection for userID and registers it as the user's live handle.
func (g *Gateway) Connect(ctx context.Context, userID string) (*Conn, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	conn := &Conn{
		id:     g.nextID.Add(1),
		userID: userID,
		send:   make(chan []byte, g.sendBuffer),
	}
	select {
	case g.connect <- conn:
		return conn, nil
	case <-g.stopped:
		return nil, ErrGatewayStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect detaches conn. It is safe to call more than once.
func (g *Gateway) Disconnect(conn *Conn) {
	if conn == nil {
		return
	}
	select {
	case g.disconnect <- conn:
	case <-g.stopped:
	}
}

// Dispatch hands a frame received on conn to the gateway loop.
func (g *Gateway) Dispatch(ctx context.Context, conn *Conn, frame []byte) error {
	select {
	case g.inbound <- inboundEvent{conn: conn, frame: frame}:
		return nil
	case <-g.stopped:
		return ErrGatewayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Online returns the current presence snapshot.
func (g *Gateway) Online(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	select {
	case g.queries <- reply:
	case <-g.stopped:
		return nil, ErrGatewayStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) handleConnect(conn *Conn) {
	g.conns[conn] = struct{}{}
	metrics.RealtimeConnections.Inc()
	if previous, replaced := g.registry.Register(conn.userID, conn); replaced {
		g.logger.Info("realtime connection superseded",
			zap.String("user_id", conn.userID),
			zap.Uint64("previous_conn", previous.id),
			zap.Uint64("conn", conn.id))
	}
	g.logger.Info("realtime connection registered",
		zap.String("user_id", conn.userID),
		zap.Uint64("conn", conn.id))
	g.broadcastPresence()
}

func (g *Gateway) handleDisconnect(conn *Conn) {
	if _, ok := g.conns[conn]; !ok {
		return
	}
	delete(g.conns, conn)
	close(conn.send)
	metrics.RealtimeConnections.Dec()
	g.logger.Info("realtime connection closed",
		zap.String("user_id", conn.userID),
		zap.Uint64("conn", conn.id))
	if g.registry.Unregister(conn.userID, conn) {
		g.broadcastPresence()
	}
}

func (g *Gateway) handleInbound(event inboundEvent) {
	conn := event.conn
	if _, ok := g.conns[conn]; !ok {
		return
	}
	envelope, err := DecodeEnvelope(event.frame)
	if err != nil {
		g.rejectEvent(conn, "malformed_event", err)
		return
	}
	if envelope.Type != EventSendMessage {
		g.rejectEvent(conn, "unsupported_event", ErrUnsupportedEvent, zap.String("type", string(envelope.Type)))
		return
	}
	request, err := ParseRelayRequest(envelope.Data)
	if err != nil {
		g.rejectEvent(conn, "malformed_payload", err)
		return
	}
	if request.SenderID != "" && request.SenderID != conn.userID {
		g.rejectEvent(conn, "sender_mismatch", errors.New("realtime: senderId does not match connection identity"),
			zap.String("claimed_sender", request.SenderID))
		return
	}
	if request.SenderID == "" {
		data, err := WithSender(envelope.Data, conn.userID)
		if err != nil {
			g.rejectEvent(conn, "malformed_payload", err)
			return
		}
		envelope.Data = data
	}
	g.relay(conn, request.ReceiverID, envelope)
}

func (g *Gateway) relay(from *Conn, receiverID string, envelope Envelope) {
	if receiverID == from.userID {
		metrics.RelayOutcomes.WithLabelValues(metrics.RelayRejected).Inc()
		g.logger.Debug("relay to self ignored", zap.String("user_id", from.userID))
		return
	}
	target, ok := g.registry.Lookup(receiverID)
	if !ok {
		metrics.RelayOutcomes.WithLabelValues(metrics.RelayOffline).Inc()
		g.logger.Debug("relay receiver offline",
			zap.String("sender_id", from.userID),
			zap.String("receiver_id", receiverID))
		return
	}
	frame, err := encodeRaw(EventNewMessage, envelope.Data)
	if err != nil {
		g.logger.Warn("relay encode failed", zap.Error(err))
		return
	}
	if g.enqueue(target, frame) {
		metrics.RelayOutcomes.WithLabelValues(metrics.RelayDelivered).Inc()
	}
}

func (g *Gateway) broadcastPresence() {
	metrics.OnlineUsers.Set(float64(g.registry.Len()))
	frame, err := Encode(EventOnlineUsers, g.registry.Snapshot())
	if err != nil {
		g.logger.Warn("presence encode failed", zap.Error(err))
		return
	}
	for _, conn := range g.registry.Handles() {
		g.enqueue(conn, frame)
	}
}

// enqueue never blocks the loop; a full queue drops the frame for that connection.
func (g *Gateway) enqueue(conn *Conn, frame []byte) bool {
	select {
	case conn.send <- frame:
		return true
	default:
		metrics.RelayOutcomes.WithLabelValues(metrics.RelayDropped).Inc()
		g.logger.Warn("realtime queue full, frame dropped",
			zap.String("user_id", conn.userID),
			zap.Uint64("conn", conn.id))
		return false
	}
}

func (g *Gateway) rejectEvent(conn *Conn, code string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("user_id", conn.userID),
		zap.Uint64("conn", conn.id),
		zap.String("reason", code),
		zap.Error(err),
	}
	g.logger.Warn("realtime event ignored", append(attrs, fields...)...)
	metrics.RelayOutcomes.WithLabelValues(metrics.RelayRejected).Inc()
	frame, encodeErr := Encode(EventError, ErrorPayload{Code: code, Message: err.Error()})
	if encodeErr != nil {
		return
	}
	g.enqueue(conn, frame)
}

func (g *Gateway) shutdown() {
	for conn := range g.conns {
		close(conn.send)
		delete(g.conns, conn)
		g.registry.Unregister(conn.userID, conn)
		metrics.RealtimeConnections.Dec()
	}
	metrics.OnlineUsers.Set(0)
	g.logger.Info("realtime gateway stopped")
}

func encodeRaw(eventType EventType, data []byte) ([]byte, error) {
	return json.Marshal(Envelope{Type: eventType, Data: data})
}
