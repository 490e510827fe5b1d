package chatclient

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/conversation"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/messages"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/realtime"
	"go.uber.org/zap"
)

var errMissingClient = errors.New("chatclient: client is required")

// Events are optional callbacks raised by a ChatSession.
type Events struct {
	Changed     func()
	Failed      func(conversation.Failure)
	OnlineUsers func([]string)
}

// ChatSession ties the REST client, the realtime connection and a conversation engine together.
type ChatSession struct {
	client   *Client
	realtime *Realtime
	engine   *conversation.Engine
	events   Events
	logger   *zap.Logger

	mu     sync.RWMutex
	online map[string]struct{}
}

// SessionConfig configures a ChatSession.
type SessionConfig struct {
	Client *Client
	Events Events
	Logger *zap.Logger
	// NewTempID overrides correlation token generation.
	NewTempID func() string
}

// OpenSession connects the realtime channel for the client's current session.
func OpenSession(ctx context.Context, cfg SessionConfig) (*ChatSession, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	current, ok := cfg.Client.Current()
	if !ok {
		return nil, ErrNotAuthenticated
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	session := &ChatSession{
		client:   cfg.Client,
		realtime: NewRealtime(cfg.Client.BaseURL(), logger),
		events:   cfg.Events,
		logger:   logger,
		online:   make(map[string]struct{}),
	}
	engine, err := conversation.NewEngine(conversation.Config{
		SelfID:    current.User.ID,
		NewTempID: cfg.NewTempID,
		OnFailure: session.handleFailure,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	session.engine = engine

	if err := session.realtime.Connect(ctx, current.Token, realtimeHandlers(session)); err != nil {
		return nil, err
	}
	return session, nil
}

func realtimeHandlers(s *ChatSession) Handlers {
	return Handlers{
		OnlineUsers: s.handleOnline,
		NewMessage:  s.handleRemote,
		Error: func(payload realtime.ErrorPayload) {
			s.logger.Warn("gateway rejected event", zap.String("code", payload.Code), zap.String("message", payload.Message))
		},
		Disconnected: func(err error) {
			s.logger.Info("realtime disconnected", zap.Error(err))
		},
	}
}

// Select switches the view to counterpartID and loads its history.
func (s *ChatSession) Select(ctx context.Context, counterpartID string) error {
	history, err := s.client.History(ctx, counterpartID)
	if err != nil {
		return err
	}
	s.engine.SelectCounterpart(counterpartID, history)
	s.changed()
	return nil
}

// Send runs the optimistic send: a pending entry appears immediately, the submission is posted,
// and the canonical record replaces the entry and is pushed to the receiver over the realtime channel.
func (s *ChatSession) Send(ctx context.Context, draft conversation.Draft) (messages.Message, error) {
	outgoing, err := s.engine.SendStart(draft)
	if err != nil {
		return messages.Message{}, err
	}
	tempID := outgoing.TempID
	s.changed()

	sent, err := s.client.Send(ctx, outgoing.ReceiverID, SendRequest{Text: draft.Text, Image: draft.Image, TempID: tempID})
	if err != nil {
		s.engine.SendFailed(tempID, err)
		s.changed()
		return messages.Message{}, err
	}
	if sent.TempID != "" && sent.TempID != tempID {
		s.logger.Warn("server echoed a different temp id", zap.String("temp_id", tempID), zap.String("echoed", sent.TempID))
	}
	s.engine.Reconcile(sent.Message, tempID)
	s.changed()

	if err := s.realtime.Publish(sent.Message); err != nil {
		s.logger.Warn("realtime publish failed", zap.String("message_id", sent.ID), zap.Error(err))
	}
	return sent.Message, nil
}

// Messages returns the current conversation view.
func (s *ChatSession) Messages() []conversation.Entry {
	return s.engine.Messages()
}

// Counterpart returns the selected counterpart.
func (s *ChatSession) Counterpart() string {
	return s.engine.Counterpart()
}

// Online returns the last presence snapshot, sorted.
func (s *ChatSession) Online() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	online := make([]string, 0, len(s.online))
	for userID := range s.online {
		online = append(online, userID)
	}
	sort.Strings(online)
	return online
}

// IsOnline reports whether userID was present in the last snapshot.
func (s *ChatSession) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[userID]
	return ok
}

// Close tears down the realtime channel.
func (s *ChatSession) Close() error {
	return s.realtime.Close()
}

func (s *ChatSession) handleOnline(userIDs []string) {
	online := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		online[userID] = struct{}{}
	}
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
	if s.events.OnlineUsers != nil {
		s.events.OnlineUsers(userIDs)
	}
}

func (s *ChatSession) handleRemote(record messages.Message) {
	if s.engine.ReceiveRemote(record) {
		s.changed()
	}
}

func (s *ChatSession) handleFailure(failure conversation.Failure) {
	if s.events.Failed != nil {
		s.events.Failed(failure)
	}
}

func (s *ChatSession) changed() {
	if s.events.Changed != nil {
		s.events.Changed()
	}
}
