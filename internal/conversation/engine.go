// Package conversation keeps the client-side view of the active conversation and reconciles
// optimistic sends with canonical records.
package conversation

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/messages"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const tempIDPrefix = "temp-"

var (
	// ErrNoCounterpart indicates a send before any conversation was selected.
	ErrNoCounterpart = errors.New("conversation: no counterpart selected")
	// ErrEmptyDraft indicates a send with neither text nor image.
	ErrEmptyDraft = errors.New("conversation: message must contain text or an image")
	// ErrMissingSelf indicates an engine constructed without the local user id.
	ErrMissingSelf = errors.New("conversation: local user id is required")
)

// State is the lifecycle position of one view entry.
type State int

const (
	// StatePending marks an optimistic entry awaiting its canonical record.
	StatePending State = iota
	// StateConfirmed marks a canonical record.
	StateConfirmed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Draft is what the local user typed before submission.
type Draft struct {
	Text  string
	Image string
}

// Entry is one row of the conversation view. Pending entries carry TempID and a provisional timestamp;
// confirmed entries carry the canonical record.
type Entry struct {
	State   State
	TempID  string
	Message messages.Message
	Image   string
}

// Failure describes a send that will not be confirmed. Draft is kept for a manual resend.
type Failure struct {
	TempID        string
	CounterpartID string
	Draft         Draft
	Err           error
}

// Config configures an Engine.
type Config struct {
	SelfID    string
	Clock     func() time.Time
	NewTempID func() string
	OnFailure func(Failure)
	Logger    *zap.Logger
}

// Engine holds the ordered view for one counterpart at a time.
// Every mutation re-checks the active counterpart and the known ids, so callbacks may arrive in any order.
type Engine struct {
	mu          sync.Mutex
	selfID      string
	counterpart string
	entries     []*Entry
	byTempID    map[string]*Entry
	byID        map[string]*Entry

	clock     func() time.Time
	newTempID func() string
	onFailure func(Failure)
	logger    *zap.Logger
}

// NewEngine constructs an engine with an empty view.
func NewEngine(cfg Config) (*Engine, error) {
	selfID := strings.TrimSpace(cfg.SelfID)
	if selfID == "" {
		return nil, ErrMissingSelf
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newTempID := cfg.NewTempID
	if newTempID == nil {
		newTempID = NewTempID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &Engine{
		selfID:    selfID,
		clock:     clock,
		newTempID: newTempID,
		onFailure: cfg.OnFailure,
		logger:    logger,
	}
	engine.reset("")
	return engine, nil
}

// NewTempID returns a fresh correlation token.
func NewTempID() string {
	return tempIDPrefix + ulid.Make().String()
}

// SelfID returns the local user id.
func (e *Engine) SelfID() string {
	return e.selfID
}

// Counterpart returns the active counterpart, or "" when none is selected.
func (e *Engine) Counterpart() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counterpart
}

// SelectCounterpart replaces the view with history for userID. Pending entries of the previous
// conversation are discarded.
func (e *Engine) SelectCounterpart(userID string, history []messages.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	discarded := len(e.byTempID)
	e.reset(strings.TrimSpace(userID))
	for _, record := range history {
		if !e.belongsToActive(record) {
			continue
		}
		e.appendConfirmed(record)
	}
	e.logger.Debug("conversation selected",
		zap.String("counterpart_id", e.counterpart),
		zap.Int("history", len(e.entries)),
		zap.Int("discarded_pending", discarded))
}

// Outgoing identifies a pending send: its correlation token and the counterpart it was bound to.
type Outgoing struct {
	TempID     string
	ReceiverID string
}

// SendStart appends a pending entry for draft to the active conversation. The submission must be
// addressed to the returned ReceiverID, which is fixed at this point even if the selection changes later.
func (e *Engine) SendStart(draft Draft) (Outgoing, error) {
	text := strings.TrimSpace(draft.Text)
	image := strings.TrimSpace(draft.Image)
	if text == "" && image == "" {
		return Outgoing{}, ErrEmptyDraft
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counterpart == "" {
		return Outgoing{}, ErrNoCounterpart
	}
	tempID := e.newTempID()
	entry := &Entry{
		State:  StatePending,
		TempID: tempID,
		Image:  image,
		Message: messages.Message{
			SenderID:   e.selfID,
			ReceiverID: e.counterpart,
			Text:       text,
			CreatedAt:  e.clock().UTC(),
		},
	}
	e.entries = append(e.entries, entry)
	e.byTempID[tempID] = entry
	return Outgoing{TempID: tempID, ReceiverID: e.counterpart}, nil
}

// Reconcile applies a canonical record. A pending entry matching tempID is confirmed in place;
// otherwise the record is appended unless its id is already in the view. It reports whether the view changed.
func (e *Engine) Reconcile(record messages.Message, tempID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconcileLocked(record, tempID)
}

// ReceiveRemote applies a record delivered over the realtime channel. Records for other conversations are dropped.
func (e *Engine) ReceiveRemote(record messages.Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconcileLocked(record, "")
}

// SendFailed removes the pending entry for tempID and reports the failure.
func (e *Engine) SendFailed(tempID string, cause error) bool {
	e.mu.Lock()
	entry, ok := e.byTempID[tempID]
	var failure Failure
	if ok {
		e.remove(entry)
		delete(e.byTempID, tempID)
		failure = Failure{
			TempID:        tempID,
			CounterpartID: entry.Message.ReceiverID,
			Draft:         Draft{Text: entry.Message.Text, Image: entry.Image},
			Err:           cause,
		}
	}
	notify := e.onFailure
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("failure for untracked send discarded", zap.String("temp_id", tempID), zap.Error(cause))
		return false
	}
	if notify != nil {
		notify(failure)
	}
	return true
}

// Messages returns a copy of the view in display order.
func (e *Engine) Messages() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := make([]Entry, 0, len(e.entries))
	for _, entry := range e.entries {
		view = append(view, *entry)
	}
	return view
}

// Pending reports the number of unconfirmed entries.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byTempID)
}

func (e *Engine) reconcileLocked(record messages.Message, tempID string) bool {
	if record.ID == "" {
		return false
	}
	if entry, ok := e.byTempID[tempID]; ok && tempID != "" {
		delete(e.byTempID, tempID)
		if !e.belongsToActive(record) {
			e.remove(entry)
			e.logger.Warn("confirmation for another conversation discarded",
				zap.String("temp_id", tempID),
				zap.String("message_id", record.ID),
				zap.String("counterpart_id", e.counterpart))
			return true
		}
		if _, known := e.byID[record.ID]; known {
			e.remove(entry)
			return true
		}
		entry.State = StateConfirmed
		entry.TempID = ""
		entry.Image = ""
		entry.Message = record
		e.byID[record.ID] = entry
		return true
	}
	if !e.belongsToActive(record) {
		e.logger.Debug("record for inactive conversation dropped",
			zap.String("message_id", record.ID),
			zap.String("counterpart_id", e.counterpart))
		return false
	}
	if _, known := e.byID[record.ID]; known {
		return false
	}
	e.appendConfirmed(record)
	return true
}

func (e *Engine) belongsToActive(record messages.Message) bool {
	if e.counterpart == "" {
		return false
	}
	return (record.SenderID == e.selfID && record.ReceiverID == e.counterpart) ||
		(record.SenderID == e.counterpart && record.ReceiverID == e.selfID)
}

func (e *Engine) appendConfirmed(record messages.Message) {
	if _, known := e.byID[record.ID]; known || record.ID == "" {
		return
	}
	entry := &Entry{State: StateConfirmed, Message: record}
	e.entries = append(e.entries, entry)
	e.byID[record.ID] = entry
}

func (e *Engine) remove(target *Entry) {
	for index, entry := range e.entries {
		if entry == target {
			e.entries = append(e.entries[:index], e.entries[index+1:]...)
			return
		}
	}
}

func (e *Engine) reset(counterpart string) {
	e.counterpart = counterpart
	e.entries = nil
	e.byTempID = make(map[string]*Entry)
	e.byID = make(map[string]*Entry)
}
