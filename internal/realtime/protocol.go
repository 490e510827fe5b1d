package realtime

import (
	"encoding/json"
	"errors"
	"strings"
)

// EventType names a realtime event.
type EventType string

const (
	// Client -> Server
	EventSendMessage EventType = "sendMessage"

	// Server -> Client
	EventOnlineUsers EventType = "getOnlineUsers"
	EventNewMessage  EventType = "newMessage"
	EventError       EventType = "error"
)

var (
	// ErrMalformedEvent indicates a frame that is not a valid envelope.
	ErrMalformedEvent = errors.New("realtime: malformed event")
	// ErrUnsupportedEvent indicates an envelope type the server does not accept.
	ErrUnsupportedEvent = errors.New("realtime: unsupported event type")
	// ErrMissingReceiver indicates a sendMessage payload without receiverId.
	ErrMissingReceiver = errors.New("realtime: receiverId is required")
)

// Envelope wraps every frame with its event type.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RelayRequest is the routing part of a sendMessage payload. The rest of the payload is forwarded untouched.
type RelayRequest struct {
	ReceiverID string `json:"receiverId"`
	SenderID   string `json:"senderId,omitempty"`
}

// ErrorPayload is sent to a connection whose event was ignored.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(eventType EventType, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, Data: raw}, nil
}

// Encode marshals data into a wire frame.
func Encode(eventType EventType, data any) ([]byte, error) {
	envelope, err := NewEnvelope(eventType, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope)
}

// DecodeEnvelope parses one wire frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, errors.Join(ErrMalformedEvent, err)
	}
	if envelope.Type == "" {
		return Envelope{}, ErrMalformedEvent
	}
	return envelope, nil
}

// ParseRelayRequest extracts the routing fields of a sendMessage payload.
func ParseRelayRequest(data json.RawMessage) (RelayRequest, error) {
	if len(data) == 0 {
		return RelayRequest{}, ErrMalformedEvent
	}
	var request RelayRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return RelayRequest{}, errors.Join(ErrMalformedEvent, err)
	}
	request.ReceiverID = strings.TrimSpace(request.ReceiverID)
	request.SenderID = strings.TrimSpace(request.SenderID)
	if request.ReceiverID == "" {
		return RelayRequest{}, ErrMissingReceiver
	}
	return request, nil
}

// WithSender returns data with senderId set to senderID, keeping every other field.
func WithSender(data json.RawMessage, senderID string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	sender, err := json.Marshal(senderID)
	if err != nil {
		return nil, err
	}
	fields["senderId"] = sender
	return json.Marshal(fields)
}
