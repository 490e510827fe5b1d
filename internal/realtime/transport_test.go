package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type queryAuthenticator struct{}

func (queryAuthenticator) AuthenticateRequest(r *http.Request) (string, error) {
	switch token := r.URL.Query().Get("token"); token {
	case "":
		return "", auth.ErrMissingSessionToken
	case "expired":
		return "", auth.ErrExpiredToken
	default:
		return token, nil
	}
}

func newTestServer(t *testing.T, logger *zap.Logger) *httptest.Server {
	t.Helper()
	gateway, _ := startGateway(t, GatewayConfig{Logger: logger})
	handler, err := NewHandler(HandlerConfig{
		Gateway:       gateway,
		Authenticator: queryAuthenticator{},
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/socket?token=" + token
	ws, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected handshake status %d", response.StatusCode)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(frameTimeout))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	envelope, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return envelope
}

func readPresence(t *testing.T, ws *websocket.Conn) []string {
	t.Helper()
	envelope := readEnvelope(t, ws)
	if envelope.Type != EventOnlineUsers {
		t.Fatalf("expected presence event, got %s", envelope.Type)
	}
	var online []string
	if err := json.Unmarshal(envelope.Data, &online); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	return online
}

func TestHandshakeRejectsMissingCredential(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	server := newTestServer(t, zap.New(core))
	base := "ws" + strings.TrimPrefix(server.URL, "http") + "/socket"

	_, response, err := websocket.DefaultDialer.Dial(base, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %#v", response)
	}

	_, response, err = websocket.DefaultDialer.Dial(base+"?token=expired", nil)
	if err == nil || response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected expired credential to be rejected, got %v", err)
	}

	if logs.FilterMessage("realtime handshake rejected").FilterLevelExact(zapcore.WarnLevel).Len() != 1 {
		t.Fatalf("expected missing credential to be logged at warn")
	}
	if logs.FilterMessage("realtime handshake rejected: expired credential").FilterLevelExact(zapcore.InfoLevel).Len() != 1 {
		t.Fatalf("expected expired credential to be logged at info")
	}
}

func TestWebsocketRelayBetweenTwoUsers(t *testing.T) {
	server := newTestServer(t, zap.NewNop())

	alice := dial(t, server, "alice")
	if online := readPresence(t, alice); !reflect.DeepEqual(online, []string{"alice"}) {
		t.Fatalf("unexpected presence %v", online)
	}
	bob := dial(t, server, "bob")
	if online := readPresence(t, bob); !reflect.DeepEqual(online, []string{"alice", "bob"}) {
		t.Fatalf("unexpected presence %v", online)
	}
	if online := readPresence(t, alice); !reflect.DeepEqual(online, []string{"alice", "bob"}) {
		t.Fatalf("unexpected presence %v", online)
	}

	payload := `{"id":"m1","senderId":"alice","receiverId":"bob","text":"hello"}`
	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"sendMessage","data":`+payload+`}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	envelope := readEnvelope(t, bob)
	if envelope.Type != EventNewMessage || string(envelope.Data) != payload {
		t.Fatalf("unexpected delivery %s %s", envelope.Type, envelope.Data)
	}

	if err := bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if online := readPresence(t, alice); !reflect.DeepEqual(online, []string{"alice"}) {
		t.Fatalf("expected bob to leave presence, got %v", online)
	}
}

func TestNewHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHandler(HandlerConfig{}); !errors.Is(err, errMissingGateway) {
		t.Fatalf("expected missing gateway error, got %v", err)
	}
	if _, err := NewHandler(HandlerConfig{Gateway: NewGateway(GatewayConfig{})}); !errors.Is(err, errMissingAuthenticator) {
		t.Fatalf("expected missing authenticator error, got %v", err)
	}
}
