package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetguard/control-plane/internal/protocol"
)

func TestValidateToken(t *testing.T) {
	if ValidateToken("", "secret") {
		t.Fatalf("expected empty presented token to fail")
	}
	if ValidateToken("secret", "") {
		t.Fatalf("expected empty expected token to fail")
	}
	if !ValidateToken("secret", "secret") {
		t.Fatalf("expected matching tokens to validate")
	}
	if ValidateToken("secret", "other") {
		t.Fatalf("expected mismatched tokens to fail")
	}
}

type recordingHandler struct {
	received []string
}

func (h *recordingHandler) HandleMessage(ctx context.Context, deviceID string, msg *protocol.Message) error {
	h.received = append(h.received, msg.Type)
	return nil
}

func newTestSessionPair(t *testing.T, handler Handler) (*Session, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	var serverConn *websocket.Conn
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverConn = conn
		close(ready)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = clientConn.Close() })

	<-ready

	cfg := Config{
		WriteQueueCapacity: 8,
		SendTimeout:        time.Second,
		PingInterval:       time.Second,
		PongTimeout:        time.Second,
		BreakerMaxErrors:   3,
		BreakerWindow:      time.Second,
		BreakerCooldown:    time.Second,
	}
	sess := New("dev-1", serverConn, cfg, handler, nil, zerolog.Nop())
	return sess, clientConn
}

func TestSessionDeviceID(t *testing.T) {
	sess, _ := newTestSessionPair(t, nil)
	if sess.DeviceID() != "dev-1" {
		t.Fatalf("expected device id dev-1, got %q", sess.DeviceID())
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	var closeCount int
	sess, _ := newTestSessionPair(t, nil)
	sess.onClose = func(s *Session, reason string) { closeCount++ }

	sess.Close("first")
	sess.Close("second")

	if closeCount != 1 {
		t.Fatalf("expected onClose to fire exactly once, got %d", closeCount)
	}
	if err := sess.Send([]byte("x")); err == nil {
		t.Fatalf("expected Send to fail on a closed session")
	}
}

func TestSessionRunDispatchesInboundMessages(t *testing.T) {
	handler := &recordingHandler{}
	sess, clientConn := newTestSessionPair(t, handler)

	done := make(chan struct{})
	go func() {
		sess.Run(context.Background())
		close(done)
	}()

	msg, _ := protocol.NewMessage(protocol.TypeHeartbeat, protocol.HeartbeatPayload{})
	if err := clientConn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	_ = clientConn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for session to finish")
	}

	found := false
	for _, typ := range handler.received {
		if typ == protocol.TypeHeartbeat {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the handler to observe a heartbeat message, got %v", handler.received)
	}
}
