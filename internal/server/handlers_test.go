package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/fleetguard/control-plane/internal/devicestore"
	"github.com/fleetguard/control-plane/internal/dispatcher"
	"github.com/fleetguard/control-plane/internal/metrics"
	"github.com/fleetguard/control-plane/internal/pushbus"
	"github.com/fleetguard/control-plane/internal/registry"
	"github.com/fleetguard/control-plane/internal/serverconfig"
)

const testAgentToken = "test-token"

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := devicestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.EnsureDefaultPolicy(context.Background(), &devicestore.Policy{PluggedSeconds: 60}); err != nil {
		t.Fatalf("ensure default policy: %v", err)
	}

	cfg := &serverconfig.Config{
		AgentToken:          testAgentToken,
		DatabasePath:        ":memory:",
		WriterQueueCapacity: 16,
		SendTimeout:         time.Second,
		PingInterval:        time.Second,
		PongTimeout:         time.Second,
	}

	m := metrics.New(prometheus.NewRegistry())
	reg := registry.New(zerolog.Nop(), m.ConnectedAgents)
	bus := pushbus.NewInProcessBus(16, zerolog.Nop())
	t.Cleanup(func() { _ = bus.Close() })
	disp := dispatcher.New(store, bus, zerolog.Nop())

	return New(cfg, store, reg, bus, disp, m, zerolog.Nop())
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleCheckinRequiresToken(t *testing.T) {
	srv := newTestServer(t)
	body := `{"device_id":"dev-1","hostname":"h","platform":"linux"}`
	req := httptest.NewRequest(http.MethodPost, "/api/agent/checkin", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a valid token, got %d", w.Code)
	}
}

func TestHandleCheckinSucceedsAndReturnsPolicy(t *testing.T) {
	srv := newTestServer(t)
	body := `{"device_id":"dev-1","hostname":"h","platform":"linux","mac":"00:00:00:00:00:01"}`
	req := httptest.NewRequest(http.MethodPost, "/api/agent/checkin", bytes.NewBufferString(body))
	req.Header.Set("X-Agent-Token", testAgentToken)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp checkinResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Policy.PluggedSeconds != 60 {
		t.Fatalf("expected the seeded default policy, got %+v", resp.Policy)
	}
	if resp.Locked {
		t.Fatalf("expected a freshly checked-in device not to be locked")
	}
}

func TestHandleCreateAndGetTask(t *testing.T) {
	srv := newTestServer(t)

	createBody := `{"name":"uptime","script_type":"bash","script_body":"uptime","target":"dev-1","trigger_type":"now"}`
	req := httptest.NewRequest(http.MethodPost, "/api/dashboard/tasks", bytes.NewBufferString(createBody))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	id := created["id"]
	if id == "" {
		t.Fatalf("expected a task id in the create response")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/dashboard/tasks/"+id, nil)
	getW := httptest.NewRecorder()
	srv.Router().ServeHTTP(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching the created task, got %d", getW.Code)
	}
}

func TestHandleCreateTaskRejectsInvalidScriptType(t *testing.T) {
	srv := newTestServer(t)
	body := `{"name":"bad","script_type":"ruby","script_body":"x","target":"dev-1","trigger_type":"now"}`
	req := httptest.NewRequest(http.MethodPost, "/api/dashboard/tasks", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unsupported script_type, got %d", w.Code)
	}
}

func TestHandleLockAndUnlockDevice(t *testing.T) {
	srv := newTestServer(t)

	checkinBody := `{"device_id":"dev-1","hostname":"h","platform":"linux","mac":"00:00:00:00:00:01"}`
	req := httptest.NewRequest(http.MethodPost, "/api/agent/checkin", bytes.NewBufferString(checkinBody))
	req.Header.Set("X-Agent-Token", testAgentToken)
	srv.Router().ServeHTTP(httptest.NewRecorder(), req)

	lockReq := httptest.NewRequest(http.MethodPost, "/api/dashboard/devices/dev-1/lock", nil)
	lockW := httptest.NewRecorder()
	srv.Router().ServeHTTP(lockW, lockReq)
	if lockW.Code != http.StatusOK {
		t.Fatalf("expected 200 locking device, got %d", lockW.Code)
	}

	checkinReq := httptest.NewRequest(http.MethodPost, "/api/agent/checkin", bytes.NewBufferString(checkinBody))
	checkinReq.Header.Set("X-Agent-Token", testAgentToken)
	checkinW := httptest.NewRecorder()
	srv.Router().ServeHTTP(checkinW, checkinReq)

	var resp checkinResponse
	if err := json.Unmarshal(checkinW.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Locked {
		t.Fatalf("expected device to report locked after handleLockDevice")
	}

	unlockReq := httptest.NewRequest(http.MethodPost, "/api/dashboard/devices/dev-1/unlock", nil)
	unlockW := httptest.NewRecorder()
	srv.Router().ServeHTTP(unlockW, unlockReq)
	if unlockW.Code != http.StatusOK {
		t.Fatalf("expected 200 unlocking device, got %d", unlockW.Code)
	}

	recheckReq := httptest.NewRequest(http.MethodPost, "/api/agent/checkin", bytes.NewBufferString(checkinBody))
	recheckReq.Header.Set("X-Agent-Token", testAgentToken)
	recheckW := httptest.NewRecorder()
	srv.Router().ServeHTTP(recheckW, recheckReq)

	var unlocked checkinResponse
	if err := json.Unmarshal(recheckW.Body.Bytes(), &unlocked); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if unlocked.Locked {
		t.Fatalf("expected device to report unlocked after handleUnlockDevice")
	}
}
