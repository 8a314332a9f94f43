package registry

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type fakeSession struct {
	id     string
	sent   [][]byte
	closed string
	sendErr error
}

func (f *fakeSession) DeviceID() string { return f.id }
func (f *fakeSession) Send(payload []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}
func (f *fakeSession) Close(reason string) { f.closed = reason }

func newTestRegistry() *Registry {
	return New(zerolog.Nop(), nil)
}

func TestRegisterReplacesOldSession(t *testing.T) {
	r := newTestRegistry()
	old := &fakeSession{id: "dev-1"}
	newer := &fakeSession{id: "dev-1"}

	r.Register(old)
	r.Register(newer)

	if r.Count() != 1 {
		t.Fatalf("expected exactly one live session per device id, got %d", r.Count())
	}
	if old.closed != "replaced_by_new_session" {
		t.Fatalf("expected old session to be closed with replaced_by_new_session, got %q", old.closed)
	}
	got, ok := r.Get("dev-1")
	if !ok || got != newer {
		t.Fatalf("expected the newer session to be the registered handle")
	}
}

func TestUnregisterIgnoresStaleHandle(t *testing.T) {
	r := newTestRegistry()
	old := &fakeSession{id: "dev-1"}
	newer := &fakeSession{id: "dev-1"}

	r.Register(old)
	r.Register(newer)

	// A losing session calling Unregister after being replaced must not
	// evict the session that replaced it.
	r.Unregister(old)

	if !r.IsOnline("dev-1") {
		t.Fatalf("expected dev-1 to still be online after a stale unregister")
	}
	got, _ := r.Get("dev-1")
	if got != newer {
		t.Fatalf("expected newer session to remain registered")
	}
}

func TestSendOneUnknownDevice(t *testing.T) {
	r := newTestRegistry()
	if r.SendOne("ghost", []byte("x")) {
		t.Fatalf("expected SendOne to return false for a device with no live session")
	}
}

func TestSendOneFailurePropagates(t *testing.T) {
	r := newTestRegistry()
	s := &fakeSession{id: "dev-1", sendErr: errors.New("broken pipe")}
	r.Register(s)

	if r.SendOne("dev-1", []byte("x")) {
		t.Fatalf("expected SendOne to return false when the underlying send fails")
	}
}

func TestSendAllReachesOnlyConnected(t *testing.T) {
	r := newTestRegistry()
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b", sendErr: errors.New("down")}
	r.Register(a)
	r.Register(b)

	reached := r.SendAll([]byte("payload"))

	if len(reached) != 1 || reached[0] != "a" {
		t.Fatalf("expected only device a to be reached, got %v", reached)
	}
	if len(a.sent) != 1 {
		t.Fatalf("expected device a to receive exactly one payload")
	}
}
