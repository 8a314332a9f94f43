// Package registry is the Connection Registry (C2): the map from device id
// to the live SessionHandle serving it, and the authority on "is this
// device online right now". Grounded on the teacher's
// internal/dashboard/hub.go agents map and handleAgentRegister's
// close-the-old-handle-outside-the-lock pattern, split out of the Hub into
// its own package since the core spec treats the Registry (C2) as distinct
// from the session state machine (C4).
package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// SessionHandle is the narrow view the Registry needs of a live Agent
// Session: enough to push an envelope to it and to close it when it's
// replaced or evicted. internal/session.Session implements this.
type SessionHandle interface {
	DeviceID() string
	Send(payload []byte) error
	Close(reason string)
}

// Registry holds at most one live SessionHandle per device id (spec's
// at-most-one-live-session invariant).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]SessionHandle

	log          zerolog.Logger
	liveSessions prometheus.Gauge

	onOnline  func(deviceID string)
	onOffline func(deviceID string)
}

// New builds an empty Registry. gauge may be nil in tests.
func New(log zerolog.Logger, gauge prometheus.Gauge) *Registry {
	return &Registry{
		sessions:     make(map[string]SessionHandle),
		log:          log.With().Str("component", "registry").Logger(),
		liveSessions: gauge,
	}
}

// SetStatusHooks wires callbacks fired after Register/Unregister actually
// change a device's live-session membership, so the Device Store can
// persist Device.status as the sole consequence of session lifecycle events
// (spec §4.1, invariant 2: "Device.status=online ⇔ a SessionHandle is
// registered for that device"). Either callback may be nil.
func (r *Registry) SetStatusHooks(onOnline, onOffline func(deviceID string)) {
	r.onOnline = onOnline
	r.onOffline = onOffline
}

// Register installs handle as the live session for its device id. If a
// session is already registered for that id, the old one is replaced and
// closed — but the close happens after the lock is released, mirroring the
// teacher's handleAgentRegister ("close old client outside the lock") to
// avoid a deadlock if the old session's own goroutine is blocked trying to
// acquire the same lock to unregister itself.
func (r *Registry) Register(handle SessionHandle) {
	id := handle.DeviceID()

	r.mu.Lock()
	old, existed := r.sessions[id]
	r.sessions[id] = handle
	count := len(r.sessions)
	r.mu.Unlock()

	if r.liveSessions != nil {
		r.liveSessions.Set(float64(count))
	}
	if r.onOnline != nil {
		r.onOnline(id)
	}

	if existed && old != handle {
		r.log.Info().Str("device_id", id).Msg("replacing existing session")
		old.Close("replaced_by_new_session")
	}
}

// Unregister removes handle from the registry, but only if it is still the
// currently-registered handle for its device id (a session that lost a
// register race should not evict the session that replaced it).
func (r *Registry) Unregister(handle SessionHandle) {
	id := handle.DeviceID()

	r.mu.Lock()
	current, ok := r.sessions[id]
	removed := ok && current == handle
	if removed {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if r.liveSessions != nil {
		r.liveSessions.Set(float64(count))
	}
	if removed && r.onOffline != nil {
		r.onOffline(id)
	}
}

// Get returns the live session for a device id, if any.
func (r *Registry) Get(deviceID string) (SessionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[deviceID]
	return h, ok
}

// IsOnline reports whether a device currently has a live session.
func (r *Registry) IsOnline(deviceID string) bool {
	_, ok := r.Get(deviceID)
	return ok
}

// SendOne pushes payload to a single device's session, if connected. It
// returns false if the device has no live session or the send fails; the
// caller (the server's Push Bus consumer) counts that in push_dropped_total
// rather than treating it as an error, and the device picks up pending
// tasks through the Local Task Cache seed on its next check-in (spec §4.7).
func (r *Registry) SendOne(deviceID string, payload []byte) bool {
	handle, ok := r.Get(deviceID)
	if !ok {
		return false
	}
	if err := handle.Send(payload); err != nil {
		r.log.Warn().Err(err).Str("device_id", deviceID).Msg("send to session failed")
		return false
	}
	return true
}

// SendAll pushes payload to every currently connected device, returning the
// device ids it successfully reached.
func (r *Registry) SendAll(payload []byte) []string {
	r.mu.RLock()
	handles := make([]SessionHandle, 0, len(r.sessions))
	for _, h := range r.sessions {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	var reached []string
	for _, h := range handles {
		if err := h.Send(payload); err != nil {
			r.log.Warn().Err(err).Str("device_id", h.DeviceID()).Msg("broadcast send failed")
			continue
		}
		reached = append(reached, h.DeviceID())
	}
	return reached
}

// Count returns the number of currently connected sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
