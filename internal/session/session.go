// Package session is the Agent Session (C4): the per-connection state
// machine that owns one agent's WebSocket, demuxes inbound frames, and
// serializes outbound ones. Grounded on the teacher's
// internal/dashboard/hub.go Client/readPump/writePump/SafeSend/sync.Once
// close pattern, generalized from the teacher's agent-or-browser Client to
// an agent-only session, and extended with a per-session circuit breaker
// (spec §9's open question about malformed-message flooding).
package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/fleetguard/control-plane/internal/protocol"
)

// CloseAuthFailed is the WebSocket close code used when a connection's
// token fails validation — a private-use application code in the 4000-4999
// range, same convention the teacher uses for its own rejection codes.
const CloseAuthFailed = 4003

// CloseCircuitOpen is the close code used when a session's circuit breaker
// trips on repeated malformed messages.
const CloseCircuitOpen = 4008

// Config tunes a Session's keepalive and breaker behavior. Built from
// internal/serverconfig.Config by the server package.
type Config struct {
	WriteQueueCapacity int
	SendTimeout        time.Duration
	PingInterval       time.Duration
	PongTimeout        time.Duration

	BreakerMaxErrors uint32
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration
}

// Handler receives decoded inbound messages and performs whatever domain
// action they imply (update telemetry, store a task result, append a log
// line). It is supplied by internal/server so that internal/session does
// not need to depend on internal/devicestore directly.
type Handler interface {
	HandleMessage(ctx context.Context, deviceID string, msg *protocol.Message) error
}

// Session is one agent's live connection.
type Session struct {
	deviceID string
	conn     *websocket.Conn
	send     chan []byte

	cfg     Config
	breaker *gobreaker.CircuitBreaker
	handler Handler
	log     zerolog.Logger

	onClose func(s *Session, reason string)

	closeOnce sync.Once
	closed    atomic.Bool
}

// New builds a Session for an already-upgraded WebSocket connection.
// onClose is invoked exactly once, however the session ends, so the caller
// (typically the Registry, via its Unregister) can react.
func New(deviceID string, conn *websocket.Conn, cfg Config, handler Handler, onClose func(*Session, string), log zerolog.Logger) *Session {
	s := &Session{
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan []byte, cfg.WriteQueueCapacity),
		cfg:      cfg,
		handler:  handler,
		onClose:  onClose,
		log:      log.With().Str("component", "session").Str("device_id", deviceID).Logger(),
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "session:" + deviceID,
		MaxRequests: 1,
		Interval:    cfg.BreakerWindow,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxErrors
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				s.log.Warn().Msg("circuit breaker open: too many malformed messages, closing session")
				_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseCircuitOpen, "circuit_open"), time.Now().Add(s.cfg.SendTimeout))
				s.Close("circuit_open")
			}
		},
	})

	return s
}

// DeviceID implements registry.SessionHandle.
func (s *Session) DeviceID() string { return s.deviceID }

// Send implements registry.SessionHandle: enqueues payload for the write
// goroutine, non-blocking — a full queue is treated as a failed send
// rather than blocking the caller (mirrors the teacher's SafeSend).
func (s *Session) Send(payload []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("session: %s is closed", s.deviceID)
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return fmt.Errorf("session: %s write queue full", s.deviceID)
	}
}

// SendMessage marshals and sends a protocol.Message.
func (s *Session) SendMessage(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session: marshal message: %w", err)
	}
	return s.Send(data)
}

// Close implements registry.SessionHandle. Safe to call multiple times or
// concurrently; only the first call takes effect (mirrors the teacher's
// sync.Once-guarded Close).
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.send)
		_ = s.conn.Close()
		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}

// Run starts the read and write pumps and blocks until the session ends,
// mirroring the teacher's readPump/writePump pair run from two goroutines
// joined by the caller.
func (s *Session) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.writePump()
	}()
	go func() {
		defer wg.Done()
		s.readPump(ctx)
	}()

	wg.Wait()
}

func (s *Session) readPump(ctx context.Context) {
	defer s.Close("read_pump_exited")

	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingInterval + s.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingInterval + s.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Msg("unexpected close reading from agent session")
			}
			return
		}

		_, err = s.breaker.Execute(func() (any, error) {
			return nil, s.dispatchInbound(ctx, data)
		})
		if err == gobreaker.ErrOpenState {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("discarding malformed or unhandled inbound message")
		}
	}
}

func (s *Session) dispatchInbound(ctx context.Context, data []byte) error {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("session: decode envelope: %w", err)
	}
	if s.handler == nil {
		return nil
	}
	return s.handler.HandleMessage(ctx, s.deviceID, &msg)
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer s.Close("write_pump_exited")

	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Warn().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RejectUnauthorized completes a WebSocket upgrade only to immediately send
// a close frame with CloseAuthFailed and hang up — used when a connecting
// agent's token does not match (spec §4 auth via X-Agent-Token/query
// param).
func RejectUnauthorized(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseAuthFailed, "invalid or missing agent token"))
	_ = conn.Close()
}

// ValidateToken does a constant-time comparison of the presented token
// against the configured AgentToken, mirroring the teacher's
// ValidateAgentToken (itself reused from its operator-session validation,
// here the only in-scope authentication per spec §1/Non-goals).
func ValidateToken(presented, expected string) bool {
	if presented == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
