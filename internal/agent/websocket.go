package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetguard/control-plane/internal/protocol"
)

// reconnectBackoff is flat, not exponential: the agent is expected to be
// patient, not aggressive (spec §5).
const reconnectBackoff = 30 * time.Second

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
	writeWait    = 10 * time.Second
)

// ConnectionHandler receives connect/disconnect notifications, the hook
// the Reachability Selector uses to invalidate its cache on disconnect
// (spec §4.6).
type ConnectionHandler interface {
	OnConnected()
	OnDisconnected()
}

// WSClient is the agent's WebSocket transport to the control-plane
// server. Grounded on the teacher's internal/agent/websocket.go connect/
// readLoop/pingLoop/waitBackoff shape, with the backoff made flat per
// spec §5 and the dial target resolved per-attempt through a Selector
// instead of a single fixed URL.
type WSClient struct {
	resolve   func(ctx context.Context) string
	deviceID  string
	authToken string
	log       zerolog.Logger
	handler   ConnectionHandler

	mu       sync.Mutex
	conn     *websocket.Conn
	messages chan *protocol.Message
}

// NewWSClient builds a WSClient. resolve is called before every dial
// attempt to pick the current endpoint (LAN vs VPN).
func NewWSClient(resolve func(ctx context.Context) string, deviceID, authToken string, log zerolog.Logger, handler ConnectionHandler) *WSClient {
	return &WSClient{
		resolve:   resolve,
		deviceID:  deviceID,
		authToken: authToken,
		log:       log.With().Str("component", "websocket").Logger(),
		handler:   handler,
		messages:  make(chan *protocol.Message, 100),
	}
}

// Run connects and maintains the connection until ctx is cancelled,
// reconnecting on a flat backoff after every disconnect.
func (c *WSClient) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.log.Warn().Err(err).Dur("backoff", reconnectBackoff).Msg("connection failed, retrying")
			c.wait(ctx)
			continue
		}

		c.readLoop(ctx)
		c.wait(ctx)
	}
}

func (c *WSClient) wait(ctx context.Context) {
	timer := time.NewTimer(reconnectBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (c *WSClient) connect(ctx context.Context) error {
	addr := c.resolve(ctx)
	if addr == "" {
		return fmt.Errorf("no reachable endpoint")
	}
	url := fmt.Sprintf("ws://%s/ws/agent/%s?token=%s", addr, c.deviceID, c.authToken)

	header := http.Header{}
	header.Set("X-Agent-Token", c.authToken)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.log.Error().Msg("authentication rejected by server")
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		return nil
	})

	go c.pingLoop(ctx, conn)

	if c.handler != nil {
		c.handler.OnConnected()
	}
	return nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if c.handler != nil {
			c.handler.OnDisconnected()
		}
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("malformed message, ignoring")
			continue
		}

		select {
		case c.messages <- &msg:
		case <-ctx.Done():
			return
		default:
			c.log.Warn().Str("type", msg.Type).Msg("message queue full, dropping")
		}
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Send marshals and writes a message to the current connection. It
// returns an error if there is no live connection; callers typically
// treat that as "will be retried once reconnected" rather than fatal.
func (c *WSClient) Send(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return websocket.ErrCloseSent
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the inbound message channel.
func (c *WSClient) Messages() <-chan *protocol.Message {
	return c.messages
}

// IsConnected reports whether a connection is currently live.
func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close closes the active connection, if any.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
		c.conn = nil
	}
}
