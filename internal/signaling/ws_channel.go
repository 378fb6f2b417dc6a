package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "telecare-rtc/pkg/errors"
	"telecare-rtc/pkg/constants"
	"telecare-rtc/pkg/logger"
)

// envelope is the wire frame for every message on the channel
type envelope struct {
	Event   string          `json:"event"`
	AckID   string          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// eventAck is the reserved event name carrying acknowledgement payloads
const eventAck = "ack"

// WSChannel is the gorilla/websocket implementation of Channel with bounded
// automatic reconnection.
type WSChannel struct {
	url   string
	token string
	log   *zap.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	wmu sync.Mutex // serializes writes to conn

	hmu      sync.RWMutex
	handlers map[string]map[int]Handler
	nextID   int

	pmu     sync.Mutex
	pending map[string]chan json.RawMessage
}

// NewWSChannel creates a channel client for the given signaling server URL
// (ws:// or wss://). The token, if set, is sent as a bearer credential during
// the handshake.
func NewWSChannel(url, token string) *WSChannel {
	return &WSChannel{
		url:      url,
		token:    token,
		log:      logger.With(zap.String("component", "signaling")),
		handlers: make(map[string]map[int]Handler),
		pending:  make(map[string]chan json.RawMessage),
	}
}

// Connect dials the server. Safe to call when already connected.
func (c *WSChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		c.log.Debug("already connected")
		return nil
	}
	c.closed = false
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *WSChannel) dial(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.log.Error("connection failed", zap.String("url", c.url), zap.Error(err))
		c.notify(EventConnectError, nil)
		return apperrors.Wrap(apperrors.ErrCodeNotConnected, "signaling dial failed", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("connected", zap.String("url", c.url))
	c.notify(EventConnect, nil)

	go c.readPump(conn)
	go c.pingPump(conn)
	return nil
}

// Disconnect closes the connection and disables reconnection. Idempotent.
func (c *WSChannel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.log.Info("disconnected")
}

func (c *WSChannel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Emit sends a named event. Messages emitted while disconnected are dropped
// with a warning; there is no outbound queue.
func (c *WSChannel) Emit(event string, payload any) error {
	return c.write(event, "", payload)
}

// EmitWithAck sends a named event and waits for the server acknowledgement
func (c *WSChannel) EmitWithAck(ctx context.Context, event string, payload any, ack any) error {
	ackID := uuid.New().String()
	ch := make(chan json.RawMessage, 1)

	c.pmu.Lock()
	c.pending[ackID] = ch
	c.pmu.Unlock()

	defer func() {
		c.pmu.Lock()
		delete(c.pending, ackID)
		c.pmu.Unlock()
	}()

	if err := c.write(event, ackID, payload); err != nil {
		return err
	}

	timer := time.NewTimer(constants.AckTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return apperrors.New(apperrors.ErrCodeSignalingDelivery, "ack timeout for "+event)
	case raw := <-ch:
		if ack == nil {
			return nil
		}
		return json.Unmarshal(raw, ack)
	}
}

// On subscribes to a named event. The returned func removes the handler.
func (c *WSChannel) On(event string, handler Handler) func() {
	c.hmu.Lock()
	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][id] = handler
	c.hmu.Unlock()

	return func() {
		c.hmu.Lock()
		delete(c.handlers[event], id)
		c.hmu.Unlock()
	}
}

func (c *WSChannel) write(event, ackID string, payload any) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		c.log.Warn("cannot emit, channel not connected", zap.String("event", event))
		return apperrors.New(apperrors.ErrCodeSignalingDelivery, "channel not connected")
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeSignalingDelivery, "marshal payload", err)
		}
		raw = data
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
	if err := conn.WriteJSON(envelope{Event: event, AckID: ackID, Payload: raw}); err != nil {
		c.log.Warn("emit failed", zap.String("event", event), zap.Error(err))
		return apperrors.Wrap(apperrors.ErrCodeSignalingDelivery, "write failed", err)
	}
	c.log.Debug("emitted event", zap.String("event", event))
	return nil
}

// readPump reads envelopes until the connection drops, then hands off to the
// reconnection loop unless Disconnect was called.
func (c *WSChannel) readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
	})

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			stillCurrent := c.conn == conn
			if stillCurrent {
				c.connected = false
				c.conn = nil
			}
			closed := c.closed
			c.mu.Unlock()

			if !stillCurrent {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("connection lost", zap.Error(err))
			} else {
				c.log.Debug("connection closed", zap.Error(err))
			}
			c.notify(EventDisconnect, nil)
			if !closed {
				go c.reconnect()
			}
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))

		if env.Event == eventAck {
			c.pmu.Lock()
			ch, ok := c.pending[env.AckID]
			c.pmu.Unlock()
			if ok {
				ch <- env.Payload
			}
			continue
		}

		c.notify(env.Event, env.Payload)
	}
}

// pingPump keeps the connection alive while it is current
func (c *WSChannel) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.RLock()
		current := c.conn == conn
		c.mu.RUnlock()
		if !current {
			return
		}
		c.wmu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.wmu.Unlock()
		if err != nil {
			return
		}
	}
}

// reconnect retries the connection with linear backoff capped at
// ReconnectDelayMax, giving up after ReconnectAttempts.
func (c *WSChannel) reconnect() {
	for attempt := 1; attempt <= constants.ReconnectAttempts; attempt++ {
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}

		time.Sleep(reconnectDelay(attempt))

		c.log.Info("reconnect attempt", zap.Int("attempt", attempt))
		c.notifyJSON(EventReconnectAttempt, ReconnectAttemptPayload{Attempt: attempt})

		if err := c.dial(context.Background()); err == nil {
			return
		}
	}

	c.log.Error("all reconnection attempts failed")
	c.notify(EventReconnectFailed, nil)
}

// reconnectDelay grows linearly with the attempt number, capped at
// ReconnectDelayMax.
func reconnectDelay(attempt int) time.Duration {
	delay := constants.ReconnectDelay * time.Duration(attempt)
	if delay > constants.ReconnectDelayMax {
		delay = constants.ReconnectDelayMax
	}
	return delay
}

// notify dispatches an event to every subscribed handler. Handler panics are
// contained here so a misbehaving consumer cannot kill the read loop.
func (c *WSChannel) notify(event string, payload json.RawMessage) {
	c.hmu.RLock()
	fns := make([]Handler, 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		fns = append(fns, h)
	}
	c.hmu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("event handler panic",
						zap.String("event", event), zap.Any("panic", r))
				}
			}()
			fn(payload)
		}()
	}
}

func (c *WSChannel) notifyJSON(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.notify(event, data)
}
