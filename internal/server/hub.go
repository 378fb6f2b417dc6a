// Package server implements the reference signaling server: a gin-fronted
// WebSocket hub that relays room-scoped call events between two peers, with
// Redis pub/sub fan-out so multiple instances can share rooms.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"telecare-rtc/internal/domain"
	"telecare-rtc/internal/signaling"
	"telecare-rtc/pkg/constants"
	"telecare-rtc/pkg/logger"
)

// envelope mirrors the client wire frame
type envelope struct {
	Event   string          `json:"event"`
	AckID   string          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// fanout is the message published to Redis for cross-instance delivery
type fanout struct {
	Event   string          `json:"event"`
	RoomID  string          `json:"roomId"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CallRecorder persists call lifecycle milestones. The hub only needs begin
// and end.
type CallRecorder interface {
	CallStarted(ctx context.Context, roomID, callerID string) error
	CallEnded(ctx context.Context, roomID string) error
}

// Hub owns every live room on this instance
type Hub struct {
	rdb      *redis.Client
	recorder CallRecorder
	metrics  *Metrics
	log      *zap.Logger

	mu        sync.RWMutex
	rooms     map[string]map[*Client]bool
	subCancel map[string]context.CancelFunc

	unregister chan departure

	maxConnections int
	semaphore      chan struct{}
}

// Client is one connected peer
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	user   domain.User
	roomID string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewHub creates the hub and starts its event loop
func NewHub(rdb *redis.Client, recorder CallRecorder, metrics *Metrics, maxConnections int) *Hub {
	h := &Hub{
		rdb:            rdb,
		recorder:       recorder,
		metrics:        metrics,
		log:            logger.With(zap.String("component", "hub")),
		rooms:          make(map[string]map[*Client]bool),
		subCancel:      make(map[string]context.CancelFunc),
		unregister:     make(chan departure),
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
	}
	go h.run()
	return h
}

// departure carries the room explicitly so the hub never races the reader
// goroutine on the client's room field
type departure struct {
	client *Client
	roomID string
}

func (h *Hub) run() {
	for d := range h.unregister {
		h.removeClient(d.client, d.roomID)
	}
}

// joinRoom atomically enforces the participant cap and adds the client,
// returning the participants that were already present
func (h *Hub) joinRoom(client *Client, roomID string) ([]domain.User, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.rooms[roomID]
	if len(clients) >= constants.MaxRoomParticipants {
		return nil, false
	}

	existing := make([]domain.User, 0, len(clients))
	for c := range clients {
		existing = append(existing, c.user)
	}

	if clients == nil {
		h.rooms[roomID] = make(map[*Client]bool)

		ctx, cancel := context.WithCancel(context.Background())
		h.subCancel[roomID] = cancel
		go h.subscribeRoom(ctx, roomID)

		if h.metrics != nil {
			h.metrics.RoomsActive.Inc()
		}
	}
	client.roomID = roomID
	h.rooms[roomID][client] = true
	return existing, true
}

func (h *Hub) removeClient(client *Client, roomID string) {
	h.mu.Lock()
	clients, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[client]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, client)
	close(client.send)

	empty := len(clients) == 0
	if empty {
		if cancel, ok := h.subCancel[roomID]; ok {
			cancel()
			delete(h.subCancel, roomID)
		}
		delete(h.rooms, roomID)
		if h.metrics != nil {
			h.metrics.RoomsActive.Dec()
		}
	}
	h.mu.Unlock()

	payload, _ := json.Marshal(signaling.UserLeftPayload{
		UserID: client.userID,
		RoomID: roomID,
	})
	h.publish(roomID, signaling.EventUserLeft, client.userID, payload)

	if empty && h.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()
		if err := h.recorder.CallEnded(ctx, roomID); err != nil {
			h.log.Warn("recording call end failed",
				zap.String("room_id", roomID), zap.Error(err))
		}
	}
}

// publish pushes an event into the room's Redis channel; every subscribed
// instance (this one included) delivers it to its local clients.
func (h *Hub) publish(roomID, event, from string, payload json.RawMessage) {
	msg, err := json.Marshal(fanout{Event: event, RoomID: roomID, From: from, Payload: payload})
	if err != nil {
		h.log.Error("marshal fanout failed", zap.String("event", event), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	if err := h.rdb.Publish(ctx, roomChannel(roomID), msg).Err(); err != nil {
		h.log.Warn("redis publish failed, delivering locally",
			zap.String("room_id", roomID), zap.Error(err))
		h.deliver(fanout{Event: event, RoomID: roomID, From: from, Payload: payload})
		return
	}
	if h.metrics != nil {
		h.metrics.MessagesRelayed.WithLabelValues(event).Inc()
	}
}

// subscribeRoom forwards the room's Redis channel into local clients until
// the room closes
func (h *Hub) subscribeRoom(ctx context.Context, roomID string) {
	pubsub := h.rdb.Subscribe(ctx, roomChannel(roomID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		h.log.Error("redis subscribe failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			var f fanout
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				h.log.Warn("malformed fanout message", zap.String("room_id", roomID), zap.Error(err))
				continue
			}
			h.deliver(f)
		}
	}
}

// deliver writes an event to every local client in the room except the
// sender. A client with a full send buffer is dropped.
func (h *Hub) deliver(f fanout) {
	frame, err := json.Marshal(envelope{Event: f.Event, Payload: f.Payload})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[f.RoomID] {
		if client.userID == f.From {
			continue
		}
		select {
		case client.send <- frame:
		default:
			h.log.Warn("client send buffer full, dropping connection",
				zap.String("user_id", client.userID))
			client.conn.Close()
		}
	}
}

// ServeWS upgrades an authenticated request and runs the client until its
// connection drops. The user identity comes from the JWT middleware.
func (h *Hub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		h.log.Warn("connection rejected, server at capacity",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server at capacity"})
		return
	}

	user, ok := userFromContext(c)
	if !ok {
		<-h.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		h.log.Warn("websocket upgrade failed", zap.String("user_id", user.ID), zap.Error(err))
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, constants.SendBufferSize),
		userID: user.ID,
		user:   user,
	}

	if h.metrics != nil {
		h.metrics.ConnectionsActive.Inc()
	}
	go client.writePump()
	go func() {
		client.readPump()
		if h.metrics != nil {
			h.metrics.ConnectionsActive.Dec()
		}
		<-h.semaphore
	}()
}

func (c *Client) readPump() {
	defer func() {
		if c.roomID != "" {
			c.hub.unregister <- departure{client: c, roomID: c.roomID}
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("connection closed",
					zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.hub.log.Warn("invalid frame", zap.String("user_id", c.userID), zap.Error(err))
			continue
		}
		c.handleEvent(env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleEvent dispatches one inbound frame. Room management is handled here;
// everything else in the room vocabulary is relayed to the peer.
func (c *Client) handleEvent(env envelope) {
	switch env.Event {
	case signaling.EventJoinRoom:
		c.handleJoin(env)
	case signaling.EventLeaveRoom:
		if c.roomID != "" {
			rid := c.roomID
			c.roomID = ""
			c.hub.unregister <- departure{client: c, roomID: rid}
		}
	case signaling.EventEndCall:
		c.relayAs(env, signaling.EventCallEnded)
	case signaling.EventDeclineCall:
		c.relayAs(env, signaling.EventCallDeclined)
	case signaling.EventOffer, signaling.EventAnswer, signaling.EventICECandidate,
		signaling.EventChatMessage:
		c.relayAs(env, env.Event)
	default:
		c.hub.log.Debug("ignoring unknown event",
			zap.String("event", env.Event), zap.String("user_id", c.userID))
	}
}

func (c *Client) handleJoin(env envelope) {
	var p signaling.JoinRoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.RoomID == "" {
		c.ack(env.AckID, signaling.JoinRoomAck{Success: false, Error: "invalid join payload"})
		return
	}
	if p.User.ID == "" {
		p.User = domain.User{ID: c.userID, Name: c.user.Name, Role: c.user.Role}
	}
	if p.User.ID != c.userID {
		c.ack(env.AckID, signaling.JoinRoomAck{Success: false, Error: "user identity mismatch"})
		return
	}

	c.user = p.User
	existing, ok := c.hub.joinRoom(c, p.RoomID)
	if !ok {
		c.hub.log.Warn("room full", zap.String("room_id", p.RoomID), zap.String("user_id", c.userID))
		c.ack(env.AckID, signaling.JoinRoomAck{Success: false, Error: "room is full"})
		return
	}
	firstIn := len(existing) == 0

	users := append(existing, p.User)
	c.ack(env.AckID, signaling.JoinRoomAck{Success: true, Users: users})

	joined, _ := json.Marshal(signaling.UserJoinedPayload{
		UserID: c.userID,
		RoomID: p.RoomID,
		User:   p.User,
	})
	c.hub.publish(p.RoomID, signaling.EventUserJoined, c.userID, joined)

	if firstIn && c.hub.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()
		if err := c.hub.recorder.CallStarted(ctx, p.RoomID, c.userID); err != nil {
			c.hub.log.Warn("recording call start failed",
				zap.String("room_id", p.RoomID), zap.Error(err))
		}
	}
	c.hub.log.Info("user joined room",
		zap.String("room_id", p.RoomID), zap.String("user_id", c.userID))
}

// relayAs republishes the client's payload to the rest of the room under the
// given outbound event name
func (c *Client) relayAs(env envelope, outEvent string) {
	if c.roomID == "" {
		c.hub.log.Warn("relay before join", zap.String("event", env.Event), zap.String("user_id", c.userID))
		return
	}
	c.hub.publish(c.roomID, outEvent, c.userID, env.Payload)
}

// ack sends an acknowledgement frame if the client asked for one
func (c *Client) ack(ackID string, payload any) {
	if ackID == "" {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := json.Marshal(envelope{Event: "ack", AckID: ackID, Payload: raw})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.hub.log.Warn("ack dropped, send buffer full", zap.String("user_id", c.userID))
	}
}

func roomChannel(roomID string) string {
	return fmt.Sprintf("call:%s", roomID)
}
