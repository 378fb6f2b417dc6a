package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"telecare-rtc/pkg/constants"
)

// echoServer is a minimal signaling peer: it acks join-room and loops every
// other frame straight back to the client.
type echoServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames []envelope
}

func (s *echoServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, env)
		s.mu.Unlock()

		if env.Event == EventJoinRoom {
			ack, _ := json.Marshal(JoinRoomAck{Success: true})
			_ = conn.WriteJSON(envelope{Event: eventAck, AckID: env.AckID, Payload: ack})
			continue
		}
		_ = conn.WriteJSON(env)
	}
}

func (s *echoServer) received(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if f.Event == event {
			return true
		}
	}
	return false
}

func newTestServer(t *testing.T) (*echoServer, string) {
	t.Helper()
	s := &echoServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(s.handler))
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSChannel_ConnectAndDisconnect(t *testing.T) {
	_, url := newTestServer(t)
	c := NewWSChannel(url, "")

	assert.False(t, c.Connected())
	assert.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	// second connect is a no-op
	assert.NoError(t, c.Connect(context.Background()))

	c.Disconnect()
	assert.False(t, c.Connected())
	c.Disconnect()
}

func TestWSChannel_EmitWhileDisconnectedDrops(t *testing.T) {
	c := NewWSChannel("ws://127.0.0.1:1/ws", "")
	err := c.Emit(EventOffer, DescriptionPayload{CallID: "room-1"})
	assert.Error(t, err)
}

func TestWSChannel_EventRoundTrip(t *testing.T) {
	_, url := newTestServer(t)
	c := NewWSChannel(url, "")
	assert.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	got := make(chan DescriptionPayload, 1)
	off := c.On(EventOffer, func(raw json.RawMessage) {
		var p DescriptionPayload
		if err := json.Unmarshal(raw, &p); err == nil {
			got <- p
		}
	})
	defer off()

	err := c.Emit(EventOffer, DescriptionPayload{CallID: "room-1", From: "user-a"})
	assert.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, "room-1", p.CallID)
		assert.Equal(t, "user-a", p.From)
	case <-time.After(2 * time.Second):
		t.Fatal("echoed offer never arrived")
	}
}

func TestWSChannel_EmitWithAck(t *testing.T) {
	srv, url := newTestServer(t)
	c := NewWSChannel(url, "")
	assert.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	var ack JoinRoomAck
	err := c.EmitWithAck(context.Background(), EventJoinRoom,
		JoinRoomPayload{RoomID: "room-1", UserID: "user-a"}, &ack)

	assert.NoError(t, err)
	assert.True(t, ack.Success)
	assert.True(t, srv.received(EventJoinRoom))
}

func TestWSChannel_EmitWithAckContextCancel(t *testing.T) {
	// a server that never acks
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewWSChannel("ws"+strings.TrimPrefix(srv.URL, "http"), "")
	assert.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.EmitWithAck(ctx, EventJoinRoom, JoinRoomPayload{RoomID: "room-1"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWSChannel_UnsubscribeStopsDelivery(t *testing.T) {
	_, url := newTestServer(t)
	c := NewWSChannel(url, "")
	assert.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	calls := make(chan struct{}, 4)
	off := c.On(EventChatMessage, func(json.RawMessage) { calls <- struct{}{} })
	off()

	assert.NoError(t, c.Emit(EventChatMessage, ChatMessagePayload{RoomID: "room-1"}))

	select {
	case <-calls:
		t.Fatal("handler fired after unsubscribe")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWSChannel_HandlerPanicContained(t *testing.T) {
	_, url := newTestServer(t)
	c := NewWSChannel(url, "")
	assert.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	c.On(EventChatMessage, func(json.RawMessage) { panic("handler bug") })
	survived := make(chan struct{}, 1)
	c.On(EventChatMessage, func(json.RawMessage) { survived <- struct{}{} })

	assert.NoError(t, c.Emit(EventChatMessage, ChatMessagePayload{RoomID: "room-1"}))

	select {
	case <-survived:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop died after handler panic")
	}
}

func TestReconnectDelayBounds(t *testing.T) {
	assert.Equal(t, constants.ReconnectDelay, reconnectDelay(1))
	assert.Equal(t, 2*constants.ReconnectDelay, reconnectDelay(2))
	for attempt := 1; attempt <= constants.ReconnectAttempts; attempt++ {
		d := reconnectDelay(attempt)
		assert.GreaterOrEqual(t, d, constants.ReconnectDelay)
		assert.LessOrEqual(t, d, constants.ReconnectDelayMax)
	}
	assert.Equal(t, constants.ReconnectDelayMax, reconnectDelay(constants.ReconnectAttempts))
}
