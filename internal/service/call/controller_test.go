package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"telecare-rtc/internal/callstate"
	"telecare-rtc/internal/domain"
	"telecare-rtc/internal/signaling"
	"telecare-rtc/internal/transport"
)

// scriptedChannel is an in-memory Channel: tests fire inbound events with
// dispatch and inspect what the controller emitted.
type scriptedChannel struct {
	mu       sync.Mutex
	handlers map[string][]signaling.Handler
	emitted  []emitted
	joinAck  signaling.JoinRoomAck
}

type emitted struct {
	event   string
	payload any
}

func newScriptedChannel() *scriptedChannel {
	return &scriptedChannel{
		handlers: make(map[string][]signaling.Handler),
		joinAck:  signaling.JoinRoomAck{Success: true},
	}
}

func (c *scriptedChannel) Connect(ctx context.Context) error { return nil }
func (c *scriptedChannel) Disconnect()                       {}
func (c *scriptedChannel) Connected() bool                   { return true }

func (c *scriptedChannel) Emit(event string, payload any) error {
	c.mu.Lock()
	c.emitted = append(c.emitted, emitted{event, payload})
	c.mu.Unlock()
	return nil
}

func (c *scriptedChannel) EmitWithAck(ctx context.Context, event string, payload any, ack any) error {
	c.mu.Lock()
	c.emitted = append(c.emitted, emitted{event, payload})
	c.mu.Unlock()
	if event == signaling.EventJoinRoom && ack != nil {
		raw, _ := json.Marshal(c.joinAck)
		return json.Unmarshal(raw, ack)
	}
	return nil
}

func (c *scriptedChannel) On(event string, handler signaling.Handler) func() {
	c.handlers[event] = append(c.handlers[event], handler)
	return func() {}
}

func (c *scriptedChannel) dispatch(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	assert.NoError(t, err)
	for _, h := range c.handlers[event] {
		h(raw)
	}
}

func (c *scriptedChannel) countEvent(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.emitted {
		if e.event == event {
			n++
		}
	}
	return n
}

// nullTransport satisfies MediaTransport with inert behavior
type nullTransport struct {
	remoteDescs int
	state       transport.SignalingState
}

func (f *nullTransport) GetUserMedia(ctx context.Context, c transport.MediaConstraints) (transport.MediaStream, error) {
	return &nullStream{}, nil
}
func (f *nullTransport) CreateOffer(ctx context.Context) (transport.SessionDescription, error) {
	return transport.SessionDescription{Type: "offer", SDP: "v=0"}, nil
}
func (f *nullTransport) CreateAnswer(ctx context.Context) (transport.SessionDescription, error) {
	return transport.SessionDescription{Type: "answer", SDP: "v=0"}, nil
}
func (f *nullTransport) SetLocalDescription(d transport.SessionDescription) error {
	if d.Type == "offer" {
		f.state = transport.SignalingHaveLocalOffer
	} else {
		f.state = transport.SignalingStable
	}
	return nil
}
func (f *nullTransport) SetRemoteDescription(d transport.SessionDescription) error {
	f.remoteDescs++
	if d.Type == "offer" {
		f.state = transport.SignalingHaveRemoteOffer
	} else {
		f.state = transport.SignalingStable
	}
	return nil
}
func (f *nullTransport) Rollback() error {
	f.state = transport.SignalingStable
	return nil
}
func (f *nullTransport) AddICECandidate(c transport.ICECandidate) error { return nil }
func (f *nullTransport) SignalingState() transport.SignalingState {
	if f.state == "" {
		return transport.SignalingStable
	}
	return f.state
}
func (f *nullTransport) OnICECandidate(fn func(transport.ICECandidate)) func()    { return func() {} }
func (f *nullTransport) OnTrack(fn func(transport.MediaStream)) func()            { return func() {} }
func (f *nullTransport) OnICEConnectionStateChange(fn func(domain.ICEConnectionState)) func() {
	return func() {}
}
func (f *nullTransport) OnConnectionStateChange(fn func(domain.PeerConnectionState)) func() {
	return func() {}
}
func (f *nullTransport) Close() error { return nil }

type nullStream struct{}

func (s *nullStream) ID() string                          { return "null" }
func (s *nullStream) Tracks() []transport.MediaTrack      { return nil }
func (s *nullStream) AudioTracks() []transport.MediaTrack { return nil }
func (s *nullStream) VideoTracks() []transport.MediaTrack { return nil }
func (s *nullStream) Release()                            {}

var (
	doctor  = domain.User{ID: "doc-1", Name: "Dr. Chen", Role: domain.RoleDoctor}
	patient = domain.User{ID: "pat-1", Name: "Sam", Role: domain.RolePatient}
)

func newTestController(t *testing.T, ch *scriptedChannel, isCaller bool) (*Controller, *callstate.Store, *nullTransport) {
	t.Helper()
	store := callstate.New()
	tr := &nullTransport{}

	local, remote := doctor, patient
	if !isCaller {
		local, remote = patient, doctor
	}

	c := NewController(Config{
		Channel:    ch,
		Store:      store,
		LocalUser:  local,
		RemoteUser: remote,
		RoomID:     "room-1",
		IsCaller:   isCaller,
		NewTransport: func(transport.ICEConfig) (transport.MediaTransport, error) {
			return tr, nil
		},
	})
	return c, store, tr
}

func TestController_CallerDialsWhenPeerPresent(t *testing.T) {
	ch := newScriptedChannel()
	ch.joinAck = signaling.JoinRoomAck{Success: true, Users: []domain.User{doctor, patient}}

	c, store, _ := newTestController(t, ch, true)
	defer c.Stop()

	assert.NoError(t, c.Start(context.Background()))
	assert.Equal(t, domain.CallStatusDialing, store.CurrentCall().Status)
	assert.Equal(t, 1, ch.countEvent(signaling.EventOffer))
}

func TestController_CallerWaitsForPeerThenDials(t *testing.T) {
	ch := newScriptedChannel()
	ch.joinAck = signaling.JoinRoomAck{Success: true, Users: []domain.User{doctor}}

	c, store, _ := newTestController(t, ch, true)
	defer c.Stop()

	assert.NoError(t, c.Start(context.Background()))
	assert.Zero(t, ch.countEvent(signaling.EventOffer))

	ch.dispatch(t, signaling.EventUserJoined, signaling.UserJoinedPayload{
		UserID: patient.ID, RoomID: "room-1", User: patient,
	})

	assert.Equal(t, 1, ch.countEvent(signaling.EventOffer))
	assert.Len(t, store.ConnectedUsers(), 2)

	// duplicate join must not re-offer
	ch.dispatch(t, signaling.EventUserJoined, signaling.UserJoinedPayload{
		UserID: patient.ID, RoomID: "room-1", User: patient,
	})
	assert.Equal(t, 1, ch.countEvent(signaling.EventOffer))
}

func TestController_AnswerActivatesCall(t *testing.T) {
	ch := newScriptedChannel()
	ch.joinAck = signaling.JoinRoomAck{Success: true, Users: []domain.User{doctor, patient}}

	c, store, _ := newTestController(t, ch, true)
	defer c.Stop()
	assert.NoError(t, c.Start(context.Background()))

	ch.dispatch(t, signaling.EventAnswer, signaling.DescriptionPayload{
		SDP:    transport.SessionDescription{Type: "answer", SDP: "v=0"},
		CallID: "room-1",
		From:   patient.ID,
	})

	assert.Equal(t, domain.CallStatusActive, store.CurrentCall().Status)
}

func TestController_CalleeRingsThenAnswersOffer(t *testing.T) {
	ch := newScriptedChannel()
	c, store, tr := newTestController(t, ch, false)
	defer c.Stop()

	assert.NoError(t, c.Start(context.Background()))
	assert.Equal(t, domain.CallStatusRinging, store.CurrentCall().Status)

	ch.dispatch(t, signaling.EventOffer, signaling.DescriptionPayload{
		SDP:    transport.SessionDescription{Type: "offer", SDP: "v=0"},
		CallID: "room-1",
		From:   doctor.ID,
	})

	assert.Equal(t, 1, tr.remoteDescs)
	assert.Equal(t, 1, ch.countEvent(signaling.EventAnswer))
	assert.Equal(t, domain.CallStatusActive, store.CurrentCall().Status)
}

func TestController_DiscardsMismatchedRoomEvents(t *testing.T) {
	ch := newScriptedChannel()
	c, store, tr := newTestController(t, ch, false)
	defer c.Stop()
	assert.NoError(t, c.Start(context.Background()))

	ch.dispatch(t, signaling.EventOffer, signaling.DescriptionPayload{
		SDP:    transport.SessionDescription{Type: "offer", SDP: "v=0"},
		CallID: "other-room",
		From:   doctor.ID,
	})

	assert.Zero(t, tr.remoteDescs)
	assert.Equal(t, domain.CallStatusRinging, store.CurrentCall().Status)
}

func TestController_DiscardsOwnEvents(t *testing.T) {
	ch := newScriptedChannel()
	c, _, tr := newTestController(t, ch, false)
	defer c.Stop()
	assert.NoError(t, c.Start(context.Background()))

	ch.dispatch(t, signaling.EventOffer, signaling.DescriptionPayload{
		SDP:    transport.SessionDescription{Type: "offer", SDP: "v=0"},
		CallID: "room-1",
		From:   patient.ID, // our own id on the callee side
	})

	assert.Zero(t, tr.remoteDescs)
}

func TestController_RemoteEndEndsSession(t *testing.T) {
	ch := newScriptedChannel()
	ch.joinAck = signaling.JoinRoomAck{Success: true, Users: []domain.User{doctor, patient}}

	c, store, _ := newTestController(t, ch, true)
	assert.NoError(t, c.Start(context.Background()))

	ch.dispatch(t, signaling.EventCallEnded, signaling.CallEndedPayload{
		CallID: "room-1", Reason: "hangup",
	})

	assert.Equal(t, domain.CallStatusEnded, store.CurrentCall().Status)
	assert.Equal(t, 1, ch.countEvent(signaling.EventLeaveRoom))
}

func TestController_RemoteDeclineDiscardsChat(t *testing.T) {
	ch := newScriptedChannel()
	ch.joinAck = signaling.JoinRoomAck{Success: true, Users: []domain.User{doctor, patient}}

	c, store, _ := newTestController(t, ch, true)
	assert.NoError(t, c.Start(context.Background()))
	assert.NoError(t, c.SendChatMessage("are you there?"))

	ch.dispatch(t, signaling.EventCallDeclined, signaling.CallEndedPayload{CallID: "room-1"})

	assert.Equal(t, domain.CallStatusEnded, store.CurrentCall().Status)
	assert.Empty(t, store.ChatMessages())
}

func TestController_HangUpNotifiesRoom(t *testing.T) {
	ch := newScriptedChannel()
	ch.joinAck = signaling.JoinRoomAck{Success: true, Users: []domain.User{doctor, patient}}

	c, store, _ := newTestController(t, ch, true)
	assert.NoError(t, c.Start(context.Background()))

	c.HangUp()

	assert.Equal(t, domain.CallStatusEnded, store.CurrentCall().Status)
	assert.Equal(t, 1, ch.countEvent(signaling.EventEndCall))
	assert.Equal(t, 1, ch.countEvent(signaling.EventLeaveRoom))
}

func TestController_JoinRejectionFailsCall(t *testing.T) {
	ch := newScriptedChannel()
	ch.joinAck = signaling.JoinRoomAck{Success: false, Error: "room is full"}

	c, store, _ := newTestController(t, ch, true)
	err := c.Start(context.Background())

	assert.Error(t, err)
	assert.Equal(t, domain.CallStatusFailed, store.CurrentCall().Status)
}

func TestController_PeerLeavingEndsCall(t *testing.T) {
	ch := newScriptedChannel()
	ch.joinAck = signaling.JoinRoomAck{Success: true, Users: []domain.User{doctor, patient}}

	c, store, _ := newTestController(t, ch, true)
	assert.NoError(t, c.Start(context.Background()))

	ch.dispatch(t, signaling.EventUserLeft, signaling.UserLeftPayload{
		UserID: patient.ID, RoomID: "room-1",
	})

	assert.Equal(t, domain.CallStatusEnded, store.CurrentCall().Status)
}

func TestController_ChatMessageRoundTrip(t *testing.T) {
	ch := newScriptedChannel()
	ch.joinAck = signaling.JoinRoomAck{Success: true, Users: []domain.User{doctor, patient}}

	c, store, _ := newTestController(t, ch, true)
	defer c.Stop()
	assert.NoError(t, c.Start(context.Background()))

	assert.NoError(t, c.SendChatMessage("hello"))
	ch.dispatch(t, signaling.EventChatMessage, signaling.ChatMessagePayload{
		ChatMessage: domain.ChatMessage{
			ID: "m2", CallID: "room-1", SenderID: patient.ID, Text: "hi back",
		},
		RoomID: "room-1",
	})

	msgs := store.ChatMessages()
	assert.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsLocal)
	assert.False(t, msgs[1].IsLocal)
}

func TestController_ToggleMuteTracksState(t *testing.T) {
	ch := newScriptedChannel()
	ch.joinAck = signaling.JoinRoomAck{Success: true, Users: []domain.User{doctor, patient}}

	c, store, _ := newTestController(t, ch, true)
	defer c.Stop()
	assert.NoError(t, c.Start(context.Background()))

	assert.True(t, c.ToggleMute())
	assert.True(t, store.IsMuted())
	assert.False(t, c.ToggleMute())
	assert.False(t, store.IsMuted())
}

func TestController_RingTimeoutEndsUnansweredCall(t *testing.T) {
	ch := newScriptedChannel()
	ch.joinAck = signaling.JoinRoomAck{Success: true, Users: []domain.User{doctor, patient}}

	store := callstate.New()
	c := NewController(Config{
		Channel:     ch,
		Store:       store,
		LocalUser:   doctor,
		RemoteUser:  patient,
		RoomID:      "room-1",
		IsCaller:    true,
		RingTimeout: 30 * time.Millisecond,
		NewTransport: func(transport.ICEConfig) (transport.MediaTransport, error) {
			return &nullTransport{}, nil
		},
	})
	defer c.Stop()

	assert.NoError(t, c.Start(context.Background()))
	assert.Equal(t, domain.CallStatusDialing, store.CurrentCall().Status)

	assert.Eventually(t, func() bool {
		return store.CurrentCall().Status == domain.CallStatusEnded
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ch.countEvent(signaling.EventEndCall))
}

func TestController_RingTimeoutSparesActiveCall(t *testing.T) {
	ch := newScriptedChannel()
	ch.joinAck = signaling.JoinRoomAck{Success: true, Users: []domain.User{doctor, patient}}

	store := callstate.New()
	c := NewController(Config{
		Channel:     ch,
		Store:       store,
		LocalUser:   doctor,
		RemoteUser:  patient,
		RoomID:      "room-1",
		IsCaller:    true,
		RingTimeout: 30 * time.Millisecond,
		NewTransport: func(transport.ICEConfig) (transport.MediaTransport, error) {
			return &nullTransport{}, nil
		},
	})
	defer c.Stop()

	assert.NoError(t, c.Start(context.Background()))
	ch.dispatch(t, signaling.EventAnswer, signaling.DescriptionPayload{
		SDP:    transport.SessionDescription{Type: "answer", SDP: "v=0"},
		CallID: "room-1",
		From:   patient.ID,
	})
	assert.Equal(t, domain.CallStatusActive, store.CurrentCall().Status)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.CallStatusActive, store.CurrentCall().Status)
	assert.Zero(t, ch.countEvent(signaling.EventEndCall))
}
