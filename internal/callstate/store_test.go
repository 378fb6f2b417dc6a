package callstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"telecare-rtc/internal/domain"
	"telecare-rtc/internal/transport"
)

// fakeTrack and fakeStream let the tests observe stream release discipline
type fakeTrack struct {
	kind    string
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string               { return "t" }
func (t *fakeTrack) Kind() string             { return t.kind }
func (t *fakeTrack) SetEnabled(enabled bool)  { t.enabled = enabled }
func (t *fakeTrack) Enabled() bool            { return t.enabled }
func (t *fakeTrack) Stop()                    { t.stopped = true }

type fakeStream struct {
	id       string
	tracks   []*fakeTrack
	released int
}

func (s *fakeStream) ID() string { return s.id }
func (s *fakeStream) Tracks() []transport.MediaTrack {
	out := make([]transport.MediaTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}
func (s *fakeStream) AudioTracks() []transport.MediaTrack { return s.byKind("audio") }
func (s *fakeStream) VideoTracks() []transport.MediaTrack { return s.byKind("video") }
func (s *fakeStream) byKind(kind string) []transport.MediaTrack {
	var out []transport.MediaTrack
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}
func (s *fakeStream) Release() { s.released++ }

func newSession(id string) domain.CallSession {
	return domain.CallSession{
		ID:     id,
		Caller: domain.User{ID: "doc-1", Name: "Dr. Chen", Role: domain.RoleDoctor},
		Callee: domain.User{ID: "pat-1", Name: "Sam", Role: domain.RolePatient},
		RoomID: id,
	}
}

func TestStore_InitiateResetsSessionState(t *testing.T) {
	s := New()
	s.SetMuted(true)
	s.SetVideoEnabled(false)
	s.AddChatMessage(domain.ChatMessage{ID: "old", Text: "stale"})

	err := s.Initiate(newSession("call-1"))
	assert.NoError(t, err)

	session := s.CurrentCall()
	assert.Equal(t, domain.CallStatusDialing, session.Status)
	assert.NotNil(t, session.StartedAt)
	assert.False(t, s.IsMuted())
	assert.True(t, s.IsVideoEnabled())
	assert.Equal(t, domain.ConnectionNew, s.ConnectionState())
	assert.Empty(t, s.ChatMessages())

	users := s.ConnectedUsers()
	assert.Len(t, users, 1)
	assert.Equal(t, "doc-1", users[0].ID)
}

func TestStore_InitiateRejectedWhileCallActive(t *testing.T) {
	s := New()
	assert.NoError(t, s.Initiate(newSession("call-1")))

	err := s.Initiate(newSession("call-2"))
	assert.Error(t, err)
	assert.Equal(t, "call-1", s.CurrentCall().ID)
}

func TestStore_InitiateAllowedAfterTerminal(t *testing.T) {
	s := New()
	assert.NoError(t, s.Initiate(newSession("call-1")))
	s.EndCall("call-1")

	assert.NoError(t, s.Initiate(newSession("call-2")))
	assert.Equal(t, "call-2", s.CurrentCall().ID)
}

func TestStore_AnswerCall(t *testing.T) {
	s := New()
	assert.NoError(t, s.Initiate(newSession("call-1")))

	s.AnswerCall("wrong-id")
	assert.Equal(t, domain.CallStatusDialing, s.CurrentCall().Status)

	s.AnswerCall("call-1")
	assert.Equal(t, domain.CallStatusActive, s.CurrentCall().Status)
	assert.Equal(t, domain.ConnectionConnecting, s.ConnectionState())
}

func TestStore_EndCallRetainsChat(t *testing.T) {
	s := New()
	assert.NoError(t, s.Initiate(newSession("call-1")))
	s.AddChatMessage(domain.ChatMessage{ID: "m1", CallID: "call-1", Text: "hello"})

	s.EndCall("call-1")

	session := s.CurrentCall()
	assert.Equal(t, domain.CallStatusEnded, session.Status)
	assert.NotNil(t, session.EndedAt)
	assert.Len(t, s.ChatMessages(), 1)
	assert.Empty(t, s.ConnectedUsers())
}

func TestStore_DeclineCallDiscardsChat(t *testing.T) {
	s := New()
	assert.NoError(t, s.Initiate(newSession("call-1")))
	s.AddChatMessage(domain.ChatMessage{ID: "m1", CallID: "call-1", Text: "hello"})

	s.DeclineCall("call-1")

	assert.Equal(t, domain.CallStatusEnded, s.CurrentCall().Status)
	assert.Empty(t, s.ChatMessages())
}

func TestStore_EndCallIdempotent(t *testing.T) {
	s := New()
	assert.NoError(t, s.Initiate(newSession("call-1")))

	s.EndCall("call-1")
	first := *s.CurrentCall().EndedAt

	time.Sleep(5 * time.Millisecond)
	s.EndCall("call-1")
	assert.Equal(t, first, *s.CurrentCall().EndedAt)
}

func TestStore_TerminalTransitionReleasesStreams(t *testing.T) {
	s := New()
	assert.NoError(t, s.Initiate(newSession("call-1")))

	local := &fakeStream{id: "local"}
	remote := &fakeStream{id: "remote"}
	s.SetLocalStream(local)
	s.SetRemoteStream(remote)

	s.UpdateStatus("call-1", domain.CallStatusFailed)

	assert.Equal(t, 1, local.released)
	assert.Equal(t, 1, remote.released)
	assert.Nil(t, s.LocalStream())
	assert.Nil(t, s.RemoteStream())
	assert.Equal(t, domain.ConnectionFailed, s.ConnectionState())
}

func TestStore_ReplacingStreamReleasesPrevious(t *testing.T) {
	s := New()
	first := &fakeStream{id: "first"}
	second := &fakeStream{id: "second"}

	s.SetLocalStream(first)
	s.SetLocalStream(second)

	assert.Equal(t, 1, first.released)
	assert.Equal(t, 0, second.released)
}

func TestStore_ConnectionFailureCascadesOnce(t *testing.T) {
	s := New()
	assert.NoError(t, s.Initiate(newSession("call-1")))
	s.AnswerCall("call-1")

	s.SetConnectionState(domain.ConnectionFailed)
	assert.Equal(t, domain.CallStatusFailed, s.CurrentCall().Status)
	endedAt := *s.CurrentCall().EndedAt

	// the transport usually follows failed with closed; the session must not
	// move again
	s.SetConnectionState(domain.ConnectionClosed)
	assert.Equal(t, domain.CallStatusFailed, s.CurrentCall().Status)
	assert.Equal(t, endedAt, *s.CurrentCall().EndedAt)
}

func TestStore_DisconnectedEndsCall(t *testing.T) {
	s := New()
	assert.NoError(t, s.Initiate(newSession("call-1")))
	s.AnswerCall("call-1")

	s.SetConnectionState(domain.ConnectionDisconnected)
	assert.Equal(t, domain.CallStatusEnded, s.CurrentCall().Status)
}

func TestStore_ConnectionStateWithoutSession(t *testing.T) {
	s := New()
	s.SetConnectionState(domain.ConnectionFailed)
	assert.Nil(t, s.CurrentCall())
	assert.Equal(t, domain.ConnectionFailed, s.ConnectionState())
}

func TestStore_ConnectedUserUpsert(t *testing.T) {
	s := New()
	s.AddConnectedUser(domain.User{ID: "u1", Name: "first"})
	s.AddConnectedUser(domain.User{ID: "u1", Name: "renamed"})
	s.AddConnectedUser(domain.User{ID: "u2", Name: "other"})

	users := s.ConnectedUsers()
	assert.Len(t, users, 2)

	byID := map[string]domain.User{}
	for _, u := range users {
		byID[u.ID] = u
	}
	assert.Equal(t, "renamed", byID["u1"].Name)
}

func TestStore_RemoveConnectedUserAbsentNoop(t *testing.T) {
	s := New()
	s.AddConnectedUser(domain.User{ID: "u1"})
	s.RemoveConnectedUser("missing")
	assert.Len(t, s.ConnectedUsers(), 1)
}
