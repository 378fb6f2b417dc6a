// Package callstate holds the authoritative in-memory record of the current
// call. Every mutation goes through a named operation with documented
// preconditions; operations against a terminal session are no-ops, which is
// what makes concurrent teardown paths (local hangup racing a remote
// call-ended event) safe.
package callstate

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"telecare-rtc/internal/domain"
	"telecare-rtc/internal/transport"
	apperrors "telecare-rtc/pkg/errors"
	"telecare-rtc/pkg/logger"
)

// Store is the single mutable source of truth for the current call, its
// participants, chat side channel, and desired local media toggles.
type Store struct {
	log *zap.Logger

	mu           sync.Mutex
	current      *domain.CallSession
	localStream  transport.MediaStream
	remoteStream transport.MediaStream
	chat         []domain.ChatMessage
	users        map[string]domain.User

	isMuted        bool
	isVideoEnabled bool
	connState      domain.ConnectionState
}

// New creates an empty store
func New() *Store {
	return &Store{
		log:            logger.With(zap.String("component", "callstate")),
		users:          make(map[string]domain.User),
		isVideoEnabled: true,
		connState:      domain.ConnectionNew,
	}
}

// Initiate starts a new call session. Valid only when no non-terminal
// session exists. Resets media toggles to defaults (unmuted, video on),
// resets connection state to new, and seeds the connected-user set with the
// caller.
func (s *Store) Initiate(session domain.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && !s.current.Status.IsTerminal() {
		return apperrors.New(apperrors.ErrCodeCallActive, "a call is already in progress")
	}

	now := time.Now()
	session.Status = domain.CallStatusDialing
	session.StartedAt = &now
	session.EndedAt = nil

	s.log.Info("initiating call", zap.String("call_id", session.ID))

	s.releaseStreamsLocked()
	s.current = &session
	s.chat = nil
	s.isMuted = false
	s.isVideoEnabled = true
	s.connState = domain.ConnectionNew
	s.users = map[string]domain.User{session.Caller.ID: session.Caller}
	return nil
}

// AnswerCall marks the current session active. Silently ignored if the id
// does not match or the session is terminal.
func (s *Store) AnswerCall(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(id) {
		return
	}
	s.log.Info("answering call", zap.String("call_id", id))
	s.current.Status = domain.CallStatusActive
	s.connState = domain.ConnectionConnecting
}

// UpdateStatus transitions the current session. Silently ignored if the id
// does not match or the session is terminal. Transitions into a terminal
// status release streams and clear the connected-user set.
func (s *Store) UpdateStatus(id string, status domain.CallStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateStatusLocked(id, status)
}

func (s *Store) updateStatusLocked(id string, status domain.CallStatus) {
	if !s.matchesLocked(id) {
		return
	}
	s.log.Debug("updating call status",
		zap.String("call_id", id), zap.String("status", string(status)))
	s.current.Status = status

	if status.IsTerminal() {
		now := time.Now()
		s.current.EndedAt = &now
		s.releaseStreamsLocked()
		s.users = make(map[string]domain.User)
		if status == domain.CallStatusFailed {
			s.connState = domain.ConnectionFailed
		} else {
			s.connState = domain.ConnectionClosed
		}
	}
}

// EndCall transitions to ENDED, releases streams, and clears the
// connected-user set. Idempotent: no-op on a terminal session. The chat
// transcript is retained for post-call review.
func (s *Store) EndCall(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(id) {
		return
	}
	s.log.Info("ending call", zap.String("call_id", id))
	s.updateStatusLocked(id, domain.CallStatusEnded)
}

// DeclineCall transitions to ENDED like EndCall but also discards the chat
// transcript; a declined call never happened from the user's perspective.
func (s *Store) DeclineCall(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(id) {
		return
	}
	s.log.Info("declining call", zap.String("call_id", id))
	s.updateStatusLocked(id, domain.CallStatusEnded)
	s.chat = nil
}

// Fail transitions the current session to FAILED. No-op on a terminal
// session.
func (s *Store) Fail(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateStatusLocked(id, domain.CallStatusFailed)
}

// SetConnectionState records the reconciled connection state. A failed state
// on a non-terminal session cascades into FAILED; closed or disconnected
// cascade into ENDED. The terminal guard in updateStatus makes the cascade
// fire exactly once.
func (s *Store) SetConnectionState(state domain.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug("connection state", zap.String("state", string(state)))
	s.connState = state

	switch state {
	case domain.ConnectionFailed, domain.ConnectionClosed, domain.ConnectionDisconnected:
		if s.current != nil && !s.current.Status.IsTerminal() {
			target := domain.CallStatusEnded
			if state == domain.ConnectionFailed {
				target = domain.CallStatusFailed
			}
			s.updateStatusLocked(s.current.ID, target)
		}
	}
}

// SetLocalStream replaces the local stream, releasing the previous one first
func (s *Store) SetLocalStream(stream transport.MediaStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localStream != nil {
		s.localStream.Release()
	}
	s.localStream = stream
}

// SetRemoteStream replaces the remote stream, releasing the previous one first
func (s *Store) SetRemoteStream(stream transport.MediaStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteStream != nil {
		s.remoteStream.Release()
	}
	s.remoteStream = stream
}

// ClearStreams releases both streams. Idempotent and safe when none is held.
func (s *Store) ClearStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseStreamsLocked()
}

func (s *Store) releaseStreamsLocked() {
	if s.localStream != nil {
		s.localStream.Release()
		s.localStream = nil
	}
	if s.remoteStream != nil {
		s.remoteStream.Release()
		s.remoteStream = nil
	}
}

// AddChatMessage appends to the in-call chat transcript
func (s *Store) AddChatMessage(msg domain.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = append(s.chat, msg)
}

// ClearChatMessages discards the transcript for the given call id
func (s *Store) ClearChatMessages(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.ID == id {
		s.chat = nil
	}
}

// ChatMessages returns a copy of the transcript in append order
func (s *Store) ChatMessages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, len(s.chat))
	copy(out, s.chat)
	return out
}

// SetMuted records the desired local audio state. The store only holds the
// intent; the controller commands the media tracks to match it.
func (s *Store) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isMuted = muted
}

// SetVideoEnabled records the desired local video state
func (s *Store) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isVideoEnabled = enabled
}

func (s *Store) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isMuted
}

func (s *Store) IsVideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isVideoEnabled
}

// AddConnectedUser upserts a participant by id; never produces duplicates
func (s *Store) AddConnectedUser(user domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		s.log.Info("user joined call", zap.String("user_id", user.ID), zap.String("name", user.Name))
	}
	s.users[user.ID] = user
}

// RemoveConnectedUser removes a participant; no-op if absent
func (s *Store) RemoveConnectedUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; ok {
		s.log.Info("user left call", zap.String("user_id", userID))
		delete(s.users, userID)
	}
}

// SetConnectedUsers replaces the whole participant set
func (s *Store) SetConnectedUsers(users []domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]domain.User, len(users))
	for _, u := range users {
		s.users[u.ID] = u
	}
}

// ClearConnectedUsers empties the participant set
func (s *Store) ClearConnectedUsers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]domain.User)
}

// ConnectedUsers returns the current participant set
func (s *Store) ConnectedUsers() []domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}

// CurrentCall returns a copy of the current session, or nil
func (s *Store) CurrentCall() *domain.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	session := *s.current
	return &session
}

// ConnectionState returns the last reconciled connection state
func (s *Store) ConnectionState() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// LocalStream returns the held local stream, or nil
func (s *Store) LocalStream() transport.MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localStream
}

// RemoteStream returns the held remote stream, or nil
func (s *Store) RemoteStream() transport.MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteStream
}

// matchesLocked reports whether id addresses the current, non-terminal
// session
func (s *Store) matchesLocked(id string) bool {
	return s.current != nil && s.current.ID == id && !s.current.Status.IsTerminal()
}
