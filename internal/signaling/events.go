package signaling

import (
	"telecare-rtc/internal/domain"
	"telecare-rtc/internal/transport"
)

// Event names on the signaling channel. Room-scoped payloads all carry a
// callId (== room id) and a from field; every consumer must verify both
// before acting.
const (
	EventJoinRoom     = "join-room"
	EventLeaveRoom    = "leave-room"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventEndCall      = "end-call"
	EventCallEnded    = "call-ended"
	EventDeclineCall  = "decline-call"
	EventCallDeclined = "call-declined"
	EventChatMessage  = "chat-message"
)

// Channel lifecycle events, dispatched through the same subscription surface
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"
)

// JoinRoomPayload asks the server to add the user to a room
type JoinRoomPayload struct {
	RoomID string      `json:"roomId"`
	UserID string      `json:"userId"`
	User   domain.User `json:"user"`
}

// JoinRoomAck is the acknowledgement for a join-room emit
type JoinRoomAck struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Users   []domain.User `json:"users,omitempty"`
}

// LeaveRoomPayload removes the user from a room
type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// UserJoinedPayload notifies room members of a new participant
type UserJoinedPayload struct {
	UserID string      `json:"userId"`
	RoomID string      `json:"roomId"`
	User   domain.User `json:"user"`
}

// UserLeftPayload notifies room members that a participant left
type UserLeftPayload struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

// DescriptionPayload carries an SDP offer or answer
type DescriptionPayload struct {
	SDP    transport.SessionDescription `json:"sdp"`
	CallID string                       `json:"callId"`
	To     string                       `json:"to,omitempty"`
	From   string                       `json:"from"`
}

// CandidatePayload carries one ICE candidate
type CandidatePayload struct {
	Candidate transport.ICECandidate `json:"candidate"`
	CallID    string                 `json:"callId"`
	To        string                 `json:"to,omitempty"`
	From      string                 `json:"from"`
}

// EndCallPayload asks the server to notify the room the call is over
type EndCallPayload struct {
	CallID string `json:"callId"`
	To     string `json:"to,omitempty"`
	From   string `json:"from,omitempty"`
}

// CallEndedPayload notifies clients the call is over
type CallEndedPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// ChatMessagePayload carries an in-call chat message
type ChatMessagePayload struct {
	domain.ChatMessage
	RoomID string `json:"roomId"`
}

// ReconnectAttemptPayload reports a reconnection attempt number
type ReconnectAttemptPayload struct {
	Attempt int `json:"attempt"`
}
