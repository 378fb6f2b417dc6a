package domain

import "time"

// CallStatus is the lifecycle state of a call session
type CallStatus string

const (
	CallStatusIdle    CallStatus = "idle"
	CallStatusDialing CallStatus = "dialing"
	CallStatusRinging CallStatus = "ringing"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
	CallStatusFailed  CallStatus = "failed"
)

// IsTerminal reports whether no further transitions may leave this status
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusEnded || s == CallStatusFailed
}

// CallSession represents one call between a caller and a callee.
// The room ID doubles as the signaling correlation key (callId on the wire).
type CallSession struct {
	ID        string     `json:"id"`
	Caller    User       `json:"caller"`
	Callee    User       `json:"callee"`
	Status    CallStatus `json:"status"`
	RoomID    string     `json:"room_id"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// ChatMessage is one message on the in-call chat side channel
type ChatMessage struct {
	ID         string    `json:"id"`
	CallID     string    `json:"call_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	IsLocal    bool      `json:"is_local,omitempty"`
}
