// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single WebSocket write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Signaling channel reconnection policy
const (
	// ReconnectAttempts is how many times the channel retries before giving up
	ReconnectAttempts = 5

	// ReconnectDelay is the base delay between reconnection attempts
	ReconnectDelay = 3 * time.Second

	// ReconnectDelayMax caps the backoff between reconnection attempts
	ReconnectDelayMax = 10 * time.Second

	// AckTimeout bounds how long an emit-with-ack waits for the server
	AckTimeout = 10 * time.Second
)

// Call/room limits
const (
	// MaxRoomParticipants caps a telehealth room at one doctor and one patient
	MaxRoomParticipants = 2

	// SendBufferSize is the per-client outbound message buffer on the server
	SendBufferSize = 256
)
