// Package signaling provides the bidirectional named-event channel between a
// client and the signaling server. The call core only depends on the Channel
// interface; the WebSocket implementation lives alongside it.
package signaling

import (
	"context"
	"encoding/json"
)

// Handler receives the raw payload of one inbound event
type Handler func(payload json.RawMessage)

// Channel is a persistent bidirectional event channel. Implementations must
// deliver events for a given sender in send order; no cross-sender ordering
// is guaranteed.
type Channel interface {
	// Connect establishes the connection. Safe to call when already connected.
	Connect(ctx context.Context) error
	// Disconnect closes the connection and stops reconnection attempts.
	// Idempotent.
	Disconnect()
	Connected() bool

	// Emit sends a named event. If the channel is not connected the message
	// is dropped and an error returned; there is no outbound queue.
	Emit(event string, payload any) error

	// EmitWithAck sends a named event and decodes the server acknowledgement
	// into ack (may be nil to discard it)
	EmitWithAck(ctx context.Context, event string, payload any, ack any) error

	// On subscribes to a named event and returns an unsubscribe handle
	On(event string, handler Handler) (off func())
}
