// Package transport defines the media-transport surface the call core
// negotiates against, and provides a Pion-backed implementation. The
// negotiation engine and reconciler only ever see these interfaces, so they
// can be tested without touching a real peer connection.
package transport

import (
	"context"
	"sync"

	"telecare-rtc/internal/domain"
)

// SessionDescription is an SDP payload exchanged as offer/answer
type SessionDescription struct {
	Type string `json:"type"` // offer, answer, rollback
	SDP  string `json:"sdp"`
}

// ICECandidate is a network path proposal. An empty Candidate string is the
// end-of-candidates marker.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalingState mirrors the transport's SDP negotiation state
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

// MediaTrack is a single audio or video track
type MediaTrack interface {
	ID() string
	Kind() string // audio, video
	// SetEnabled toggles whether the track produces media without releasing it
	SetEnabled(enabled bool)
	Enabled() bool
	// Stop releases the underlying capture resource. Idempotent.
	Stop()
}

// MediaStream is a group of tracks sharing one source
type MediaStream interface {
	ID() string
	Tracks() []MediaTrack
	AudioTracks() []MediaTrack
	VideoTracks() []MediaTrack
	// Release stops every track. Idempotent.
	Release()
}

// MediaConstraints selects which kinds of media to capture
type MediaConstraints struct {
	Audio      bool
	Video      bool
	Width      int
	Height     int
	FrameRate  int
	FacingMode string
}

// DefaultConstraints matches the consultation capture profile: audio plus
// front-facing 640x480@24 video.
func DefaultConstraints() MediaConstraints {
	return MediaConstraints{
		Audio:      true,
		Video:      true,
		Width:      640,
		Height:     480,
		FrameRate:  24,
		FacingMode: "user",
	}
}

// MediaTransport is the capability interface over a peer connection. Every
// observer registration returns an unsubscribe handle so callers can
// deterministically deregister during teardown.
type MediaTransport interface {
	// GetUserMedia acquires local capture tracks and attaches them to the
	// peer connection
	GetUserMedia(ctx context.Context, constraints MediaConstraints) (MediaStream, error)

	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	// Rollback abandons a pending local offer, returning to stable
	Rollback() error
	AddICECandidate(candidate ICECandidate) error
	SignalingState() SignalingState

	OnICECandidate(fn func(ICECandidate)) (unsubscribe func())
	OnTrack(fn func(MediaStream)) (unsubscribe func())
	OnICEConnectionStateChange(fn func(domain.ICEConnectionState)) (unsubscribe func())
	OnConnectionStateChange(fn func(domain.PeerConnectionState)) (unsubscribe func())

	// Close releases the peer connection. Idempotent.
	Close() error
}

// observerList is a small concurrency-safe callback registry whose Add
// returns an unsubscribe handle.
type observerList[T any] struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(T)
}

func newObserverList[T any]() *observerList[T] {
	return &observerList[T]{fns: make(map[int]func(T))}
}

func (l *observerList[T]) Add(fn func(T)) func() {
	l.mu.Lock()
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *observerList[T]) Notify(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *observerList[T]) Clear() {
	l.mu.Lock()
	l.fns = make(map[int]func(T))
	l.mu.Unlock()
}
