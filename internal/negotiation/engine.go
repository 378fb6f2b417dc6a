// Package negotiation drives the SDP offer/answer/ICE exchange for a single
// call. The engine owns who offers, tolerates signaling races (glare,
// candidates arriving ahead of descriptions), and guarantees idempotent
// teardown.
package negotiation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"telecare-rtc/internal/signaling"
	"telecare-rtc/internal/transport"
	apperrors "telecare-rtc/pkg/errors"
	"telecare-rtc/pkg/logger"
)

// Config wires an Engine to its collaborators for one call
type Config struct {
	Transport   transport.MediaTransport
	Channel     signaling.Channel
	LocalUserID string
	// RoomID is the signaling correlation key; it doubles as the callId on
	// every outbound payload.
	RoomID string
	// RelayOnly mirrors the transport ICE policy. When set, any non-relay
	// candidate the transport produces is flagged as a potential IP leak.
	RelayOnly bool

	// OnLocalStream fires exactly once, when local media is first acquired
	OnLocalStream func(transport.MediaStream)
	// OnRemoteStream fires for each remote stream the transport surfaces
	OnRemoteStream func(transport.MediaStream)
}

// Engine negotiates one peer-to-peer media session over the signaling
// channel. All exported methods are safe for concurrent use and become
// no-ops after Close.
type Engine struct {
	tr        transport.MediaTransport
	ch        signaling.Channel
	localID   string
	roomID    string
	relayOnly bool
	log       *zap.Logger

	onLocalStream  func(transport.MediaStream)
	onRemoteStream func(transport.MediaStream)

	mu               sync.Mutex
	localStream      transport.MediaStream
	offerOutstanding bool
	closed           bool
	unsubs           []func()
}

// New creates an engine and immediately subscribes to the transport's
// candidate and track notifications for the lifetime of the call.
func New(cfg Config) *Engine {
	e := &Engine{
		tr:             cfg.Transport,
		ch:             cfg.Channel,
		localID:        cfg.LocalUserID,
		roomID:         cfg.RoomID,
		relayOnly:      cfg.RelayOnly,
		log:            logger.With(zap.String("component", "negotiation"), zap.String("call_id", cfg.RoomID)),
		onLocalStream:  cfg.OnLocalStream,
		onRemoteStream: cfg.OnRemoteStream,
	}

	e.unsubs = append(e.unsubs,
		cfg.Transport.OnICECandidate(e.relayCandidate),
		cfg.Transport.OnTrack(e.handleRemoteTrack),
	)

	return e
}

// AcquireLocalMedia requests camera and microphone capture from the
// transport. Idempotent: a second call while a stream is active returns the
// existing handle without re-acquiring.
func (e *Engine) AcquireLocalMedia(ctx context.Context) (transport.MediaStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acquireLocalMediaLocked(ctx)
}

func (e *Engine) acquireLocalMediaLocked(ctx context.Context) (transport.MediaStream, error) {
	if e.closed {
		return nil, apperrors.New(apperrors.ErrCodeNegotiation, "engine closed")
	}
	if e.localStream != nil {
		return e.localStream, nil
	}

	stream, err := e.tr.GetUserMedia(ctx, transport.DefaultConstraints())
	if err != nil {
		e.log.Error("local media acquisition failed", zap.Error(err))
		return nil, apperrors.Wrap(apperrors.ErrCodeMediaAcquisition, "camera/microphone unavailable", err)
	}

	e.localStream = stream
	e.log.Info("local stream acquired", zap.String("stream_id", stream.ID()))
	if e.onLocalStream != nil {
		e.onLocalStream(stream)
	}
	return stream, nil
}

// CreateOffer produces a local offer, applies it, and sends it to the room.
// Local media is acquired first if it is not already active.
func (e *Engine) CreateOffer(ctx context.Context) (*transport.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, apperrors.New(apperrors.ErrCodeNegotiation, "engine closed")
	}
	if _, err := e.acquireLocalMediaLocked(ctx); err != nil {
		return nil, err
	}

	offer, err := e.tr.CreateOffer(ctx)
	if err != nil {
		e.log.Error("create offer failed", zap.Error(err))
		return nil, apperrors.Wrap(apperrors.ErrCodeNegotiation, "create offer", err)
	}
	if err := e.tr.SetLocalDescription(offer); err != nil {
		e.log.Error("apply local offer failed", zap.Error(err))
		return nil, apperrors.Wrap(apperrors.ErrCodeNegotiation, "set local description", err)
	}

	e.offerOutstanding = true
	e.log.Debug("offer created", zap.String("sdp_preview", preview(offer.SDP)))

	e.emit(signaling.EventOffer, signaling.DescriptionPayload{
		SDP:    offer,
		CallID: e.roomID,
		To:     e.roomID,
		From:   e.localID,
	})
	return &offer, nil
}

// HandleOffer applies a remote offer. Offers from self are rejected. When a
// local offer is outstanding (glare), the lexicographically lower user id
// keeps its offer and ignores the inbound one; the higher id rolls back its
// local offer and applies the remote.
func (e *Engine) HandleOffer(ctx context.Context, sdp transport.SessionDescription, fromID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	if fromID == e.localID {
		e.log.Warn("ignoring offer from self")
		return nil
	}
	if sdp.SDP == "" {
		e.log.Error("offer is missing SDP", zap.String("from", fromID))
		return apperrors.New(apperrors.ErrCodeNegotiation, "offer missing sdp")
	}
	if _, err := e.acquireLocalMediaLocked(ctx); err != nil {
		return err
	}

	if e.offerOutstanding {
		if e.localID < fromID {
			e.log.Info("glare: local offer stands, ignoring remote offer",
				zap.String("from", fromID))
			return nil
		}
		e.log.Info("glare: yielding to remote offer", zap.String("from", fromID))
		if err := e.tr.Rollback(); err != nil {
			e.log.Error("rollback failed", zap.Error(err))
			return apperrors.Wrap(apperrors.ErrCodeNegotiation, "rollback local offer", err)
		}
		e.offerOutstanding = false
	}

	if err := e.tr.SetRemoteDescription(sdp); err != nil {
		e.log.Error("apply remote offer failed", zap.Error(err), zap.String("from", fromID))
		return apperrors.Wrap(apperrors.ErrCodeNegotiation, "set remote description", err)
	}
	e.log.Debug("remote offer applied", zap.String("from", fromID))
	return nil
}

// CreateAnswer produces and applies a local answer to a previously applied
// remote offer, then sends it to the room. A nil description with no error
// means the transport was not in a state that permits answering.
func (e *Engine) CreateAnswer(ctx context.Context) (*transport.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, apperrors.New(apperrors.ErrCodeNegotiation, "engine closed")
	}
	if state := e.tr.SignalingState(); state != transport.SignalingHaveRemoteOffer {
		e.log.Warn("cannot answer, no remote offer applied", zap.String("signaling_state", string(state)))
		return nil, nil
	}
	if _, err := e.acquireLocalMediaLocked(ctx); err != nil {
		return nil, err
	}

	answer, err := e.tr.CreateAnswer(ctx)
	if err != nil {
		e.log.Error("create answer failed", zap.Error(err))
		return nil, apperrors.Wrap(apperrors.ErrCodeNegotiation, "create answer", err)
	}
	if err := e.tr.SetLocalDescription(answer); err != nil {
		e.log.Error("apply local answer failed", zap.Error(err))
		return nil, apperrors.Wrap(apperrors.ErrCodeNegotiation, "set local description", err)
	}

	e.log.Debug("answer created", zap.String("sdp_preview", preview(answer.SDP)))

	e.emit(signaling.EventAnswer, signaling.DescriptionPayload{
		SDP:    answer,
		CallID: e.roomID,
		To:     e.roomID,
		From:   e.localID,
	})
	return &answer, nil
}

// HandleAnswer applies a remote answer to the outstanding local offer. A
// warning no-op when no offer is outstanding.
func (e *Engine) HandleAnswer(ctx context.Context, sdp transport.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	if !e.offerOutstanding {
		e.log.Warn("answer received but no offer outstanding")
		return nil
	}
	if sdp.SDP == "" {
		e.log.Error("answer is missing SDP")
		return apperrors.New(apperrors.ErrCodeNegotiation, "answer missing sdp")
	}

	if err := e.tr.SetRemoteDescription(sdp); err != nil {
		e.log.Error("apply remote answer failed", zap.Error(err))
		return apperrors.Wrap(apperrors.ErrCodeNegotiation, "set remote description", err)
	}
	e.offerOutstanding = false
	e.log.Debug("remote answer applied")
	return nil
}

// AddICECandidate forwards a received candidate to the transport. Empty
// candidates (end-of-candidates marker) are skipped, and candidates that
// race ahead of the remote description are demoted to debug logs.
func (e *Engine) AddICECandidate(candidate transport.ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	if candidate.Candidate == "" {
		e.log.Debug("skipping empty candidate")
		return nil
	}

	if err := e.tr.AddICECandidate(candidate); err != nil {
		if apperrors.IsTransientCandidateError(err) {
			e.log.Debug("ignoring candidate, remote description likely not set yet",
				zap.Error(err))
			return nil
		}
		e.log.Error("add candidate failed", zap.Error(err))
		return apperrors.Wrap(apperrors.ErrCodeNegotiation, "add ice candidate", err)
	}
	return nil
}

// Close stops local media, detaches every transport subscription, and closes
// the transport. Safe to call multiple times and on every exit path.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	stream := e.localStream
	e.localStream = nil
	e.offerOutstanding = false
	e.mu.Unlock()

	for _, off := range unsubs {
		off()
	}
	if stream != nil {
		stream.Release()
	}
	if err := e.tr.Close(); err != nil {
		e.log.Warn("transport close", zap.Error(err))
	}
	e.log.Info("negotiation closed, resources released")
}

// relayCandidate forwards an outbound candidate to the signaling channel,
// classifying its type against the configured transport policy first.
func (e *Engine) relayCandidate(candidate transport.ICECandidate) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	if candidate.Candidate == "" {
		e.log.Debug("end of ICE candidates")
		return
	}

	ctype := candidateType(candidate.Candidate)
	if e.relayOnly {
		switch ctype {
		case "relay":
			e.log.Debug("relay candidate generated", zap.String("candidate_type", ctype))
		case "host", "srflx":
			e.log.Warn("potential IP leak: non-relay candidate generated despite relay-only policy",
				zap.String("candidate_type", ctype))
		default:
			e.log.Warn("unexpected candidate type under relay-only policy",
				zap.String("candidate_type", ctype))
		}
	} else {
		e.log.Debug("candidate generated", zap.String("candidate_type", ctype))
	}

	e.emit(signaling.EventICECandidate, signaling.CandidatePayload{
		Candidate: candidate,
		CallID:    e.roomID,
		To:        e.roomID,
		From:      e.localID,
	})
}

func (e *Engine) handleRemoteTrack(stream transport.MediaStream) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed || e.onRemoteStream == nil {
		return
	}
	e.onRemoteStream(stream)
}

// emit sends on the channel, logging delivery failures without propagating
// them; the channel already drops messages while disconnected.
func (e *Engine) emit(event string, payload any) {
	if err := e.ch.Emit(event, payload); err != nil {
		e.log.Warn("signaling emit failed", zap.String("event", event), zap.Error(err))
	}
}

func preview(sdp string) string {
	if len(sdp) > 60 {
		return sdp[:60]
	}
	return sdp
}
