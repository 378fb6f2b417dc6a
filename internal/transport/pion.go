package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"telecare-rtc/internal/domain"
	"telecare-rtc/pkg/logger"
)

// ICEConfig configures how the Pion transport reaches the remote peer.
// RelayOnly forces TURN relay, which keeps participant IP addresses out of
// the candidate exchange.
type ICEConfig struct {
	TURNURL      string
	TURNUsername string
	TURNPassword string
	STUNURL      string
	RelayOnly    bool
}

// PionTransport implements MediaTransport on top of a pion/webrtc
// PeerConnection.
type PionTransport struct {
	pc *webrtc.PeerConnection

	candidates *observerList[ICECandidate]
	tracks     *observerList[MediaStream]
	iceStates  *observerList[domain.ICEConnectionState]
	peerStates *observerList[domain.PeerConnectionState]

	local *localStream
}

// NewPion builds a peer connection with the default codec set and generous
// ICE timeouts, so a brief relay or NAT hiccup does not immediately
// terminate the call.
func NewPion(cfg ICEConfig) (*PionTransport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if cfg.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.TURNURL},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNPassword,
		})
	}
	if cfg.STUNURL != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{cfg.STUNURL}})
	}

	policy := webrtc.ICETransportPolicyAll
	if cfg.RelayOnly {
		policy = webrtc.ICETransportPolicyRelay
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &PionTransport{
		pc:         pc,
		candidates: newObserverList[ICECandidate](),
		tracks:     newObserverList[MediaStream](),
		iceStates:  newObserverList[domain.ICEConnectionState](),
		peerStates: newObserverList[domain.PeerConnectionState](),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of candidates: relayed as an empty candidate marker.
			t.candidates.Notify(ICECandidate{})
			return
		}
		init := c.ToJSON()
		t.candidates.Notify(ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info("remote track received",
			zap.String("track_id", remote.ID()),
			zap.String("kind", remote.Kind().String()),
			zap.String("stream_id", remote.StreamID()))
		t.tracks.Notify(newRemoteStream(remote))
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.iceStates.Notify(domain.ICEConnectionState(s.String()))
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.peerStates.Notify(domain.PeerConnectionState(s.String()))
	})

	return t, nil
}

// GetUserMedia creates local capture tracks and attaches them to the peer
// connection. Device capture itself happens behind the sample writers; on
// headless builds the tracks carry silence/black frames, which keeps the
// negotiation surface identical.
func (t *PionTransport) GetUserMedia(ctx context.Context, constraints MediaConstraints) (MediaStream, error) {
	if t.local != nil {
		return t.local, nil
	}

	stream, err := newLocalStream(constraints)
	if err != nil {
		return nil, err
	}

	for _, track := range stream.pionTracks() {
		if _, err := t.pc.AddTrack(track); err != nil {
			stream.Release()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}

	t.local = stream
	return stream, nil
}

func (t *PionTransport) CreateOffer(ctx context.Context) (SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *PionTransport) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *PionTransport) SetLocalDescription(desc SessionDescription) error {
	return t.pc.SetLocalDescription(toPionDescription(desc))
}

func (t *PionTransport) SetRemoteDescription(desc SessionDescription) error {
	return t.pc.SetRemoteDescription(toPionDescription(desc))
}

// Rollback abandons a pending local offer via an SDP rollback
func (t *PionTransport) Rollback() error {
	return t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (t *PionTransport) AddICECandidate(candidate ICECandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

func (t *PionTransport) SignalingState() SignalingState {
	return SignalingState(t.pc.SignalingState().String())
}

func (t *PionTransport) OnICECandidate(fn func(ICECandidate)) func() {
	return t.candidates.Add(fn)
}

func (t *PionTransport) OnTrack(fn func(MediaStream)) func() {
	return t.tracks.Add(fn)
}

func (t *PionTransport) OnICEConnectionStateChange(fn func(domain.ICEConnectionState)) func() {
	return t.iceStates.Add(fn)
}

func (t *PionTransport) OnConnectionStateChange(fn func(domain.PeerConnectionState)) func() {
	return t.peerStates.Add(fn)
}

// Close detaches every observer and closes the peer connection. Idempotent.
func (t *PionTransport) Close() error {
	t.candidates.Clear()
	t.tracks.Clear()
	t.iceStates.Clear()
	t.peerStates.Clear()
	if t.local != nil {
		t.local.Release()
		t.local = nil
	}
	return t.pc.Close()
}

func toPionDescription(desc SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}
}
