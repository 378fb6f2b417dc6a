package transport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// localTrack wraps a Pion sample track as a MediaTrack. Enabled is the user
// intent flag: the capture pipeline checks it before writing samples, so a
// muted track stays attached to the peer connection but carries nothing.
type localTrack struct {
	track   *webrtc.TrackLocalStaticSample
	kind    string
	enabled atomic.Bool
	stopped atomic.Bool
}

func (t *localTrack) ID() string   { return t.track.ID() }
func (t *localTrack) Kind() string { return t.kind }

func (t *localTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *localTrack) Enabled() bool           { return t.enabled.Load() }

func (t *localTrack) Stop() { t.stopped.Store(true) }

// localStream groups the locally captured tracks
type localStream struct {
	id     string
	mu     sync.Mutex
	local  []*localTrack
	closed bool
}

func newLocalStream(constraints MediaConstraints) (*localStream, error) {
	s := &localStream{id: "local-" + uuid.New().String()}

	if constraints.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio-"+uuid.New().String(), s.id,
		)
		if err != nil {
			return nil, fmt.Errorf("new audio track: %w", err)
		}
		lt := &localTrack{track: track, kind: "audio"}
		lt.enabled.Store(true)
		s.local = append(s.local, lt)
	}

	if constraints.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video-"+uuid.New().String(), s.id,
		)
		if err != nil {
			return nil, fmt.Errorf("new video track: %w", err)
		}
		lt := &localTrack{track: track, kind: "video"}
		lt.enabled.Store(true)
		s.local = append(s.local, lt)
	}

	return s, nil
}

func (s *localStream) pionTracks() []*webrtc.TrackLocalStaticSample {
	out := make([]*webrtc.TrackLocalStaticSample, 0, len(s.local))
	for _, t := range s.local {
		out = append(out, t.track)
	}
	return out
}

func (s *localStream) ID() string { return s.id }

func (s *localStream) Tracks() []MediaTrack {
	out := make([]MediaTrack, 0, len(s.local))
	for _, t := range s.local {
		out = append(out, t)
	}
	return out
}

func (s *localStream) AudioTracks() []MediaTrack { return s.tracksOfKind("audio") }
func (s *localStream) VideoTracks() []MediaTrack { return s.tracksOfKind("video") }

func (s *localStream) tracksOfKind(kind string) []MediaTrack {
	var out []MediaTrack
	for _, t := range s.local {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *localStream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, t := range s.local {
		t.Stop()
	}
}

// remoteTrack wraps an inbound Pion track. Stopping a remote track only
// detaches it locally; the sender owns the capture resource.
type remoteTrack struct {
	track   *webrtc.TrackRemote
	enabled atomic.Bool
}

func (t *remoteTrack) ID() string   { return t.track.ID() }
func (t *remoteTrack) Kind() string { return t.track.Kind().String() }

func (t *remoteTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *remoteTrack) Enabled() bool           { return t.enabled.Load() }
func (t *remoteTrack) Stop()                   {}

type remoteStream struct {
	id     string
	tracks []MediaTrack
}

func newRemoteStream(track *webrtc.TrackRemote) *remoteStream {
	id := track.StreamID()
	if id == "" {
		id = "remote-" + uuid.New().String()
	}
	rt := &remoteTrack{track: track}
	rt.enabled.Store(true)
	return &remoteStream{id: id, tracks: []MediaTrack{rt}}
}

func (s *remoteStream) ID() string            { return s.id }
func (s *remoteStream) Tracks() []MediaTrack  { return s.tracks }
func (s *remoteStream) Release()              {}
func (s *remoteStream) AudioTracks() []MediaTrack {
	return s.ofKind("audio")
}
func (s *remoteStream) VideoTracks() []MediaTrack {
	return s.ofKind("video")
}

func (s *remoteStream) ofKind(kind string) []MediaTrack {
	var out []MediaTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
