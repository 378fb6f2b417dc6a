// Package reconcile merges the transport's two connectivity signals (ICE
// connectivity and the overall peer-connection state) into the single
// ConnectionState the rest of the system consumes.
package reconcile

import (
	"sync"

	"go.uber.org/zap"

	"telecare-rtc/internal/domain"
	"telecare-rtc/internal/transport"
	"telecare-rtc/pkg/logger"
)

// StateSink receives every reconciled state change; in production this is
// the call session store.
type StateSink interface {
	SetConnectionState(state domain.ConnectionState)
}

// Reconciler is a pure event-driven mapper. Its only state is the last
// reported value of each raw signal and a human-readable error reason.
type Reconciler struct {
	sink StateSink
	log  *zap.Logger

	mu       sync.Mutex
	lastICE  *domain.ICEConnectionState
	lastPeer *domain.PeerConnectionState
	current  domain.ConnectionState
	errMsg   string
	unsubs   []func()
}

// New creates a reconciler reporting into sink
func New(sink StateSink) *Reconciler {
	return &Reconciler{
		sink:    sink,
		log:     logger.With(zap.String("component", "reconcile")),
		current: domain.ConnectionNew,
	}
}

// Attach subscribes to the transport's connectivity notifications. Call
// Detach when the transport is torn down.
func (r *Reconciler) Attach(tr transport.MediaTransport) {
	r.mu.Lock()
	r.unsubs = append(r.unsubs,
		tr.OnICEConnectionStateChange(r.ReportICE),
		tr.OnConnectionStateChange(r.ReportPeer),
	)
	r.mu.Unlock()
}

// Detach unsubscribes from the transport and immediately reports closed,
// without waiting for a transport event.
func (r *Reconciler) Detach() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, off := range unsubs {
		off()
	}

	r.mu.Lock()
	r.lastICE = nil
	r.lastPeer = nil
	r.applyLocked(domain.ConnectionClosed, "")
	r.mu.Unlock()
}

// ReportICE feeds an ICE-connectivity update into the reconciliation
func (r *Reconciler) ReportICE(state domain.ICEConnectionState) {
	r.log.Debug("ice connection state changed", zap.String("state", string(state)))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastICE = &state
	r.recomputeLocked()
}

// ReportPeer feeds an overall peer-connection update into the reconciliation
func (r *Reconciler) ReportPeer(state domain.PeerConnectionState) {
	r.log.Debug("peer connection state changed", zap.String("state", string(state)))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastPeer = &state
	r.recomputeLocked()
}

// State returns the last reconciled value
func (r *Reconciler) State() domain.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// LastError returns the recorded failure reason, empty once connected
func (r *Reconciler) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errMsg
}

// recomputeLocked applies the precedence rule: the overall signal wins when
// it yields a definitive state (connected, failed, closed) because it is the
// coarser, more authoritative summary and can mask transient ICE flapping;
// otherwise the ICE-derived state is used.
func (r *Reconciler) recomputeLocked() {
	if peer := r.lastPeer; peer != nil {
		mapped := mapPeerState(*peer)
		if isDefinitive(mapped) {
			reason := ""
			if mapped == domain.ConnectionFailed {
				reason = "peer connection failed"
			}
			r.applyLocked(mapped, reason)
			return
		}
		// Non-definitive overall state: fall through to the ICE signal if we
		// have one, otherwise use the overall mapping as-is.
		if r.lastICE == nil {
			r.applyLocked(mapped, "")
			return
		}
	}
	if ice := r.lastICE; ice != nil {
		mapped := mapICEState(*ice)
		reason := ""
		if mapped == domain.ConnectionFailed {
			reason = "ice connection failed"
		}
		r.applyLocked(mapped, reason)
	}
}

func (r *Reconciler) applyLocked(state domain.ConnectionState, failureReason string) {
	switch state {
	case domain.ConnectionConnected:
		r.errMsg = ""
	case domain.ConnectionFailed:
		r.errMsg = failureReason
	case domain.ConnectionDisconnected:
		r.log.Warn("connection is disconnected")
	case domain.ConnectionClosed:
		r.log.Info("connection closed")
	}

	if state == r.current {
		return
	}
	r.current = state
	r.log.Info("reconciled connection state",
		zap.String("state", string(state)),
		zap.String("reason", failureReason))
	r.sink.SetConnectionState(state)
}

func isDefinitive(state domain.ConnectionState) bool {
	switch state {
	case domain.ConnectionConnected, domain.ConnectionFailed, domain.ConnectionClosed:
		return true
	}
	return false
}

// mapICEState maps the ICE vocabulary into the reconciled enum
func mapICEState(state domain.ICEConnectionState) domain.ConnectionState {
	switch state {
	case domain.ICENew, domain.ICEChecking:
		return domain.ConnectionConnecting
	case domain.ICEConnected, domain.ICECompleted:
		return domain.ConnectionConnected
	case domain.ICEDisconnected:
		return domain.ConnectionDisconnected
	case domain.ICEFailed:
		return domain.ConnectionFailed
	case domain.ICEClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}

// mapPeerState maps the overall vocabulary into the reconciled enum; the
// names line up one to one.
func mapPeerState(state domain.PeerConnectionState) domain.ConnectionState {
	switch state {
	case domain.PeerNew:
		return domain.ConnectionNew
	case domain.PeerConnecting:
		return domain.ConnectionConnecting
	case domain.PeerConnected:
		return domain.ConnectionConnected
	case domain.PeerDisconnected:
		return domain.ConnectionDisconnected
	case domain.PeerFailed:
		return domain.ConnectionFailed
	case domain.PeerClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}
