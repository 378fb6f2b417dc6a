// Package call orchestrates one call session end to end: it joins the
// signaling room, runs the negotiation engine, feeds connection signals
// through the reconciler, and keeps the session store authoritative.
package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"telecare-rtc/internal/callstate"
	"telecare-rtc/internal/domain"
	"telecare-rtc/internal/negotiation"
	"telecare-rtc/internal/reconcile"
	"telecare-rtc/internal/signaling"
	"telecare-rtc/internal/transport"
	apperrors "telecare-rtc/pkg/errors"
	"telecare-rtc/pkg/logger"
)

// Config wires a Controller for one call
type Config struct {
	Channel   signaling.Channel
	Store     *callstate.Store
	LocalUser domain.User
	// RemoteUser is the expected peer; the callee on the caller side, the
	// caller on the callee side
	RemoteUser domain.User
	RoomID     string
	// IsCaller selects the dialing role: the caller sends the first offer,
	// the callee rings until an offer arrives
	IsCaller bool
	ICE      transport.ICEConfig
	// RingTimeout ends an unanswered outgoing call after this duration.
	// Zero disables the timeout.
	RingTimeout time.Duration

	// NewTransport overrides transport construction; defaults to Pion
	NewTransport func(transport.ICEConfig) (transport.MediaTransport, error)
}

// Controller runs a single call. Create one per call; it is not reusable
// after Stop.
type Controller struct {
	cfg   Config
	ch    signaling.Channel
	store *callstate.Store
	log   *zap.Logger

	mu         sync.Mutex
	engine     *negotiation.Engine
	reconciler *reconcile.Reconciler
	unsubs     []func()
	ringTimer  *time.Timer
	offered    bool
	stopped    bool
}

// NewController creates a controller for one call in the given room
func NewController(cfg Config) *Controller {
	if cfg.NewTransport == nil {
		cfg.NewTransport = func(ice transport.ICEConfig) (transport.MediaTransport, error) {
			return transport.NewPion(ice)
		}
	}
	return &Controller{
		cfg:   cfg,
		ch:    cfg.Channel,
		store: cfg.Store,
		log: logger.With(zap.String("component", "call"),
			zap.String("call_id", cfg.RoomID), zap.String("user_id", cfg.LocalUser.ID)),
	}
}

// Start brings the call up: creates the transport and engine, attaches the
// reconciler, subscribes every room event, connects the channel, and joins
// the room. On the caller side the first offer goes out as soon as the peer
// is present; on the callee side the session rings until an offer arrives.
func (c *Controller) Start(ctx context.Context) error {
	caller, callee := c.cfg.LocalUser, c.cfg.RemoteUser
	if !c.cfg.IsCaller {
		caller, callee = c.cfg.RemoteUser, c.cfg.LocalUser
	}

	if err := c.store.Initiate(domain.CallSession{
		ID:     c.cfg.RoomID,
		Caller: caller,
		Callee: callee,
		RoomID: c.cfg.RoomID,
	}); err != nil {
		return err
	}
	if !c.cfg.IsCaller {
		c.store.UpdateStatus(c.cfg.RoomID, domain.CallStatusRinging)
	}

	tr, err := c.cfg.NewTransport(c.cfg.ICE)
	if err != nil {
		c.store.Fail(c.cfg.RoomID)
		return apperrors.Wrap(apperrors.ErrCodeConnectionFailed, "create media transport", err)
	}

	c.mu.Lock()
	c.reconciler = reconcile.New(c.store)
	c.reconciler.Attach(tr)

	c.engine = negotiation.New(negotiation.Config{
		Transport:      tr,
		Channel:        c.ch,
		LocalUserID:    c.cfg.LocalUser.ID,
		RoomID:         c.cfg.RoomID,
		RelayOnly:      c.cfg.ICE.RelayOnly,
		OnLocalStream:  c.store.SetLocalStream,
		OnRemoteStream: c.store.SetRemoteStream,
	})

	c.unsubs = append(c.unsubs,
		c.ch.On(signaling.EventOffer, c.onOffer),
		c.ch.On(signaling.EventAnswer, c.onAnswer),
		c.ch.On(signaling.EventICECandidate, c.onCandidate),
		c.ch.On(signaling.EventCallEnded, c.onCallEnded),
		c.ch.On(signaling.EventCallDeclined, c.onCallDeclined),
		c.ch.On(signaling.EventUserJoined, c.onUserJoined),
		c.ch.On(signaling.EventUserLeft, c.onUserLeft),
		c.ch.On(signaling.EventChatMessage, c.onChatMessage),
		c.ch.On(signaling.EventReconnectFailed, c.onReconnectFailed),
	)
	c.mu.Unlock()

	if err := c.ch.Connect(ctx); err != nil {
		c.failAndStop("signaling connect failed", err)
		return err
	}

	var ack signaling.JoinRoomAck
	err = c.ch.EmitWithAck(ctx, signaling.EventJoinRoom, signaling.JoinRoomPayload{
		RoomID: c.cfg.RoomID,
		UserID: c.cfg.LocalUser.ID,
		User:   c.cfg.LocalUser,
	}, &ack)
	if err != nil {
		c.failAndStop("join room failed", err)
		return apperrors.Wrap(apperrors.ErrCodeJoinFailed, "join room", err)
	}
	if !ack.Success {
		err := apperrors.New(apperrors.ErrCodeJoinFailed, ack.Error)
		c.failAndStop("join room rejected", err)
		return err
	}

	users := ack.Users
	if len(users) == 0 {
		users = []domain.User{c.cfg.LocalUser}
	}
	c.store.SetConnectedUsers(users)
	c.log.Info("joined room", zap.Int("participants", len(users)))

	if c.cfg.IsCaller {
		for _, u := range users {
			if u.ID != c.cfg.LocalUser.ID {
				c.dial(ctx)
				break
			}
		}
	}

	c.armRingTimer()
	return nil
}

// Accept answers an incoming ringing call: it ensures local media is up so
// the answer produced for the pending offer carries our tracks. The actual
// answer goes out when (or as soon as) the offer is applied.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return apperrors.New(apperrors.ErrCodeNotConnected, "call not started")
	}
	if _, err := engine.AcquireLocalMedia(ctx); err != nil {
		c.failAndStop("media acquisition failed", err)
		return err
	}
	return nil
}

// HangUp ends the call locally and notifies the room
func (c *Controller) HangUp() {
	session := c.store.CurrentCall()
	if session == nil {
		return
	}
	c.log.Info("hanging up")
	if err := c.ch.Emit(signaling.EventEndCall, signaling.EndCallPayload{
		CallID: session.ID,
		To:     c.cfg.RoomID,
		From:   c.cfg.LocalUser.ID,
	}); err != nil {
		c.log.Warn("end-call emit failed", zap.Error(err))
	}
	c.store.EndCall(session.ID)
	c.Stop()
}

// Decline rejects a ringing incoming call and notifies the room
func (c *Controller) Decline() {
	session := c.store.CurrentCall()
	if session == nil {
		return
	}
	c.log.Info("declining call")
	if err := c.ch.Emit(signaling.EventDeclineCall, signaling.EndCallPayload{
		CallID: session.ID,
		To:     c.cfg.RoomID,
		From:   c.cfg.LocalUser.ID,
	}); err != nil {
		c.log.Warn("decline-call emit failed", zap.Error(err))
	}
	c.store.DeclineCall(session.ID)
	c.Stop()
}

// SendChatMessage appends the message locally and broadcasts it to the room
func (c *Controller) SendChatMessage(text string) error {
	session := c.store.CurrentCall()
	if session == nil || session.Status.IsTerminal() {
		return apperrors.New(apperrors.ErrCodeNotConnected, "no active call")
	}

	msg := domain.ChatMessage{
		ID:         uuid.NewString(),
		CallID:     session.ID,
		SenderID:   c.cfg.LocalUser.ID,
		SenderName: c.cfg.LocalUser.Name,
		Text:       text,
		Timestamp:  time.Now(),
		IsLocal:    true,
	}
	c.store.AddChatMessage(msg)

	remote := msg
	remote.IsLocal = false
	return c.ch.Emit(signaling.EventChatMessage, signaling.ChatMessagePayload{
		ChatMessage: remote,
		RoomID:      c.cfg.RoomID,
	})
}

// ToggleMute flips the desired audio state and applies it to the live
// local tracks
func (c *Controller) ToggleMute() bool {
	muted := !c.store.IsMuted()
	c.store.SetMuted(muted)
	if stream := c.store.LocalStream(); stream != nil {
		for _, t := range stream.AudioTracks() {
			t.SetEnabled(!muted)
		}
	}
	c.log.Debug("mute toggled", zap.Bool("muted", muted))
	return muted
}

// ToggleVideo flips the desired video state and applies it to the live
// local tracks
func (c *Controller) ToggleVideo() bool {
	enabled := !c.store.IsVideoEnabled()
	c.store.SetVideoEnabled(enabled)
	if stream := c.store.LocalStream(); stream != nil {
		for _, t := range stream.VideoTracks() {
			t.SetEnabled(enabled)
		}
	}
	c.log.Debug("video toggled", zap.Bool("enabled", enabled))
	return enabled
}

// Stop tears the call down: cancels the ring timer, unsubscribes every room
// event, detaches the reconciler, closes the engine, releases streams, and
// leaves the room. Idempotent and safe on every exit path.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	unsubs := c.unsubs
	c.unsubs = nil
	engine := c.engine
	reconciler := c.reconciler
	timer := c.ringTimer
	c.ringTimer = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, off := range unsubs {
		off()
	}
	if reconciler != nil {
		reconciler.Detach()
	}
	if engine != nil {
		engine.Close()
	}
	c.store.ClearStreams()

	if c.ch.Connected() {
		if err := c.ch.Emit(signaling.EventLeaveRoom, signaling.LeaveRoomPayload{
			RoomID: c.cfg.RoomID,
			UserID: c.cfg.LocalUser.ID,
		}); err != nil {
			c.log.Warn("leave-room emit failed", zap.Error(err))
		}
	}
	c.log.Info("call stopped")
}

// dial sends the first offer; guarded so joining races (ack listing the
// peer plus a user-joined event) offer only once.
func (c *Controller) dial(ctx context.Context) {
	c.mu.Lock()
	if c.offered || c.stopped {
		c.mu.Unlock()
		return
	}
	c.offered = true
	engine := c.engine
	c.mu.Unlock()

	c.log.Info("peer present, dialing")
	if _, err := engine.CreateOffer(ctx); err != nil {
		c.failAndStop("offer failed", err)
	}
}

func (c *Controller) armRingTimer() {
	if c.cfg.RingTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.ringTimer = time.AfterFunc(c.cfg.RingTimeout, func() {
		session := c.store.CurrentCall()
		if session == nil || session.Status == domain.CallStatusActive || session.Status.IsTerminal() {
			return
		}
		c.log.Info("call unanswered, timing out",
			zap.Duration("ring_timeout", c.cfg.RingTimeout))
		c.HangUp()
	})
}

func (c *Controller) onOffer(raw json.RawMessage) {
	var p signaling.DescriptionPayload
	if !c.decodeRoomEvent(raw, &p, signaling.EventOffer) {
		return
	}
	if p.CallID != c.cfg.RoomID || p.From == c.cfg.LocalUser.ID {
		c.log.Debug("discarding offer", zap.String("call_id", p.CallID), zap.String("from", p.From))
		return
	}

	c.mu.Lock()
	engine := c.engine
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
	defer cancel()

	if err := engine.HandleOffer(ctx, p.SDP, p.From); err != nil {
		c.failAndStop("handle offer failed", err)
		return
	}
	answer, err := engine.CreateAnswer(ctx)
	if err != nil {
		c.failAndStop("create answer failed", err)
		return
	}
	if answer != nil {
		c.store.AnswerCall(c.cfg.RoomID)
	}
}

func (c *Controller) onAnswer(raw json.RawMessage) {
	var p signaling.DescriptionPayload
	if !c.decodeRoomEvent(raw, &p, signaling.EventAnswer) {
		return
	}
	if p.CallID != c.cfg.RoomID || p.From == c.cfg.LocalUser.ID {
		c.log.Debug("discarding answer", zap.String("call_id", p.CallID), zap.String("from", p.From))
		return
	}

	c.mu.Lock()
	engine := c.engine
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
	defer cancel()

	session := c.store.CurrentCall()
	if session == nil || session.Status != domain.CallStatusDialing {
		c.log.Warn("answer received outside dialing state")
		return
	}
	if err := engine.HandleAnswer(ctx, p.SDP); err != nil {
		c.failAndStop("handle answer failed", err)
		return
	}
	c.store.AnswerCall(c.cfg.RoomID)
}

func (c *Controller) onCandidate(raw json.RawMessage) {
	var p signaling.CandidatePayload
	if !c.decodeRoomEvent(raw, &p, signaling.EventICECandidate) {
		return
	}
	if p.CallID != c.cfg.RoomID || p.From == c.cfg.LocalUser.ID {
		return
	}

	c.mu.Lock()
	engine := c.engine
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}

	if err := engine.AddICECandidate(p.Candidate); err != nil {
		c.log.Warn("candidate rejected", zap.Error(err))
	}
}

func (c *Controller) onCallEnded(raw json.RawMessage) {
	var p signaling.CallEndedPayload
	if !c.decodeRoomEvent(raw, &p, signaling.EventCallEnded) {
		return
	}
	if p.CallID != c.cfg.RoomID {
		return
	}
	c.log.Info("call ended by remote", zap.String("reason", p.Reason))
	c.store.EndCall(p.CallID)
	c.Stop()
}

func (c *Controller) onCallDeclined(raw json.RawMessage) {
	var p signaling.CallEndedPayload
	if !c.decodeRoomEvent(raw, &p, signaling.EventCallDeclined) {
		return
	}
	if p.CallID != c.cfg.RoomID {
		return
	}
	c.log.Info("call declined by remote")
	c.store.DeclineCall(p.CallID)
	c.Stop()
}

func (c *Controller) onUserJoined(raw json.RawMessage) {
	var p signaling.UserJoinedPayload
	if !c.decodeRoomEvent(raw, &p, signaling.EventUserJoined) {
		return
	}
	if p.RoomID != c.cfg.RoomID || p.UserID == c.cfg.LocalUser.ID {
		return
	}
	c.store.AddConnectedUser(p.User)

	if c.cfg.IsCaller {
		ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
		defer cancel()
		c.dial(ctx)
	}
}

func (c *Controller) onUserLeft(raw json.RawMessage) {
	var p signaling.UserLeftPayload
	if !c.decodeRoomEvent(raw, &p, signaling.EventUserLeft) {
		return
	}
	if p.RoomID != c.cfg.RoomID || p.UserID == c.cfg.LocalUser.ID {
		return
	}
	c.store.RemoveConnectedUser(p.UserID)

	// two-party call: the peer leaving ends the session
	if p.UserID == c.cfg.RemoteUser.ID {
		c.log.Info("peer left room, ending call", zap.String("user_id", p.UserID))
		c.store.EndCall(c.cfg.RoomID)
		c.Stop()
	}
}

func (c *Controller) onChatMessage(raw json.RawMessage) {
	var p signaling.ChatMessagePayload
	if !c.decodeRoomEvent(raw, &p, signaling.EventChatMessage) {
		return
	}
	if p.RoomID != c.cfg.RoomID || p.SenderID == c.cfg.LocalUser.ID {
		return
	}
	p.ChatMessage.IsLocal = false
	c.store.AddChatMessage(p.ChatMessage)
}

func (c *Controller) onReconnectFailed(json.RawMessage) {
	c.failAndStop("signaling reconnection exhausted",
		apperrors.New(apperrors.ErrCodeConnectionFailed, "signaling channel lost"))
}

func (c *Controller) decodeRoomEvent(raw json.RawMessage, v any, event string) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		c.log.Warn("malformed payload", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

func (c *Controller) failAndStop(msg string, err error) {
	c.log.Error(msg, zap.Error(err))
	c.store.Fail(c.cfg.RoomID)
	c.Stop()
}

const negotiationTimeout = 15 * time.Second
