package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/leandro-lugaresi/hub"
	"github.com/samber/lo"

	"github.com/silviot/meshcall/pkg/event"
	"github.com/silviot/meshcall/pkg/media"
	"github.com/silviot/meshcall/pkg/mesh"
	"github.com/silviot/meshcall/pkg/signaling"
)

var (
	// ErrStateViolation is returned for an operation invoked from an illegal state
	ErrStateViolation = errors.New("session: operation not allowed in current state")
	// ErrMediaUnavailable wraps media.ErrPermissionDenied or media.ErrDeviceUnavailable
	ErrMediaUnavailable = errors.New("session: media unavailable")
	// ErrSignalingUnavailable means the signaling channel cannot carry the call
	ErrSignalingUnavailable = errors.New("session: signaling unavailable")
	// ErrCancelled is returned by a start or accept that EndCall superseded
	ErrCancelled = errors.New("session: cancelled")
)

// State is the call session state
type State string

const (
	StateIdle            State = "idle"
	StateOutgoing        State = "outgoing"
	StateIncomingPending State = "incoming-pending"
	StateActive          State = "active"
	StateEnded           State = "ended"
)

// Reasons attached to forced transitions
const (
	ReasonRemoteEnded          = "remote-ended"
	ReasonCancelled            = "cancelled"
	ReasonSignalingReconnected = "signaling-reconnected"
	ReasonSignalingUnavailable = "signaling-unavailable"
)

// CallTypeVideo is the only call type this client starts
const CallTypeVideo = "video"

// Channel is the signaling connection a call talks through
type Channel interface {
	Send(event string, payload interface{}) error
	State() signaling.State
	ID() string
}

// CallConfig configures a Call
type CallConfig struct {
	RoomID      string
	Channel     Channel
	Media       *media.Adapter
	Constraints media.Constraints
	// Mesh carries ICE settings; callbacks and LocalID are set by the call
	Mesh   mesh.Config
	Hub    *hub.Hub
	Logger *slog.Logger
}

// Status is a snapshot of a call for the UI
type Status struct {
	RoomID       string           `json:"roomId"`
	CallID       string           `json:"callId,omitempty"`
	State        State            `json:"state"`
	Caller       string           `json:"caller,omitempty"`
	Participants []string         `json:"participants"`
	Peers        []string         `json:"peers"`
	Audio        bool             `json:"audio"`
	Video        bool             `json:"video"`
	Permission   media.Permission `json:"permission"`
}

// pendingOp is a start or accept waiting on media acquisition
type pendingOp struct {
	cancel context.CancelFunc
	accept bool
}

// Call is the call session state machine of one room. Mesh operations are
// never invoked while c.mu is held, since mesh callbacks lock it.
type Call struct {
	roomID      string
	channel     Channel
	media       *media.Adapter
	constraints media.Constraints
	meshConfig  mesh.Config
	hub         *hub.Hub
	logger      *slog.Logger

	mu           sync.Mutex
	state        State
	callID       string
	caller       string
	participants map[string]struct{}
	mesh         *mesh.Manager
	pending      *pendingOp
}

// NewCall creates an idle call session
func NewCall(cfg CallConfig) *Call {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = hub.New()
	}
	if !cfg.Constraints.Audio && !cfg.Constraints.Video {
		cfg.Constraints = media.Constraints{Audio: true, Video: true}
	}

	return &Call{
		roomID:       cfg.RoomID,
		channel:      cfg.Channel,
		media:        cfg.Media,
		constraints:  cfg.Constraints,
		meshConfig:   cfg.Mesh,
		hub:          cfg.Hub,
		logger:       cfg.Logger.With("roomID", cfg.RoomID),
		state:        StateIdle,
		participants: make(map[string]struct{}),
	}
}

// StartCall acquires local media and announces a new call to the room
func (c *Call) StartCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle || c.pending != nil {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start call while %s", ErrStateViolation, state)
	}
	if !c.signalingAvailable() {
		c.mu.Unlock()
		return ErrSignalingUnavailable
	}
	op, opCtx := c.beginLocked(ctx, false)
	c.mu.Unlock()

	_, err := c.media.Acquire(opCtx, c.constraints)

	c.mu.Lock()
	if c.pending != op {
		c.mu.Unlock()
		return ErrCancelled
	}
	c.pending = nil
	op.cancel()

	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("start call aborted, no local media", "error", err)
		return fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	if !c.signalingAvailable() {
		c.mu.Unlock()
		c.media.Release()
		return ErrSignalingUnavailable
	}

	callID := uuid.New().String()
	m, err := c.newMesh()
	if err != nil {
		c.mu.Unlock()
		c.media.Release()
		return err
	}

	if err := c.channel.Send(signaling.EventStartCall, signaling.StartCall{
		CallID:   callID,
		RoomID:   c.roomID,
		CallType: CallTypeVideo,
	}); err != nil {
		c.mu.Unlock()
		m.Close()
		c.media.Release()
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}

	c.callID = callID
	c.caller = c.channel.ID()
	c.mesh = m
	c.setStateLocked(StateOutgoing, "")
	c.mu.Unlock()

	c.logger.Info("call started", "callID", callID)
	return nil
}

// AcceptCall acquires local media, announces acceptance and connects to
// every participant already in the call
func (c *Call) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIncomingPending || c.pending != nil {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: accept call while %s", ErrStateViolation, state)
	}
	if !c.signalingAvailable() {
		c.mu.Unlock()
		return ErrSignalingUnavailable
	}
	op, opCtx := c.beginLocked(ctx, true)
	c.mu.Unlock()

	_, err := c.media.Acquire(opCtx, c.constraints)

	c.mu.Lock()
	if c.pending != op {
		c.mu.Unlock()
		return ErrCancelled
	}
	c.pending = nil
	op.cancel()

	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("accept call aborted, no local media", "error", err)
		return fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	if !c.signalingAvailable() {
		c.mu.Unlock()
		c.media.Release()
		return ErrSignalingUnavailable
	}

	m, err := c.newMesh()
	if err != nil {
		c.mu.Unlock()
		c.media.Release()
		return err
	}

	if err := c.channel.Send(signaling.EventAcceptCall, signaling.CallRef{CallID: c.callID, RoomID: c.roomID}); err != nil {
		c.mu.Unlock()
		m.Close()
		c.media.Release()
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}

	c.mesh = m
	peers := c.participantIDsLocked()
	callID := c.callID
	c.setStateLocked(StateActive, "")
	c.mu.Unlock()

	c.logger.Info("call accepted", "callID", callID, "participants", len(peers))
	for _, id := range peers {
		if _, err := m.CreateOrGetPeer(ctx, id, true); err != nil {
			c.logger.Warn("failed to connect to call participant", "participantID", id, "error", err)
		}
	}
	return nil
}

// RejectCall declines the pending invitation and discards the call record
func (c *Call) RejectCall() error {
	c.mu.Lock()
	if c.state != StateIncomingPending {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: reject call while %s", ErrStateViolation, state)
	}

	cancelled := c.cancelPendingLocked()
	c.declineLocked("")
	c.mu.Unlock()

	if cancelled {
		c.media.Release()
	}
	return nil
}

// EndCall hangs up. It is a no-op while idle and cancels a start or accept
// still waiting on media.
func (c *Call) EndCall() error {
	c.mu.Lock()
	if c.cancelPendingLocked() {
		if c.state == StateIncomingPending {
			c.declineLocked(ReasonCancelled)
		}
		c.mu.Unlock()
		c.media.Release()
		c.logger.Info("pending call operation cancelled")
		return nil
	}

	switch c.state {
	case StateIdle, StateEnded:
		c.mu.Unlock()
		return nil
	case StateIncomingPending:
		c.mu.Unlock()
		return fmt.Errorf("%w: end call while %s", ErrStateViolation, StateIncomingPending)
	}

	if err := c.channel.Send(signaling.EventEndCall, signaling.CallRef{CallID: c.callID, RoomID: c.roomID}); err != nil {
		c.logger.Warn("failed to announce call end", "callID", c.callID, "error", err)
	}
	callID := c.callID
	m := c.endLocked("")
	c.mu.Unlock()

	c.teardown(m, "")
	c.logger.Info("call ended", "callID", callID)
	return nil
}

// forceEnd tears the call down from any state without announcing it
func (c *Call) forceEnd(reason string) {
	c.mu.Lock()
	cancelled := c.cancelPendingLocked()

	switch c.state {
	case StateIdle, StateEnded:
		c.mu.Unlock()
		if cancelled {
			c.media.Release()
		}
		return
	case StateIncomingPending:
		c.setStateLocked(StateIdle, reason)
		c.resetLocked()
		c.mu.Unlock()
		if cancelled {
			c.media.Release()
		}
		return
	}

	callID := c.callID
	m := c.endLocked(reason)
	c.mu.Unlock()

	c.teardown(m, reason)
	c.logger.Info("call ended", "callID", callID, "reason", reason)
}

// endLocked moves to Ended and detaches the mesh. c.mu must be held.
func (c *Call) endLocked(reason string) *mesh.Manager {
	m := c.mesh
	c.setStateLocked(StateEnded, reason)
	c.resetLocked()
	return m
}

// teardown closes every peer, releases local media and returns to Idle
func (c *Call) teardown(m *mesh.Manager, reason string) {
	if m != nil {
		m.Close()
	}
	c.media.Release()

	c.mu.Lock()
	if c.state == StateEnded {
		c.setStateLocked(StateIdle, reason)
	}
	c.mu.Unlock()
}

// declineLocked announces a rejection and returns to Idle. c.mu must be held.
func (c *Call) declineLocked(reason string) {
	if err := c.channel.Send(signaling.EventRejectCall, signaling.CallRef{CallID: c.callID, RoomID: c.roomID}); err != nil {
		c.logger.Warn("failed to announce call rejection", "callID", c.callID, "error", err)
	}
	c.logger.Info("call rejected", "callID", c.callID)
	c.setStateLocked(StateIdle, reason)
	c.resetLocked()
}

// beginLocked registers a pending start or accept. c.mu must be held.
func (c *Call) beginLocked(ctx context.Context, accept bool) (*pendingOp, context.Context) {
	opCtx, cancel := context.WithCancel(ctx)
	op := &pendingOp{cancel: cancel, accept: accept}
	c.pending = op
	return op, opCtx
}

// cancelPendingLocked aborts a pending operation, reporting whether there was one
func (c *Call) cancelPendingLocked() bool {
	if c.pending == nil {
		return false
	}
	c.pending.cancel()
	c.pending = nil
	return true
}

func (c *Call) resetLocked() {
	c.callID = ""
	c.caller = ""
	c.mesh = nil
	c.participants = make(map[string]struct{})
}

// setStateLocked records a transition and notifies subscribers
func (c *Call) setStateLocked(next State, reason string) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next

	c.logger.Debug("call state changed", "from", prev, "to", next, "reason", reason)
	c.hub.Publish(hub.Message{
		Name: event.CallStateChanged,
		Fields: hub.Fields{
			"room_id":  c.roomID,
			"call_id":  c.callID,
			"state":    string(next),
			"previous": string(prev),
			"reason":   reason,
		},
	})
}

func (c *Call) signalingAvailable() bool {
	return c.channel.State() == signaling.StateConnected
}

func (c *Call) participantIDsLocked() []string {
	ids := lo.Keys(c.participants)
	slices.Sort(ids)
	return ids
}

// newMesh builds the per-call peer manager
func (c *Call) newMesh() (*mesh.Manager, error) {
	cfg := c.meshConfig
	cfg.LocalID = c.channel.ID
	cfg.Logger = c.logger
	cfg.OnRemoteStream = func(s *mesh.RemoteStream) {
		c.hub.Publish(hub.Message{
			Name: event.CallRemoteStreamAdded,
			Fields: hub.Fields{
				"room_id":        c.roomID,
				"participant_id": s.ParticipantID,
				"stream_id":      s.StreamID,
				"stream":         s,
			},
		})
	}
	cfg.OnRemoteStreamRemoved = func(id string) {
		c.hub.Publish(hub.Message{
			Name: event.CallRemoteStreamRemoved,
			Fields: hub.Fields{
				"room_id":        c.roomID,
				"participant_id": id,
			},
		})
	}
	cfg.OnPeerFailed = func(id string, err error) {
		c.mu.Lock()
		delete(c.participants, id)
		c.mu.Unlock()

		c.hub.Publish(hub.Message{
			Name: event.CallPeerFailed,
			Fields: hub.Fields{
				"room_id":        c.roomID,
				"participant_id": id,
				"error":          err,
			},
		})
	}

	m, err := mesh.NewManager(cfg, mesh.CallSignaler{Sender: c.channel, RoomID: c.roomID}, c.media)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer manager: %w", err)
	}
	return m, nil
}

// handleIncomingCall surfaces an invitation when idle
func (c *Call) handleIncomingCall(ic signaling.IncomingCall) {
	self := c.channel.ID()
	if ic.FromUser == self {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle || c.pending != nil {
		c.logger.Info("ignoring incoming call while busy", "callID", ic.CallID, "from", ic.FromUser, "state", c.state)
		return
	}

	c.callID = ic.CallID
	c.caller = ic.FromUser
	c.participants = make(map[string]struct{})
	for _, id := range append([]string{ic.FromUser}, ic.Participants...) {
		if id != "" && id != self {
			c.participants[id] = struct{}{}
		}
	}
	c.setStateLocked(StateIncomingPending, "")

	c.hub.Publish(hub.Message{
		Name: event.CallIncoming,
		Fields: hub.Fields{
			"room_id":      c.roomID,
			"call_id":      ic.CallID,
			"from_user":    ic.FromUser,
			"participants": c.participantIDsLocked(),
		},
	})
}

// handleCallAccepted connects to participants the invitation did not list
func (c *Call) handleCallAccepted(ctx context.Context, ca signaling.CallAccepted) {
	self := c.channel.ID()

	c.mu.Lock()
	if c.state != StateActive || ca.CallID != c.callID {
		c.mu.Unlock()
		return
	}
	var added []string
	for _, id := range ca.Participants {
		if _, ok := c.participants[id]; ok || id == self || id == "" {
			continue
		}
		c.participants[id] = struct{}{}
		added = append(added, id)
	}
	m := c.mesh
	c.mu.Unlock()

	for _, id := range added {
		if _, err := m.CreateOrGetPeer(ctx, id, true); err != nil {
			c.logger.Warn("failed to connect to call participant", "participantID", id, "error", err)
		}
	}
}

// handleUserJoinedCall records a participant who accepted. The joiner
// initiates, so our side waits for its offer.
func (c *Call) handleUserJoinedCall(ctx context.Context, u signaling.UserJoinedCall) {
	if u.UserID == "" || u.UserID == c.channel.ID() {
		return
	}

	c.mu.Lock()
	if c.state != StateOutgoing && c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.participants[u.UserID] = struct{}{}
	if c.state == StateOutgoing {
		c.setStateLocked(StateActive, "")
	}
	m := c.mesh
	c.mu.Unlock()

	c.logger.Info("participant joined call", "participantID", u.UserID)
	if _, err := m.CreateOrGetPeer(ctx, u.UserID, false); err != nil {
		c.logger.Warn("failed to track call participant", "participantID", u.UserID, "error", err)
		return
	}
	if u.Signal != nil {
		c.applySignal(ctx, m, u.UserID, *u.Signal)
	}
}

// handleCallSignal routes negotiation for the call mesh
func (c *Call) handleCallSignal(ctx context.Context, cs signaling.CallSignal) {
	c.mu.Lock()
	m := c.mesh
	if m == nil {
		c.mu.Unlock()
		c.logger.Debug("call signal without a live call", "from", cs.FromUser, "type", cs.Signal.Type)
		return
	}
	if _, known := c.participants[cs.FromUser]; !known && cs.Signal.Type == signaling.SignalOffer {
		c.participants[cs.FromUser] = struct{}{}
		if c.state == StateOutgoing {
			c.setStateLocked(StateActive, "")
		}
	}
	c.mu.Unlock()

	c.applySignal(ctx, m, cs.FromUser, cs.Signal)
}

func (c *Call) applySignal(ctx context.Context, m *mesh.Manager, from string, sig signaling.Signal) {
	err := m.HandleSignal(ctx, from, sig)
	switch {
	case err == nil:
	case errors.Is(err, mesh.ErrUnknownPeer):
		c.logger.Debug("dropping signal for unknown peer", "from", from, "type", sig.Type)
	default:
		c.logger.Warn("failed to apply call signal", "from", from, "type", sig.Type, "error", err)
	}
}

// handleParticipantLeft removes one peer. The call stays active even when
// nobody is left.
func (c *Call) handleParticipantLeft(id string) {
	c.mu.Lock()
	if _, ok := c.participants[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.participants, id)
	m := c.mesh
	c.mu.Unlock()

	c.logger.Info("participant left call", "participantID", id)
	if m != nil {
		m.RemovePeer(id)
	}
}

// handleCallRejected reports a declined invitation
func (c *Call) handleCallRejected(cr signaling.CallRejected) {
	c.mu.Lock()
	match := cr.CallID != "" && cr.CallID == c.callID
	c.mu.Unlock()
	if !match {
		return
	}

	c.logger.Info("call invitation declined", "callID", cr.CallID, "participantID", cr.UserID)
	c.hub.Publish(hub.Message{
		Name: event.CallRejected,
		Fields: hub.Fields{
			"room_id": c.roomID,
			"call_id": cr.CallID,
			"user_id": cr.UserID,
		},
	})
}

// handleCallEnded tears down the call a remote participant ended
func (c *Call) handleCallEnded(ce signaling.CallEnded) {
	c.mu.Lock()
	match := ce.CallID != "" && ce.CallID == c.callID
	c.mu.Unlock()
	if !match {
		return
	}
	c.forceEnd(ReasonRemoteEnded)
}

// State returns the current call state
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID returns the current call id, empty when idle
func (c *Call) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

// Status returns a snapshot for the UI
func (c *Call) Status() Status {
	c.mu.Lock()
	s := Status{
		RoomID:       c.roomID,
		CallID:       c.callID,
		State:        c.state,
		Caller:       c.caller,
		Participants: c.participantIDsLocked(),
		Peers:        []string{},
	}
	m := c.mesh
	c.mu.Unlock()

	if m != nil {
		s.Peers = m.PeerIDs()
	}
	s.Audio = c.media.Enabled(media.KindAudio)
	s.Video = c.media.Enabled(media.KindVideo)
	s.Permission = c.media.Permission()
	return s
}

// Peers returns the live peer manager of the call, or nil
func (c *Call) Peers() *mesh.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mesh
}

// RemoteStreams returns the live participant to stream map for rendering
func (c *Call) RemoteStreams() map[string][]*mesh.RemoteStream {
	if m := c.Peers(); m != nil {
		return m.RemoteStreams()
	}
	return map[string][]*mesh.RemoteStream{}
}

// ToggleAudio flips the local audio track and returns whether it is enabled
func (c *Call) ToggleAudio() bool {
	return c.media.Toggle(media.KindAudio)
}

// ToggleVideo flips the local video track and returns whether it is enabled
func (c *Call) ToggleVideo() bool {
	return c.media.Toggle(media.KindVideo)
}

// RetryMediaAccess asks for local media again after a denial
func (c *Call) RetryMediaAccess(ctx context.Context) error {
	if _, err := c.media.Acquire(ctx, c.constraints); err != nil {
		return fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	return nil
}
