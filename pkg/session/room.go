package session

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/leandro-lugaresi/hub"
	"github.com/samber/lo"

	"github.com/silviot/meshcall/pkg/event"
	"github.com/silviot/meshcall/pkg/media"
	"github.com/silviot/meshcall/pkg/mesh"
	"github.com/silviot/meshcall/pkg/signaling"
)

// Participant is a remote member of a room
type Participant struct {
	ID       string    `json:"id"`
	JoinedAt time.Time `json:"joinedAt"`
}

// RoomConfig configures a Room
type RoomConfig struct {
	ID          string
	Client      *signaling.Client
	Source      media.Source
	Constraints media.Constraints
	Mesh        mesh.Config
	// AutoMesh connects to every room member without a call
	AutoMesh bool
	Hub      *hub.Hub
	Logger   *slog.Logger
}

// Room tracks membership of one room over its own signaling connection and
// owns the room's call session.
type Room struct {
	ID string

	client   *signaling.Client
	call     *Call
	media    *media.Adapter
	autoMesh bool
	hub      *hub.Hub
	logger   *slog.Logger

	// room-level mesh, auto-mesh mode only
	roomMedia *media.Adapter
	mesh      *mesh.Manager

	mu       sync.RWMutex
	members  map[string]Participant
	joinedAs string
	ready    chan struct{}
	isReady  bool

	subs   []signaling.Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

// newRoom wires a room to its signaling client. Handlers are registered
// before the client connects so the first connected event joins the room.
func newRoom(cfg RoomConfig) (*Room, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("roomID", cfg.ID)
	ctx, cancel := context.WithCancel(context.Background())

	r := &Room{
		ID:       cfg.ID,
		client:   cfg.Client,
		media:    media.NewAdapter(cfg.Source, logger),
		autoMesh: cfg.AutoMesh,
		hub:      cfg.Hub,
		logger:   logger,
		members:  make(map[string]Participant),
		ready:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	r.call = NewCall(CallConfig{
		RoomID:      cfg.ID,
		Channel:     cfg.Client,
		Media:       r.media,
		Constraints: cfg.Constraints,
		Mesh:        cfg.Mesh,
		Hub:         cfg.Hub,
		Logger:      cfg.Logger,
	})

	if cfg.AutoMesh {
		r.roomMedia = media.NewAdapter(cfg.Source, logger)
		meshCfg := cfg.Mesh
		meshCfg.LocalID = cfg.Client.ID
		meshCfg.Logger = logger
		meshCfg.OnRemoteStream = func(s *mesh.RemoteStream) {
			r.publish(event.CallRemoteStreamAdded, hub.Fields{
				"participant_id": s.ParticipantID,
				"stream_id":      s.StreamID,
				"stream":         s,
			})
		}
		meshCfg.OnRemoteStreamRemoved = func(id string) {
			r.publish(event.CallRemoteStreamRemoved, hub.Fields{"participant_id": id})
		}
		meshCfg.OnPeerFailed = func(id string, err error) {
			r.publish(event.CallPeerFailed, hub.Fields{"participant_id": id, "error": err})
		}

		m, err := mesh.NewManager(meshCfg, mesh.RoomSignaler{Sender: cfg.Client}, r.roomMedia)
		if err != nil {
			cancel()
			return nil, err
		}
		r.mesh = m
	}

	r.subscribe()
	return r, nil
}

// subscribe registers every signaling handler the room needs
func (r *Room) subscribe() {
	on := func(name string, h signaling.Handler) {
		r.subs = append(r.subs, r.client.On(name, h))
	}

	on(signaling.EventConnected, decode(r.logger, r.onConnected))
	on(signaling.EventDisconnected, decode(r.logger, r.onDisconnected))
	on(signaling.EventConnectError, decode(r.logger, r.onConnectError))

	on(signaling.EventAllUsers, decode(r.logger, func(p signaling.AllUsers) {
		r.onAllUsers(p.Users)
	}))
	on(signaling.EventUserJoined, decode(r.logger, func(p signaling.ParticipantEvent) {
		r.onUserJoined(p.ParticipantID)
	}))
	on(signaling.EventUserLeft, decode(r.logger, func(p signaling.ParticipantEvent) {
		r.onUserLeft(p.ParticipantID)
	}))

	on(signaling.EventOffer, decode(r.logger, r.onOffer))
	on(signaling.EventAnswer, decode(r.logger, r.onAnswer))
	on(signaling.EventICECandidate, decode(r.logger, r.onCandidate))

	on(signaling.EventIncomingCall, decode(r.logger, r.call.handleIncomingCall))
	on(signaling.EventCallAccepted, decode(r.logger, func(p signaling.CallAccepted) {
		r.call.handleCallAccepted(r.ctx, p)
	}))
	on(signaling.EventCallRejected, decode(r.logger, r.call.handleCallRejected))
	on(signaling.EventCallEnded, decode(r.logger, r.call.handleCallEnded))
	on(signaling.EventCallSignal, decode(r.logger, func(p signaling.CallSignal) {
		r.call.handleCallSignal(r.ctx, p)
	}))
	on(signaling.EventUserJoinedCall, decode(r.logger, func(p signaling.UserJoinedCall) {
		r.call.handleUserJoinedCall(r.ctx, p)
	}))
	on(signaling.EventUserLeftCall, decode(r.logger, func(p signaling.UserLeftCall) {
		r.call.handleParticipantLeft(p.UserID)
	}))
}

// decode adapts a typed handler to a signaling handler
func decode[T any](logger *slog.Logger, fn func(T)) signaling.Handler {
	return func(msg signaling.Message) {
		var payload T
		if err := msg.Decode(&payload); err != nil {
			logger.Warn("dropping malformed signaling payload", "event", msg.Event, "error", err)
			return
		}
		fn(payload)
	}
}

// onConnected joins the room. A new participant id means the relay forgot
// our old connection, so its peers and call are gone too.
func (r *Room) onConnected(welcome signaling.Welcome) {
	if welcome.ParticipantID == "" {
		r.logger.Warn("ignoring connected event without participant id")
		return
	}

	r.mu.Lock()
	previous := r.joinedAs
	r.joinedAs = welcome.ParticipantID
	rejoined := previous != "" && previous != welcome.ParticipantID
	var stale []string
	if rejoined {
		stale = lo.Keys(r.members)
		r.members = make(map[string]Participant)
	}
	r.mu.Unlock()

	if rejoined {
		r.logger.Info("rejoining room with new participant id", "previous", previous, "participantID", welcome.ParticipantID)
		r.call.forceEnd(ReasonSignalingReconnected)
		if r.mesh != nil {
			for _, id := range stale {
				r.mesh.RemovePeer(id)
			}
		}
	}

	r.publish(event.SignalingStateChanged, hub.Fields{"state": signaling.StateConnected.String()})

	if err := r.client.Send(signaling.EventJoinRoom, signaling.JoinRoom{RoomID: r.ID}); err != nil {
		r.logger.Error("failed to join room", "error", err)
	}
}

func (r *Room) onDisconnected(d signaling.Disconnected) {
	r.publish(event.SignalingStateChanged, hub.Fields{
		"state":  r.client.State().String(),
		"reason": d.Reason,
	})
}

// onConnectError ends any live call once the channel is given up on
func (r *Room) onConnectError(ce signaling.ConnectError) {

	state := r.client.State()
	r.publish(event.SignalingStateChanged, hub.Fields{
		"state":  state.String(),
		"reason": ce.Error,
	})
	if state == signaling.StateUnavailable {
		r.call.forceEnd(ReasonSignalingUnavailable)
	}
}

// onAllUsers replaces membership with the relay's list. The listed
// members initiate toward us when they see our user-joined.
func (r *Room) onAllUsers(users []string) {
	self := r.client.ID()
	now := time.Now()

	r.mu.Lock()
	for _, id := range users {
		if id == self || id == "" {
			continue
		}
		if _, ok := r.members[id]; !ok {
			r.members[id] = Participant{ID: id, JoinedAt: now}
		}
	}
	if !r.isReady {
		r.isReady = true
		close(r.ready)
	}
	r.mu.Unlock()

	r.logger.Info("room membership received", "participants", len(users))
}

// onUserJoined records a new member and, in auto-mesh mode, initiates
func (r *Room) onUserJoined(id string) {
	if !r.addMember(id) {
		return
	}
	if r.mesh != nil {
		if _, err := r.mesh.CreateOrGetPeer(r.ctx, id, true); err != nil {
			r.logger.Warn("failed to connect to room member", "participantID", id, "error", err)
		}
	}
}

// onUserLeft removes a member from the room and from the call
func (r *Room) onUserLeft(id string) {
	r.mu.Lock()
	_, ok := r.members[id]
	delete(r.members, id)
	r.mu.Unlock()

	r.call.handleParticipantLeft(id)
	if r.mesh != nil {
		r.mesh.RemovePeer(id)
	}
	if ok {
		r.logger.Info("participant left room", "participantID", id)
		r.publish(event.RoomParticipantLeft, hub.Fields{"participant_id": id})
	}
}

// addMember records a participant, reporting whether it was new
func (r *Room) addMember(id string) bool {
	if id == "" || id == r.client.ID() {
		return false
	}

	r.mu.Lock()
	if _, ok := r.members[id]; ok {
		r.mu.Unlock()
		return false
	}
	r.members[id] = Participant{ID: id, JoinedAt: time.Now()}
	r.mu.Unlock()

	r.logger.Info("participant joined room", "participantID", id)
	r.publish(event.RoomParticipantJoined, hub.Fields{"participant_id": id})
	return true
}

func (r *Room) onOffer(d signaling.Description) {
	r.addMember(d.Caller)
	if r.mesh == nil {
		r.logger.Debug("ignoring room-level offer, auto-mesh disabled", "from", d.Caller)
		return
	}
	if err := r.mesh.HandleIncomingOffer(r.ctx, d.Caller, d.SDP); err != nil {
		r.logger.Warn("failed to answer room offer", "from", d.Caller, "error", err)
	}
}

func (r *Room) onAnswer(d signaling.Description) {
	if r.mesh == nil {
		return
	}
	if err := r.mesh.HandleIncomingAnswer(r.ctx, d.Caller, d.SDP); err != nil {
		r.logger.Debug("dropping room answer", "from", d.Caller, "error", err)
	}
}

func (r *Room) onCandidate(c signaling.Candidate) {
	if r.mesh == nil {
		return
	}
	if err := r.mesh.HandleIncomingCandidate(c.From, c.Candidate); err != nil {
		r.logger.Debug("dropping room candidate", "from", c.From, "error", err)
	}
}

func (r *Room) publish(name string, fields hub.Fields) {
	fields["room_id"] = r.ID
	r.hub.Publish(hub.Message{Name: name, Fields: fields})
}

// prepare acquires room-level media before joining in auto-mesh mode.
// Failure leaves the room mesh receive-only.
func (r *Room) prepare(ctx context.Context, c media.Constraints) {
	if r.roomMedia == nil {
		return
	}
	if _, err := r.roomMedia.Acquire(ctx, c); err != nil {
		r.logger.Warn("room media unavailable, joining receive-only", "error", err)
	}
}

// waitReady blocks until the first membership list arrives
func (r *Room) waitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call returns the room's call session
func (r *Room) Call() *Call {
	return r.call
}

// Mesh returns the room-level peer manager, nil unless auto-mesh is on
func (r *Room) Mesh() *mesh.Manager {
	return r.mesh
}

// ParticipantID returns our id in the room
func (r *Room) ParticipantID() string {
	return r.client.ID()
}

// SignalingState returns the state of the room's signaling connection
func (r *Room) SignalingState() signaling.State {
	return r.client.State()
}

// Participants returns the remote members ordered by join time
func (r *Room) Participants() []Participant {
	r.mu.RLock()
	out := lo.Values(r.members)
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// close ends the call and releases everything the room owns
func (r *Room) close() {
	switch r.call.State() {
	case StateIncomingPending:
		if err := r.call.RejectCall(); err != nil {
			r.logger.Debug("failed to decline call on leave", "error", err)
		}
	default:
		if err := r.call.EndCall(); err != nil {
			r.logger.Debug("failed to end call on leave", "error", err)
		}
	}

	r.cancel()
	for _, sub := range r.subs {
		r.client.Off(sub)
	}

	if r.mesh != nil {
		if err := r.mesh.Close(); err != nil {
			r.logger.Error("failed to close room mesh", "error", err)
		}
	}
	if r.roomMedia != nil {
		r.roomMedia.Release()
	}
	r.media.Release()

	if err := r.client.Close(); err != nil {
		r.logger.Error("failed to close signaling client", "error", err)
	}
}
