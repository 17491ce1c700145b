package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Manager owns one peer connection per remote participant (full mesh)
type Manager struct {
	api      *webrtc.API
	config   webrtc.Configuration
	signaler Signaler
	media    LocalMedia
	localID  func() string
	logger   *slog.Logger

	onRemoteStream        func(*RemoteStream)
	onRemoteStreamRemoved func(string)
	onPeerConnected       func(string)
	onPeerFailed          func(string, error)

	tracer      trace.Tracer
	peersActive metric.Int64UpDownCounter

	peers  map[string]*Peer
	closed bool
	mu     sync.RWMutex
	wg     sync.WaitGroup

	// beforeOffer runs between producing an offer and sending it
	beforeOffer func(participantID string)
}

// NewManager creates a peer connection manager. media may be nil, in which
// case every connection is receive-only.
func NewManager(cfg Config, signaler Signaler, media LocalMedia) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = 30 * time.Second
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = 120 * time.Second
	}

	// Build WebRTC configuration from Config
	rtcConfig := webrtc.Configuration{}
	for _, stunURL := range cfg.STUN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs: []string{stunURL},
		})
	}
	for _, turn := range cfg.TURN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs:       turn.URLs,
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}

	meter := otel.Meter("meshcall/mesh")
	peersActive, _ := meter.Int64UpDownCounter("mesh.peers_active", metric.WithDescription("Number of live peer connections"))

	return &Manager{
		api:                   api,
		config:                rtcConfig,
		signaler:              signaler,
		media:                 media,
		localID:               cfg.LocalID,
		logger:                cfg.Logger,
		onRemoteStream:        cfg.OnRemoteStream,
		onRemoteStreamRemoved: cfg.OnRemoteStreamRemoved,
		onPeerConnected:       cfg.OnPeerConnected,
		onPeerFailed:          cfg.OnPeerFailed,
		tracer:                otel.Tracer("meshcall/mesh"),
		peersActive:           peersActive,
		peers:                 make(map[string]*Peer),
	}, nil
}

// newAPI builds the pion API shared by every connection of a manager
func newAPI(cfg Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(cfg.Logger)
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, 2*time.Second)
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// CreateOrGetPeer returns the connection for a participant, creating it if
// needed. A newly created initiator peer sends its offer asynchronously.
func (m *Manager) CreateOrGetPeer(ctx context.Context, participantID string, initiator bool) (*Peer, error) {
	p, created, err := m.getOrCreate(participantID, initiator)
	if err != nil {
		return nil, err
	}
	if created && initiator {
		go m.offer(ctx, p)
	}
	return p, nil
}

// getOrCreate is the only place peers are added to the map
func (m *Manager) getOrCreate(participantID string, initiator bool) (*Peer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	if p, ok := m.peers[participantID]; ok {
		return p, false, nil
	}

	pc, err := m.api.NewPeerConnection(m.config)
	if err != nil {
		m.logger.Error("failed to create peer connection", "participantID", participantID, "error", err)
		return nil, false, err
	}

	p := &Peer{
		id:        participantID,
		pc:        pc,
		initiator: initiator,
		streams:   make(map[string]*RemoteStream),
	}
	m.attachMedia(p)
	m.registerCallbacks(p)

	m.peers[participantID] = p
	if initiator {
		m.wg.Add(1)
	}
	m.peersActive.Add(context.Background(), 1)
	m.logger.Info("peer connection created", "participantID", participantID, "initiator", initiator)

	return p, true, nil
}

// attachMedia adds every local track, and a receive-only transceiver for
// each kind we have no track for so the SDP still carries that section.
func (m *Manager) attachMedia(p *Peer) {
	have := map[webrtc.RTPCodecType]bool{}

	if m.media != nil {
		for _, track := range m.media.Tracks() {
			sender, err := p.pc.AddTrack(track)
			if err != nil {
				m.logger.Warn("failed to attach local track", "participantID", p.id, "kind", track.Kind().String(), "error", err)
				continue
			}
			have[track.Kind()] = true
			go drainRTCP(sender)
		}
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			m.logger.Warn("failed to add recvonly transceiver", "participantID", p.id, "kind", kind.String(), "error", err)
		}
	}
}

// drainRTCP reads sender RTCP so interceptors see receiver reports
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// registerCallbacks wires pion events for one peer
func (m *Manager) registerCallbacks(p *Peer) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.onLocalCandidate(p, c.ToJSON())
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.onTrack(p, track)
	})

	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.logger.Debug("ICE connection state changed", "participantID", p.id, "state", state.String())
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.onConnectionStateChange(p, state)
	})
}

// offer produces and sends the initial offer for an initiator peer. The
// result is discarded if the peer was removed or took an inbound offer
// while the offer was being produced.
func (m *Manager) offer(ctx context.Context, p *Peer) {
	defer m.wg.Done()

	_, span := m.tracer.Start(context.WithoutCancel(ctx), "mesh.offer", trace.WithAttributes(
		attribute.String("participant_id", p.id),
	))
	defer span.End()

	p.mu.Lock()
	if p.state != PeerNew {
		p.mu.Unlock()
		return
	}
	offer, err := p.pc.CreateOffer(nil)
	if err == nil {
		err = p.pc.SetLocalDescription(offer)
	}
	if err != nil {
		p.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "create offer")
		m.fail(p, fmt.Errorf("%w: offer: %v", ErrNegotiationFailed, err))
		return
	}
	p.state = PeerOfferSent
	p.mu.Unlock()

	if m.beforeOffer != nil {
		m.beforeOffer(p.id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PeerOfferSent {
		m.logger.Debug("discarding stale offer", "participantID", p.id, "state", p.state.String())
		span.AddEvent("stale offer discarded")
		return
	}
	if err := m.signaler.SendDescription(p.id, offer); err != nil {
		m.logger.Warn("failed to send offer", "participantID", p.id, "error", err)
		span.RecordError(err)
	}
	m.flushLocalCandidates(p)
	m.logger.Debug("offer sent", "participantID", p.id)
}

// HandleIncomingOffer applies a remote offer, creating the peer if needed,
// then drains queued candidates and answers. A colliding local offer is
// rolled back unless id order says the remote should yield.
func (m *Manager) HandleIncomingOffer(ctx context.Context, from string, desc webrtc.SessionDescription) error {
	_, span := m.tracer.Start(ctx, "mesh.answer", trace.WithAttributes(
		attribute.String("participant_id", from),
	))
	defer span.End()

	if desc.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("%w: expected offer, got %s", ErrNegotiationFailed, desc.Type)
	}
	if err := validateSDP(desc.SDP); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	p, _, err := m.getOrCreate(from, false)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.state == PeerClosed {
		p.mu.Unlock()
		return ErrUnknownPeer
	}

	if p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if m.localID != nil && m.localID() > from {
			p.mu.Unlock()
			m.logger.Info("ignoring colliding offer, remote yields", "participantID", from)
			span.AddEvent("glare: remote yields")
			return nil
		}
		if err := p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			p.mu.Unlock()
			return m.negotiationFailed(p, span, "rollback", err)
		}
		m.logger.Info("glare: rolled back local offer", "participantID", from)
		span.AddEvent("glare: local offer rolled back")
	}

	p.state = PeerOfferReceived
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		p.mu.Unlock()
		return m.negotiationFailed(p, span, "set remote offer", err)
	}
	m.applyQueued(p)

	answer, err := p.pc.CreateAnswer(nil)
	if err == nil {
		err = p.pc.SetLocalDescription(answer)
	}
	if err != nil {
		p.mu.Unlock()
		return m.negotiationFailed(p, span, "answer", err)
	}
	p.settle()

	if err := m.signaler.SendDescription(from, answer); err != nil {
		m.logger.Warn("failed to send answer", "participantID", from, "error", err)
		span.RecordError(err)
	}
	m.flushLocalCandidates(p)
	p.mu.Unlock()

	m.logger.Debug("answer sent", "participantID", from)
	return nil
}

// HandleIncomingAnswer applies a remote answer. Answers for peers we never
// sent an offer to are dropped with ErrUnknownPeer.
func (m *Manager) HandleIncomingAnswer(ctx context.Context, from string, desc webrtc.SessionDescription) error {
	_, span := m.tracer.Start(ctx, "mesh.apply_answer", trace.WithAttributes(
		attribute.String("participant_id", from),
	))
	defer span.End()

	p := m.Peer(from)
	if p == nil {
		m.logger.Debug("answer from unknown peer", "participantID", from)
		return ErrUnknownPeer
	}

	p.mu.Lock()
	if p.state != PeerOfferSent {
		state := p.state
		p.mu.Unlock()
		m.logger.Debug("answer without pending offer", "participantID", from, "state", state.String())
		return fmt.Errorf("%w: no offer pending for %s", ErrUnknownPeer, from)
	}

	if err := validateSDP(desc.SDP); err != nil {
		p.mu.Unlock()
		return m.negotiationFailed(p, span, "parse answer", err)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		p.mu.Unlock()
		return m.negotiationFailed(p, span, "set remote answer", err)
	}
	p.settle()
	m.applyQueued(p)
	p.mu.Unlock()

	m.logger.Debug("answer applied", "participantID", from)
	return nil
}

// HandleIncomingCandidate applies a remote candidate, or queues it until
// the remote description is set.
func (m *Manager) HandleIncomingCandidate(from string, c webrtc.ICECandidateInit) error {
	p := m.Peer(from)
	if p == nil {
		m.logger.Debug("candidate from unknown peer", "participantID", from)
		return ErrUnknownPeer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == PeerClosed {
		return ErrUnknownPeer
	}
	if p.queue.Push(c) {
		return nil
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		m.logger.Warn("failed to add ICE candidate", "participantID", from, "error", err)
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// applyQueued drains the candidate queue into the connection. p.mu must be held.
func (m *Manager) applyQueued(p *Peer) {
	queued := p.queue.Drain()
	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			m.logger.Warn("failed to add queued ICE candidate", "participantID", p.id, "error", err)
		}
	}
	if len(queued) > 0 {
		m.logger.Debug("applied queued candidates", "participantID", p.id, "count", len(queued))
	}
}

// onLocalCandidate sends a gathered candidate to its peer, holding it
// back until our description has been sent.
func (m *Manager) onLocalCandidate(p *Peer, c webrtc.ICECandidateInit) {
	p.mu.Lock()
	if p.state == PeerClosed {
		p.mu.Unlock()
		return
	}
	if !p.localSent {
		p.localPending = append(p.localPending, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := m.signaler.SendCandidate(p.id, c); err != nil {
		m.logger.Debug("failed to send ICE candidate", "participantID", p.id, "error", err)
	}
}

// flushLocalCandidates marks our description as sent and releases held
// candidates. p.mu must be held.
func (m *Manager) flushLocalCandidates(p *Peer) {
	p.localSent = true
	pending := p.localPending
	p.localPending = nil
	for _, c := range pending {
		if err := m.signaler.SendCandidate(p.id, c); err != nil {
			m.logger.Debug("failed to send ICE candidate", "participantID", p.id, "error", err)
		}
	}
}

// onConnectionStateChange tracks connectivity and removes failed peers
func (m *Manager) onConnectionStateChange(p *Peer, state webrtc.PeerConnectionState) {
	m.logger.Info("peer connection state changed", "participantID", p.id, "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.mu.Lock()
		if p.state == PeerClosed {
			p.mu.Unlock()
			return
		}
		p.connected = true
		p.state = PeerConnected
		p.mu.Unlock()

		if m.onPeerConnected != nil {
			m.onPeerConnected(p.id)
		}
	case webrtc.PeerConnectionStateDisconnected:
		p.mu.Lock()
		p.connected = false
		if p.state == PeerConnected {
			p.state = PeerStable
		}
		p.mu.Unlock()
	case webrtc.PeerConnectionStateFailed:
		m.fail(p, fmt.Errorf("%w: connection failed", ErrNegotiationFailed))
	}
}

// negotiationFailed removes p and returns the wrapped error
func (m *Manager) negotiationFailed(p *Peer, span trace.Span, step string, cause error) error {
	err := fmt.Errorf("%w: %s: %v", ErrNegotiationFailed, step, cause)
	span.RecordError(cause)
	span.SetStatus(codes.Error, step)
	m.fail(p, err)
	return err
}

// fail removes a peer after an unrecoverable error and reports it
func (m *Manager) fail(p *Peer, err error) {
	if !m.removeIf(p) {
		return
	}
	m.logger.Warn("peer negotiation failed", "participantID", p.id, "error", err)
	if m.onPeerFailed != nil {
		m.onPeerFailed(p.id, err)
	}
}

// RemovePeer closes and forgets a participant's connection. Unknown ids are a no-op.
func (m *Manager) RemovePeer(participantID string) {
	m.mu.Lock()
	p, ok := m.peers[participantID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.peers, participantID)
	m.mu.Unlock()

	m.closePeer(p)
}

// removeIf removes p only if it is still the current peer for its id
func (m *Manager) removeIf(p *Peer) bool {
	m.mu.Lock()
	if m.peers[p.id] != p {
		m.mu.Unlock()
		return false
	}
	delete(m.peers, p.id)
	m.mu.Unlock()

	m.closePeer(p)
	return true
}

// closePeer tears down a peer that is no longer in the map
func (m *Manager) closePeer(p *Peer) {
	if err := p.close(); err != nil {
		m.logger.Error("failed to close peer", "participantID", p.id, "error", err)
	}
	m.peersActive.Add(context.Background(), -1)
	m.logger.Info("peer removed", "participantID", p.id)

	if m.onRemoteStreamRemoved != nil {
		m.onRemoteStreamRemoved(p.id)
	}
}

// Peer returns a participant's peer, or nil
func (m *Manager) Peer(participantID string) *Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[participantID]
}

// PeerIDs returns the tracked participant ids in sorted order
func (m *Manager) PeerIDs() []string {
	m.mu.RLock()
	ids := lo.Keys(m.peers)
	m.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// PeerCount returns the number of live peer connections
func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// RemoteStreams returns every surfaced remote stream keyed by participant
func (m *Manager) RemoteStreams() map[string][]*RemoteStream {
	m.mu.RLock()
	peers := lo.Values(m.peers)
	m.mu.RUnlock()

	out := make(map[string][]*RemoteStream, len(peers))
	for _, p := range peers {
		if streams := p.RemoteStreams(); len(streams) > 0 {
			out[p.id] = streams
		}
	}
	return out
}

// Close closes every peer connection. The manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := m.peers
	m.peers = make(map[string]*Peer)
	m.mu.Unlock()

	for _, p := range peers {
		m.closePeer(p)
	}
	m.wg.Wait()
	return nil
}

// validateSDP rejects descriptions pion would choke on later
func validateSDP(raw string) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return err
	}
	if len(parsed.MediaDescriptions) == 0 {
		return errors.New("sdp has no media sections")
	}
	return nil
}
