package mesh

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrUnknownPeer is returned for negotiation messages about a peer we do not track
	ErrUnknownPeer = errors.New("mesh: unknown peer")
	// ErrNegotiationFailed means one peer's SDP or ICE exchange failed; the peer was removed
	ErrNegotiationFailed = errors.New("mesh: negotiation failed")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("mesh: manager closed")
)

// PeerState is the negotiation state of one peer
type PeerState int

const (
	PeerNew PeerState = iota
	PeerOfferSent
	PeerOfferReceived
	PeerStable
	PeerConnected
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerOfferSent:
		return "offer-sent"
	case PeerOfferReceived:
		return "offer-received"
	case PeerStable:
		return "stable"
	case PeerConnected:
		return "connected"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Signaler sends negotiation messages addressed to a single peer
type Signaler interface {
	SendDescription(to string, desc webrtc.SessionDescription) error
	SendCandidate(to string, candidate webrtc.ICECandidateInit) error
}

// LocalMedia supplies the local tracks attached to every new connection
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
}

// TURNServer represents a TURN server
type TURNServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config holds peer connection manager configuration
type Config struct {
	STUN []string // STUN server URLs
	TURN []TURNServer

	// LocalID returns our participant id. When set, simultaneous offers are
	// resolved by id order instead of always yielding to the remote offer.
	LocalID func() string

	IncludeLoopback     bool          // gather loopback candidates (tests, single host)
	DisconnectedTimeout time.Duration // default 30s
	FailedTimeout       time.Duration // default 120s

	OnRemoteStream        func(stream *RemoteStream)
	OnRemoteStreamRemoved func(participantID string)
	OnPeerConnected       func(participantID string)
	OnPeerFailed          func(participantID string, err error)

	Logger *slog.Logger
}

// RemoteStream is one media stream received from a participant
type RemoteStream struct {
	ParticipantID string
	StreamID      string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
	bytes  atomic.Int64
}

// Tracks returns the remote tracks of the stream
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

// BytesReceived returns the media payload bytes read so far
func (s *RemoteStream) BytesReceived() int64 {
	return s.bytes.Load()
}

func (s *RemoteStream) addTrack(t *webrtc.TrackRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}
