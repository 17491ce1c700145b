package mesh

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/meshcall/pkg/signaling"
)

// Sender is the part of the signaling client the signalers need
type Sender interface {
	Send(event string, payload interface{}) error
}

// RoomSignaler negotiates with room-level offer, answer and ice-candidate events
type RoomSignaler struct {
	Sender Sender
}

// SendDescription sends an offer or answer to one participant
func (s RoomSignaler) SendDescription(to string, desc webrtc.SessionDescription) error {
	event := signaling.EventOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		event = signaling.EventAnswer
	}
	return s.Sender.Send(event, signaling.Description{Target: to, SDP: desc})
}

// SendCandidate trickles a local candidate to one participant
func (s RoomSignaler) SendCandidate(to string, c webrtc.ICECandidateInit) error {
	return s.Sender.Send(signaling.EventICECandidate, signaling.Candidate{Target: to, Candidate: c})
}

// CallSignaler negotiates through call_signal messages scoped to a room
type CallSignaler struct {
	Sender Sender
	RoomID string
}

// SendDescription wraps an offer or answer in a call_signal
func (s CallSignaler) SendDescription(to string, desc webrtc.SessionDescription) error {
	return s.Sender.Send(signaling.EventCallSignal, signaling.CallSignal{
		UserToSignal: to,
		RoomID:       s.RoomID,
		Signal:       signaling.Signal{Type: desc.Type.String(), SDP: desc.SDP},
	})
}

// SendCandidate wraps a candidate in a call_signal
func (s CallSignaler) SendCandidate(to string, c webrtc.ICECandidateInit) error {
	return s.Sender.Send(signaling.EventCallSignal, signaling.CallSignal{
		UserToSignal: to,
		RoomID:       s.RoomID,
		Signal:       signaling.Signal{Type: signaling.SignalCandidate, Candidate: &c},
	})
}

// HandleSignal routes a nested call_signal payload to the matching handler
func (m *Manager) HandleSignal(ctx context.Context, from string, sig signaling.Signal) error {
	switch sig.Type {
	case signaling.SignalOffer:
		return m.HandleIncomingOffer(ctx, from, sig.Description())
	case signaling.SignalAnswer:
		return m.HandleIncomingAnswer(ctx, from, sig.Description())
	case signaling.SignalCandidate:
		if sig.Candidate == nil {
			return fmt.Errorf("%w: empty candidate from %s", ErrNegotiationFailed, from)
		}
		return m.HandleIncomingCandidate(from, *sig.Candidate)
	default:
		return fmt.Errorf("%w: unknown signal type %q", ErrNegotiationFailed, sig.Type)
	}
}
