package mesh

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Peer is the connection to one remote participant
type Peer struct {
	id        string
	pc        *webrtc.PeerConnection
	initiator bool

	mu    sync.Mutex
	state PeerState
	queue CandidateQueue
	// ICE reached connected; renegotiation does not reset it
	connected bool

	// local candidates gathered before our description went out
	localPending []webrtc.ICECandidateInit
	localSent    bool

	streams map[string]*RemoteStream
	wg      sync.WaitGroup
}

// ID returns the remote participant id
func (p *Peer) ID() string {
	return p.id
}

// Initiator reports whether we sent the first offer
func (p *Peer) Initiator() bool {
	return p.initiator
}

// State returns the current negotiation state
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// QueuedCandidates returns how many remote candidates await the remote description
func (p *Peer) QueuedCandidates() int {
	return p.queue.Len()
}

// RemoteStreams returns the streams received from this peer
func (p *Peer) RemoteStreams() []*RemoteStream {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*RemoteStream, 0, len(p.streams))
	for _, s := range p.streams {
		out = append(out, s)
	}
	return out
}

// settle ends a negotiation round, back in Connected when the transport is
// already up and in Stable otherwise. p.mu must be held.
func (p *Peer) settle() {
	if p.connected {
		p.state = PeerConnected
		return
	}
	p.state = PeerStable
}

// close marks the peer closed and releases the connection. Safe to call twice.
func (p *Peer) close() error {
	p.mu.Lock()
	if p.state == PeerClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = PeerClosed
	p.queue.Discard()
	p.localPending = nil
	p.mu.Unlock()

	err := p.pc.Close()
	p.wg.Wait()
	return err
}

// onTrack surfaces a remote track, grouping tracks by stream id
func (m *Manager) onTrack(p *Peer, track *webrtc.TrackRemote) {
	m.logger.Info("track received",
		"participantID", p.id,
		"codec", track.Codec().MimeType,
		"kind", track.Kind().String(),
		"streamID", track.StreamID(),
	)

	p.mu.Lock()
	if p.state == PeerClosed {
		p.mu.Unlock()
		return
	}
	stream, existed := p.streams[track.StreamID()]
	if !existed {
		stream = &RemoteStream{ParticipantID: p.id, StreamID: track.StreamID()}
		p.streams[track.StreamID()] = stream
	}
	stream.addTrack(track)
	p.wg.Add(1)
	p.mu.Unlock()

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		m.requestKeyframe(p, track)
	}
	go m.readTrack(p, stream, track)

	if !existed && m.onRemoteStream != nil {
		m.onRemoteStream(stream)
	}
}

// requestKeyframe asks the sender for a keyframe so decoding can start
func (m *Manager) requestKeyframe(p *Peer, track *webrtc.TrackRemote) {
	err := p.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
	if err != nil {
		m.logger.Debug("failed to send PLI", "participantID", p.id, "error", err)
	}
}

// readTrack consumes a remote track until the connection closes
func (m *Manager) readTrack(p *Peer, stream *RemoteStream, track *webrtc.TrackRemote) {
	defer p.wg.Done()

	buf := make([]byte, 1500)
	packets := 0
	start := time.Now()
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			m.logger.Debug("remote track ended",
				"participantID", p.id,
				"kind", track.Kind().String(),
				"packets", packets,
				"duration", time.Since(start).Round(time.Millisecond),
			)
			return
		}
		packets++
		stream.bytes.Add(int64(n))
	}
}
