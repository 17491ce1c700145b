package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/meshcall/pkg/media"
)

const connectTimeout = 15 * time.Second

// recordingSignaler captures everything a manager sends
type recordingSignaler struct {
	mu    sync.Mutex
	descs []webrtc.SessionDescription
	cands []webrtc.ICECandidateInit
	descC chan webrtc.SessionDescription
}

func (s *recordingSignaler) SendDescription(_ string, desc webrtc.SessionDescription) error {
	s.mu.Lock()
	s.descs = append(s.descs, desc)
	c := s.descC
	s.mu.Unlock()
	if c != nil {
		c <- desc
	}
	return nil
}

func (s *recordingSignaler) SendCandidate(_ string, c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cands = append(s.cands, c)
	return nil
}

func (s *recordingSignaler) descriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.descs)
}

func newTestManager(t *testing.T, s Signaler, local LocalMedia) *Manager {
	t.Helper()
	m, err := NewManager(Config{IncludeLoopback: true}, s, local)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// testNet delivers signaling between in-process managers. Each manager has
// one inbox, so messages from a single sender arrive in send order.
type testNet struct {
	t      *testing.T
	mu     sync.RWMutex
	inbox  map[string]chan func(*Manager)
	closed bool
	wg     sync.WaitGroup

	events sync.Map // "id/event" -> chan string
}

func newTestNet(t *testing.T) *testNet {
	n := &testNet{t: t, inbox: make(map[string]chan func(*Manager))}
	t.Cleanup(n.close)
	return n
}

// add starts a participant. Its OnPeerConnected and OnRemoteStream callbacks
// feed channels readable through connected and streams.
func (n *testNet) add(id string, local LocalMedia) *Manager {
	n.t.Helper()

	connected := make(chan string, 16)
	streams := make(chan *RemoteStream, 16)
	n.events.Store(id+"/connected", connected)
	n.events.Store(id+"/stream", streams)

	m, err := NewManager(Config{
		LocalID:         func() string { return id },
		IncludeLoopback: true,
		OnPeerConnected: func(peer string) { connected <- peer },
		OnRemoteStream:  func(s *RemoteStream) { streams <- s },
	}, netSignaler{net: n, from: id}, local)
	require.NoError(n.t, err)

	inbox := make(chan func(*Manager), 1024)
	n.mu.Lock()
	n.inbox[id] = inbox
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for fn := range inbox {
			fn(m)
		}
	}()

	n.t.Cleanup(func() { m.Close() })
	return m
}

func (n *testNet) deliver(to string, fn func(*Manager)) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	if inbox, ok := n.inbox[to]; ok {
		inbox <- fn
	}
}

func (n *testNet) close() {
	n.mu.Lock()
	n.closed = true
	for _, inbox := range n.inbox {
		close(inbox)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *testNet) connected(id string) chan string {
	c, _ := n.events.Load(id + "/connected")
	return c.(chan string)
}

func (n *testNet) streams(id string) chan *RemoteStream {
	c, _ := n.events.Load(id + "/stream")
	return c.(chan *RemoteStream)
}

// waitConnected waits until id reports a connection to every peer in want
func (n *testNet) waitConnected(id string, want ...string) {
	n.t.Helper()

	pending := map[string]bool{}
	for _, w := range want {
		pending[w] = true
	}
	deadline := time.After(connectTimeout)
	for len(pending) > 0 {
		select {
		case peer := <-n.connected(id):
			delete(pending, peer)
		case <-deadline:
			n.t.Fatalf("%s: timed out waiting for connections to %v", id, pending)
		}
	}
}

type netSignaler struct {
	net  *testNet
	from string
}

func (s netSignaler) SendDescription(to string, desc webrtc.SessionDescription) error {
	from := s.from
	s.net.deliver(to, func(m *Manager) {
		ctx := context.Background()
		if desc.Type == webrtc.SDPTypeOffer {
			_ = m.HandleIncomingOffer(ctx, from, desc)
			return
		}
		_ = m.HandleIncomingAnswer(ctx, from, desc)
	})
	return nil
}

func (s netSignaler) SendCandidate(to string, c webrtc.ICECandidateInit) error {
	from := s.from
	s.net.deliver(to, func(m *Manager) {
		_ = m.HandleIncomingCandidate(from, c)
	})
	return nil
}

func staticMedia(t *testing.T) *media.Adapter {
	t.Helper()
	a := media.NewAdapter(media.StaticSource{}, nil)
	_, err := a.Acquire(context.Background(), media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	t.Cleanup(a.Release)
	return a
}

// offerFrom makes a real offer from a throwaway manager
func offerFrom(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	s := &recordingSignaler{descC: make(chan webrtc.SessionDescription, 1)}
	m := newTestManager(t, s, nil)
	_, err := m.CreateOrGetPeer(context.Background(), "target", true)
	require.NoError(t, err)

	select {
	case desc := <-s.descC:
		require.Equal(t, webrtc.SDPTypeOffer, desc.Type)
		return desc
	case <-time.After(5 * time.Second):
		t.Fatal("no offer produced")
	}
	return webrtc.SessionDescription{}
}

func TestCreateOrGetPeerIsIdempotent(t *testing.T) {
	t.Parallel()

	s := &recordingSignaler{descC: make(chan webrtc.SessionDescription, 4)}
	m := newTestManager(t, s, nil)

	first, err := m.CreateOrGetPeer(context.Background(), "b", true)
	require.NoError(t, err)
	second, err := m.CreateOrGetPeer(context.Background(), "b", true)
	require.NoError(t, err)
	third, err := m.CreateOrGetPeer(context.Background(), "b", false)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Same(t, first, third)
	assert.Equal(t, 1, m.PeerCount())
	assert.True(t, first.Initiator())

	// only the creating call produces an offer
	<-s.descC
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.descriptions())
	assert.Equal(t, PeerOfferSent, first.State())
}

func TestHandleIncomingAnswerWithoutOffer(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &recordingSignaler{}, nil)
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}

	err := m.HandleIncomingAnswer(context.Background(), "ghost", answer)
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.Zero(t, m.PeerCount())

	// a peer we never offered to
	_, err = m.CreateOrGetPeer(context.Background(), "b", false)
	require.NoError(t, err)
	err = m.HandleIncomingAnswer(context.Background(), "b", answer)
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.Equal(t, 1, m.PeerCount(), "stray answer is not fatal")
}

func TestHandleIncomingCandidateUnknownPeer(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &recordingSignaler{}, nil)
	err := m.HandleIncomingCandidate("ghost", candidate(0))
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	t.Parallel()

	offer := offerFrom(t)

	s := &recordingSignaler{descC: make(chan webrtc.SessionDescription, 1)}
	m := newTestManager(t, s, nil)
	p, err := m.CreateOrGetPeer(context.Background(), "a", false)
	require.NoError(t, err)

	for i := range 3 {
		require.NoError(t, m.HandleIncomingCandidate("a", candidate(i)))
	}
	assert.Equal(t, 3, p.QueuedCandidates())
	assert.False(t, p.queue.Drained())

	require.NoError(t, m.HandleIncomingOffer(context.Background(), "a", offer))

	assert.True(t, p.queue.Drained())
	assert.Zero(t, p.QueuedCandidates())
	assert.Equal(t, PeerStable, p.State())

	answer := <-s.descC
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	// later candidates bypass the queue
	_ = m.HandleIncomingCandidate("a", candidate(4))
	assert.Zero(t, p.QueuedCandidates())
}

func TestHandleIncomingOfferRejectsBadSDP(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &recordingSignaler{}, nil)

	err := m.HandleIncomingOffer(context.Background(), "a", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "garbage"})
	assert.ErrorIs(t, err, ErrNegotiationFailed)

	err = m.HandleIncomingOffer(context.Background(), "a", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	assert.ErrorIs(t, err, ErrNegotiationFailed)

	assert.Zero(t, m.PeerCount())
}

func TestRemovePeer(t *testing.T) {
	t.Parallel()

	removed := make(chan string, 4)
	m, err := NewManager(Config{
		OnRemoteStreamRemoved: func(id string) { removed <- id },
	}, &recordingSignaler{}, nil)
	require.NoError(t, err)
	defer m.Close()

	// unknown ids are a no-op
	m.RemovePeer("ghost")
	assert.Empty(t, removed)

	p, err := m.CreateOrGetPeer(context.Background(), "b", false)
	require.NoError(t, err)
	m.RemovePeer("b")

	assert.Equal(t, "b", <-removed)
	assert.Equal(t, PeerClosed, p.State())
	assert.Zero(t, m.PeerCount())
	assert.Nil(t, m.Peer("b"))

	// and so is removing it again
	m.RemovePeer("b")
	assert.Empty(t, removed)
}

func TestStaleOfferIsDiscarded(t *testing.T) {
	t.Parallel()

	s := &recordingSignaler{}
	m := newTestManager(t, s, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	m.beforeOffer = func(string) {
		close(entered)
		<-release
	}

	_, err := m.CreateOrGetPeer(context.Background(), "b", true)
	require.NoError(t, err)

	<-entered
	m.RemovePeer("b")
	close(release)

	require.NoError(t, m.Close())
	assert.Zero(t, s.descriptions(), "offer for a removed peer must not be sent")
	s.mu.Lock()
	assert.Empty(t, s.cands)
	s.mu.Unlock()
}

func TestClosedManager(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &recordingSignaler{}, nil)
	_, err := m.CreateOrGetPeer(context.Background(), "b", false)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.Zero(t, m.PeerCount())

	_, err = m.CreateOrGetPeer(context.Background(), "c", false)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, m.Close())
}

func TestTwoPartyMesh(t *testing.T) {
	t.Parallel()

	n := newTestNet(t)
	a := n.add("a", staticMedia(t))
	b := n.add("b", staticMedia(t))

	// a learned about b through an announcement, so a initiates
	_, err := a.CreateOrGetPeer(context.Background(), "b", true)
	require.NoError(t, err)

	n.waitConnected("a", "b")
	n.waitConnected("b", "a")

	assert.Equal(t, []string{"b"}, a.PeerIDs())
	assert.Equal(t, []string{"a"}, b.PeerIDs())
	assert.False(t, b.Peer("a").Initiator())

	select {
	case s := <-n.streams("b"):
		assert.Equal(t, "a", s.ParticipantID)
		assert.NotEmpty(t, s.Tracks())
	case <-time.After(connectTimeout):
		t.Fatal("remote stream never surfaced")
	}
	assert.Eventually(t, func() bool {
		streams := b.RemoteStreams()["a"]
		return len(streams) == 1 && streams[0].BytesReceived() > 0
	}, connectTimeout, 20*time.Millisecond)
}

func TestRenegotiationKeepsPeerConnected(t *testing.T) {
	t.Parallel()

	n := newTestNet(t)
	a := n.add("a", staticMedia(t))
	b := n.add("b", nil)

	ctx := context.Background()
	_, err := a.CreateOrGetPeer(ctx, "b", true)
	require.NoError(t, err)
	n.waitConnected("a", "b")
	n.waitConnected("b", "a")

	// b offers again on the live connection
	pb := b.Peer("a")
	require.NotNil(t, pb)
	pb.mu.Lock()
	offer, err := pb.pc.CreateOffer(nil)
	if err == nil {
		err = pb.pc.SetLocalDescription(offer)
	}
	pb.state = PeerOfferSent
	pb.mu.Unlock()
	require.NoError(t, err)

	pa := a.Peer("b")
	require.NoError(t, a.HandleIncomingOffer(ctx, "b", offer))
	assert.Equal(t, PeerConnected, pa.State())
	assert.Same(t, pa, a.Peer("b"))

	// the answer reaches b through the net and settles it back to connected
	assert.Eventually(t, func() bool {
		return pb.State() == PeerConnected
	}, connectTimeout, 10*time.Millisecond)
}

func TestThreePartyMesh(t *testing.T) {
	t.Parallel()

	n := newTestNet(t)
	a := n.add("a", staticMedia(t))
	b := n.add("b", staticMedia(t))
	c := n.add("c", staticMedia(t))

	ctx := context.Background()
	_, err := a.CreateOrGetPeer(ctx, "b", true)
	require.NoError(t, err)
	_, err = a.CreateOrGetPeer(ctx, "c", true)
	require.NoError(t, err)
	_, err = b.CreateOrGetPeer(ctx, "c", true)
	require.NoError(t, err)

	n.waitConnected("a", "b", "c")
	n.waitConnected("b", "a", "c")
	n.waitConnected("c", "a", "b")

	// N-1 connections each
	for _, m := range []*Manager{a, b, c} {
		assert.Equal(t, 2, m.PeerCount())
	}

	ab := a.Peer("b")
	c.Close()
	a.RemovePeer("c")
	b.RemovePeer("c")

	assert.Equal(t, []string{"b"}, a.PeerIDs())
	assert.Equal(t, []string{"a"}, b.PeerIDs())
	assert.Same(t, ab, a.Peer("b"))
	assert.Equal(t, PeerConnected, ab.State())
}

func TestGlareConvergesToOneConnection(t *testing.T) {
	t.Parallel()

	n := newTestNet(t)
	a := n.add("a", nil)
	b := n.add("b", nil)

	// both sides initiate at once
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = a.CreateOrGetPeer(context.Background(), "b", true)
	}()
	go func() {
		defer wg.Done()
		_, _ = b.CreateOrGetPeer(context.Background(), "a", true)
	}()
	wg.Wait()

	n.waitConnected("a", "b")
	n.waitConnected("b", "a")

	assert.Equal(t, 1, a.PeerCount())
	assert.Equal(t, 1, b.PeerCount())
}
