package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leandro-lugaresi/hub"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/meshcall/pkg/event"
	"github.com/silviot/meshcall/pkg/media"
	"github.com/silviot/meshcall/pkg/signaling"
)

type sent struct {
	event   string
	payload interface{}
}

// fakeChannel records what the call sends instead of talking to a relay
type fakeChannel struct {
	id string

	mu    sync.Mutex
	state signaling.State
	sent  []sent
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id, state: signaling.StateConnected}
}

func (f *fakeChannel) Send(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == signaling.StateUnavailable {
		return nil
	}
	f.sent = append(f.sent, sent{event, payload})
	return nil
}

func (f *fakeChannel) State() signaling.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) setState(s signaling.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeChannel) count(event string) int {
	return len(f.payloads(event))
}

func (f *fakeChannel) payloads(event string) []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []interface{}
	for _, s := range f.sent {
		if s.event == event {
			out = append(out, s.payload)
		}
	}
	return out
}

// switchSource denies capture until allowed
type switchSource struct {
	deny  atomic.Bool
	calls atomic.Int32
}

func (s *switchSource) GetUserMedia(ctx context.Context, c media.Constraints) ([]webrtc.TrackLocal, error) {
	s.calls.Add(1)
	if s.deny.Load() {
		return nil, media.ErrPermissionDenied
	}
	return media.StaticSource{}.GetUserMedia(ctx, c)
}

type callFixture struct {
	call    *Call
	channel *fakeChannel
	adapter *media.Adapter
	hub     *hub.Hub
}

func newCallFixture(t *testing.T, source media.Source) *callFixture {
	t.Helper()

	h := hub.New()
	ch := newFakeChannel("self")
	adapter := media.NewAdapter(source, nil)
	c := NewCall(CallConfig{
		RoomID:  "room-1",
		Channel: ch,
		Media:   adapter,
		Hub:     h,
	})
	t.Cleanup(func() { c.forceEnd("test-cleanup") })

	return &callFixture{call: c, channel: ch, adapter: adapter, hub: h}
}

func incoming(callID, from string) signaling.IncomingCall {
	return signaling.IncomingCall{CallID: callID, FromUser: from, RoomID: "room-1", Participants: []string{from}}
}

func TestStartCall(t *testing.T) {
	f := newCallFixture(t, media.StaticSource{})

	require.NoError(t, f.call.StartCall(context.Background()))

	assert.Equal(t, StateOutgoing, f.call.State())
	assert.NotEmpty(t, f.call.ID())
	assert.NotNil(t, f.adapter.Stream())
	require.Equal(t, 1, f.channel.count(signaling.EventStartCall))

	start := f.channel.payloads(signaling.EventStartCall)[0].(signaling.StartCall)
	assert.Equal(t, f.call.ID(), start.CallID)
	assert.Equal(t, "room-1", start.RoomID)
	assert.Equal(t, CallTypeVideo, start.CallType)

	status := f.call.Status()
	assert.Equal(t, "self", status.Caller)
	assert.Equal(t, media.PermissionGranted, status.Permission)
	assert.Empty(t, status.Peers)
}

func TestStartCallRejectedWhenNotIdle(t *testing.T) {
	f := newCallFixture(t, media.StaticSource{})
	require.NoError(t, f.call.StartCall(context.Background()))
	id := f.call.ID()

	err := f.call.StartCall(context.Background())
	assert.ErrorIs(t, err, ErrStateViolation)
	assert.Equal(t, id, f.call.ID())
	assert.Equal(t, 1, f.channel.count(signaling.EventStartCall))
}

func TestStartCallPermissionDenied(t *testing.T) {
	source := &switchSource{}
	source.deny.Store(true)
	f := newCallFixture(t, source)

	err := f.call.StartCall(context.Background())
	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Equal(t, StateIdle, f.call.State())
	assert.Empty(t, f.call.ID())
	assert.Zero(t, f.channel.count(signaling.EventStartCall))
	assert.Equal(t, media.PermissionDenied, f.call.Status().Permission)

	// retry after the user grants access
	source.deny.Store(false)
	require.NoError(t, f.call.RetryMediaAccess(context.Background()))
	require.NoError(t, f.call.StartCall(context.Background()))
	assert.Equal(t, StateOutgoing, f.call.State())
}

func TestStartCallSurvivesAbandonedRetry(t *testing.T) {
	var once sync.Once
	started := make(chan struct{})
	unblock := make(chan struct{})
	source := media.SourceFunc(func(ctx context.Context, c media.Constraints) ([]webrtc.TrackLocal, error) {
		once.Do(func() { close(started) })
		select {
		case <-unblock:
			return media.StaticSource{}.GetUserMedia(ctx, c)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	f := newCallFixture(t, source)

	retryCtx, cancelRetry := context.WithCancel(context.Background())
	retryErr := make(chan error, 1)
	go func() { retryErr <- f.call.RetryMediaAccess(retryCtx) }()
	<-started

	startErr := make(chan error, 1)
	go func() { startErr <- f.call.StartCall(context.Background()) }()
	require.Eventually(t, func() bool {
		f.call.mu.Lock()
		defer f.call.mu.Unlock()
		return f.call.pending != nil
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	// the retry's caller goes away before the grant
	cancelRetry()
	assert.ErrorIs(t, <-retryErr, context.Canceled)

	close(unblock)
	select {
	case err := <-startErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("start call did not complete")
	}
	assert.Equal(t, StateOutgoing, f.call.State())
	assert.NotNil(t, f.adapter.Stream())
	assert.Equal(t, 1, f.channel.count(signaling.EventStartCall))
}

func TestStartCallSignalingUnavailable(t *testing.T) {
	source := &switchSource{}
	f := newCallFixture(t, source)
	f.channel.setState(signaling.StateReconnecting)

	err := f.call.StartCall(context.Background())
	assert.ErrorIs(t, err, ErrSignalingUnavailable)
	assert.Equal(t, StateIdle, f.call.State())
	assert.Zero(t, source.calls.Load(), "media must not be acquired without signaling")
}

func TestEndCallIsIdempotent(t *testing.T) {
	f := newCallFixture(t, media.StaticSource{})

	// ending with nothing to end is a no-op
	require.NoError(t, f.call.EndCall())
	assert.Zero(t, f.channel.count(signaling.EventEndCall))

	require.NoError(t, f.call.StartCall(context.Background()))
	id := f.call.ID()

	require.NoError(t, f.call.EndCall())
	require.NoError(t, f.call.EndCall())

	assert.Equal(t, StateIdle, f.call.State())
	assert.Empty(t, f.call.ID())
	assert.Nil(t, f.adapter.Stream())
	assert.Nil(t, f.call.Peers())

	ends := f.channel.payloads(signaling.EventEndCall)
	require.Len(t, ends, 1)
	assert.Equal(t, id, ends[0].(signaling.CallRef).CallID)
}

func TestEndCallCancelsPendingStart(t *testing.T) {
	started := make(chan struct{})
	source := media.SourceFunc(func(ctx context.Context, c media.Constraints) ([]webrtc.TrackLocal, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newCallFixture(t, source)

	errC := make(chan error, 1)
	go func() { errC <- f.call.StartCall(context.Background()) }()

	<-started
	require.NoError(t, f.call.EndCall())

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("start call did not return after cancellation")
	}

	assert.Equal(t, StateIdle, f.call.State())
	assert.Zero(t, f.channel.count(signaling.EventStartCall))
	assert.Nil(t, f.adapter.Stream())
}

func TestIncomingCallReject(t *testing.T) {
	f := newCallFixture(t, media.StaticSource{})
	sub := f.hub.Subscribe(8, event.CallIncoming)
	defer f.hub.Unsubscribe(sub)

	f.call.handleIncomingCall(incoming("call-1", "alice"))

	assert.Equal(t, StateIncomingPending, f.call.State())
	assert.Equal(t, "call-1", f.call.ID())
	select {
	case msg := <-sub.Receiver:
		assert.Equal(t, "alice", msg.Fields["from_user"])
		assert.Equal(t, "room-1", msg.Fields["room_id"])
	case <-time.After(time.Second):
		t.Fatal("no incoming call notification")
	}

	// hanging up an unanswered invitation is not allowed, rejecting is
	assert.ErrorIs(t, f.call.EndCall(), ErrStateViolation)
	require.NoError(t, f.call.RejectCall())

	assert.Equal(t, StateIdle, f.call.State())
	assert.Empty(t, f.call.ID())
	assert.Nil(t, f.adapter.Stream())
	rejects := f.channel.payloads(signaling.EventRejectCall)
	require.Len(t, rejects, 1)
	assert.Equal(t, "call-1", rejects[0].(signaling.CallRef).CallID)

	assert.ErrorIs(t, f.call.RejectCall(), ErrStateViolation)
}

func TestIncomingCallIgnoredWhileBusy(t *testing.T) {
	f := newCallFixture(t, media.StaticSource{})
	require.NoError(t, f.call.StartCall(context.Background()))
	id := f.call.ID()

	f.call.handleIncomingCall(incoming("call-2", "bob"))

	assert.Equal(t, StateOutgoing, f.call.State())
	assert.Equal(t, id, f.call.ID())

	// our own invitation echoed back is ignored too
	idle := newCallFixture(t, media.StaticSource{})
	idle.call.handleIncomingCall(incoming("call-3", "self"))
	assert.Equal(t, StateIdle, idle.call.State())
}

func TestAcceptCallInitiatesTowardParticipants(t *testing.T) {
	f := newCallFixture(t, media.StaticSource{})
	f.call.handleIncomingCall(incoming("call-1", "alice"))

	require.NoError(t, f.call.AcceptCall(context.Background()))

	assert.Equal(t, StateActive, f.call.State())
	assert.NotNil(t, f.adapter.Stream())
	accepts := f.channel.payloads(signaling.EventAcceptCall)
	require.Len(t, accepts, 1)
	assert.Equal(t, "call-1", accepts[0].(signaling.CallRef).CallID)

	assert.Equal(t, []string{"alice"}, f.call.Status().Peers)
	assert.Eventually(t, func() bool {
		for _, p := range f.channel.payloads(signaling.EventCallSignal) {
			cs := p.(signaling.CallSignal)
			if cs.UserToSignal == "alice" && cs.Signal.Type == signaling.SignalOffer {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// a late joiner listed by the relay is connected to as well
	f.call.handleCallAccepted(context.Background(), signaling.CallAccepted{CallID: "call-1", Participants: []string{"alice", "carol"}})
	assert.Equal(t, []string{"alice", "carol"}, f.call.Status().Peers)
}

func TestAcceptCallPermissionDenied(t *testing.T) {
	source := &switchSource{}
	source.deny.Store(true)
	f := newCallFixture(t, source)
	f.call.handleIncomingCall(incoming("call-1", "alice"))

	err := f.call.AcceptCall(context.Background())
	assert.ErrorIs(t, err, media.ErrPermissionDenied)

	// the invitation is still pending and can be accepted after a retry
	assert.Equal(t, StateIncomingPending, f.call.State())
	assert.Zero(t, f.channel.count(signaling.EventAcceptCall))

	source.deny.Store(false)
	require.NoError(t, f.call.AcceptCall(context.Background()))
	assert.Equal(t, StateActive, f.call.State())
}

func TestUserJoinedCallActivatesOutgoing(t *testing.T) {
	f := newCallFixture(t, media.StaticSource{})
	require.NoError(t, f.call.StartCall(context.Background()))

	f.call.handleUserJoinedCall(context.Background(), signaling.UserJoinedCall{UserID: "bob"})

	assert.Equal(t, StateActive, f.call.State())
	status := f.call.Status()
	assert.Equal(t, []string{"bob"}, status.Participants)
	assert.Equal(t, []string{"bob"}, status.Peers)
	// the joiner initiates, we only wait
	assert.Zero(t, f.channel.count(signaling.EventCallSignal))
}

func TestCallStaysActiveWhenLastParticipantLeaves(t *testing.T) {
	f := newCallFixture(t, media.StaticSource{})
	require.NoError(t, f.call.StartCall(context.Background()))
	f.call.handleUserJoinedCall(context.Background(), signaling.UserJoinedCall{UserID: "bob"})

	f.call.handleParticipantLeft("bob")

	assert.Equal(t, StateActive, f.call.State())
	status := f.call.Status()
	assert.Empty(t, status.Participants)
	assert.Empty(t, status.Peers)
	assert.NotNil(t, f.adapter.Stream())
}

func TestRemoteCallEndedForcesIdle(t *testing.T) {
	f := newCallFixture(t, media.StaticSource{})
	require.NoError(t, f.call.StartCall(context.Background()))
	f.call.handleUserJoinedCall(context.Background(), signaling.UserJoinedCall{UserID: "bob"})

	sub := f.hub.Subscribe(8, event.CallStateChanged)
	defer f.hub.Unsubscribe(sub)

	// a different call's end is ignored
	f.call.handleCallEnded(signaling.CallEnded{CallID: "other", FromUser: "bob"})
	assert.Equal(t, StateActive, f.call.State())

	f.call.handleCallEnded(signaling.CallEnded{CallID: f.call.ID(), FromUser: "bob"})

	assert.Equal(t, StateIdle, f.call.State())
	assert.Nil(t, f.adapter.Stream())
	assert.Zero(t, f.channel.count(signaling.EventEndCall))

	var states []string
	for len(states) < 2 {
		select {
		case msg := <-sub.Receiver:
			states = append(states, msg.Fields["state"].(string))
			assert.Equal(t, ReasonRemoteEnded, msg.Fields["reason"])
		case <-time.After(time.Second):
			t.Fatalf("missing state change, got %v", states)
		}
	}
	assert.Equal(t, []string{string(StateEnded), string(StateIdle)}, states)
}

func TestForceEndOnSignalingLoss(t *testing.T) {
	f := newCallFixture(t, media.StaticSource{})
	require.NoError(t, f.call.StartCall(context.Background()))

	f.channel.setState(signaling.StateUnavailable)
	f.call.forceEnd(ReasonSignalingUnavailable)

	assert.Equal(t, StateIdle, f.call.State())
	assert.Nil(t, f.adapter.Stream())

	// and nothing can start until the channel is back
	assert.ErrorIs(t, f.call.StartCall(context.Background()), ErrSignalingUnavailable)
}

func TestToggleTracks(t *testing.T) {
	f := newCallFixture(t, media.StaticSource{})
	require.NoError(t, f.call.StartCall(context.Background()))

	assert.False(t, f.call.ToggleAudio())
	assert.False(t, f.call.Status().Audio)
	assert.True(t, f.call.Status().Video)

	assert.False(t, f.call.ToggleVideo())
	assert.True(t, f.call.ToggleAudio())

	status := f.call.Status()
	assert.True(t, status.Audio)
	assert.False(t, status.Video)
}
