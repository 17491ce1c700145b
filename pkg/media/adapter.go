package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied means the capture prompt was refused. Acquire may be retried.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrDeviceUnavailable means no usable camera or microphone exists
	ErrDeviceUnavailable = errors.New("media: device unavailable")
)

// Kind is a local track kind
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// kindOf maps a pion codec type to a Kind
func kindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// Constraints selects which kinds to capture
type Constraints struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

// Permission is the capture permission as last observed
type Permission string

const (
	PermissionPrompt  Permission = "prompt"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Source opens local capture tracks
type Source interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]webrtc.TrackLocal, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, c Constraints) ([]webrtc.TrackLocal, error)

// GetUserMedia calls f
func (f SourceFunc) GetUserMedia(ctx context.Context, c Constraints) ([]webrtc.TrackLocal, error) {
	return f(ctx, c)
}

// LocalStream is the local capture shared by every peer connection
type LocalStream struct {
	ID     string
	tracks []*Track
}

// Tracks returns the gated tracks of the stream
func (s *LocalStream) Tracks() []*Track {
	return s.tracks
}

// acquisition is one in-flight GetUserMedia call that later callers wait on.
// It runs detached from any single caller and is cancelled once every
// waiter has left or the adapter is released.
type acquisition struct {
	done    chan struct{}
	cancel  context.CancelFunc
	waiters int
	stream  *LocalStream
	err     error
}

// Adapter owns the local capture. It is the only place tracks are stopped.
type Adapter struct {
	source Source
	logger *slog.Logger

	mu         sync.Mutex
	stream     *LocalStream
	pending    *acquisition
	permission Permission
	enabled    map[Kind]bool
	generation uint64
}

// NewAdapter creates an adapter over a capture source
func NewAdapter(source Source, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		source:     source,
		logger:     logger,
		permission: PermissionPrompt,
		enabled:    map[Kind]bool{KindAudio: true, KindVideo: true},
	}
}

// Acquire returns the held stream or opens a new one. Concurrent callers share
// one GetUserMedia call. A caller whose ctx ends stops waiting; the call is
// abandoned, and any tracks it produces later released, only when no other
// caller is still waiting.
func (a *Adapter) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no media kind requested", ErrDeviceUnavailable)
	}

	a.mu.Lock()
	if a.stream != nil {
		s := a.stream
		a.mu.Unlock()
		return s, nil
	}
	acq := a.pending
	if acq == nil {
		openCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		acq = &acquisition{done: make(chan struct{}), cancel: cancel}
		a.pending = acq
		go a.open(openCtx, c, acq, a.generation)
	}
	acq.waiters++
	a.mu.Unlock()

	select {
	case <-acq.done:
		return acq.stream, acq.err
	case <-ctx.Done():
		a.leave(acq)
		return nil, ctx.Err()
	}
}

// leave drops one waiter and abandons the acquisition when it was the last
func (a *Adapter) leave(acq *acquisition) {
	a.mu.Lock()
	defer a.mu.Unlock()

	acq.waiters--
	if acq.waiters > 0 {
		return
	}
	if a.pending == acq {
		a.pending = nil
	}
	acq.cancel()
}

// open runs the source and publishes its result to waiters
func (a *Adapter) open(ctx context.Context, c Constraints, acq *acquisition, gen uint64) {
	defer close(acq.done)
	defer acq.cancel()

	tracks, err := a.source.GetUserMedia(ctx, c)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending == acq {
		a.pending = nil
	}

	if err != nil {
		switch {
		case errors.Is(err, ErrPermissionDenied):
			a.permission = PermissionDenied
		case errors.Is(err, ErrDeviceUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		default:
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		a.logger.Warn("media acquisition failed", "video", c.Video, "audio", c.Audio, "error", err)
		acq.err = err
		return
	}

	// Superseded by Release or left by every caller
	if acq.waiters <= 0 || gen != a.generation {
		a.logger.Debug("discarding stale media acquisition")
		closeTracks(tracks)
		acq.err = context.Canceled
		return
	}
	if len(tracks) == 0 {
		acq.err = ErrDeviceUnavailable
		return
	}

	stream := &LocalStream{ID: uuid.New().String()}
	for _, t := range tracks {
		gated := newTrack(t)
		gated.SetEnabled(a.enabled[gated.MediaKind()])
		stream.tracks = append(stream.tracks, gated)
	}

	a.stream = stream
	a.permission = PermissionGranted
	acq.stream = stream
	a.logger.Info("local media acquired", "streamID", stream.ID, "tracks", len(stream.tracks))
}

// SetTrackEnabled enables or disables every local track of a kind. The choice
// also applies to streams acquired later.
func (a *Adapter) SetTrackEnabled(kind Kind, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.enabled[kind] = enabled
	if a.stream == nil {
		return
	}
	for _, t := range a.stream.tracks {
		if t.MediaKind() == kind {
			t.SetEnabled(enabled)
		}
	}
	a.logger.Debug("local track toggled", "kind", kind, "enabled", enabled)
}

// Toggle flips a kind and returns its new state
func (a *Adapter) Toggle(kind Kind) bool {
	a.mu.Lock()
	next := !a.enabled[kind]
	a.mu.Unlock()

	a.SetTrackEnabled(kind, next)
	return next
}

// Enabled reports whether a kind is currently enabled
func (a *Adapter) Enabled(kind Kind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled[kind]
}

// Stream returns the held stream, or nil
func (a *Adapter) Stream() *LocalStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream
}

// Tracks returns the local tracks to attach to a peer connection
func (a *Adapter) Tracks() []webrtc.TrackLocal {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stream == nil {
		return nil
	}
	out := make([]webrtc.TrackLocal, 0, len(a.stream.tracks))
	for _, t := range a.stream.tracks {
		out = append(out, t)
	}
	return out
}

// Permission reports the last observed capture permission
func (a *Adapter) Permission() Permission {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permission
}

// Release stops every local track and abandons any pending acquisition.
// Releasing with nothing held is a no-op.
func (a *Adapter) Release() {
	a.mu.Lock()
	a.generation++
	stream := a.stream
	a.stream = nil
	if a.pending != nil {
		a.pending.cancel()
		a.pending = nil
	}
	a.mu.Unlock()

	if stream == nil {
		return
	}

	tracks := make([]webrtc.TrackLocal, 0, len(stream.tracks))
	for _, t := range stream.tracks {
		tracks = append(tracks, t.TrackLocal)
	}
	closeTracks(tracks)
	a.logger.Info("local media released", "streamID", stream.ID)
}

func closeTracks(tracks []webrtc.TrackLocal) {
	for _, t := range tracks {
		if c, ok := t.(io.Closer); ok {
			c.Close()
		}
	}
}
