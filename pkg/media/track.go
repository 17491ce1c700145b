package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Track wraps a local track with an enable gate. A disabled track stays
// attached to every sender but its packets are dropped, so toggling never
// needs a new offer.
type Track struct {
	webrtc.TrackLocal
	enabled atomic.Bool
}

func newTrack(t webrtc.TrackLocal) *Track {
	track := &Track{TrackLocal: t}
	track.enabled.Store(true)
	return track
}

// MediaKind returns the media kind of the track
func (t *Track) MediaKind() Kind {
	return kindOf(t.TrackLocal.Kind())
}

// Enabled reports whether packets are currently forwarded
func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

// SetEnabled opens or closes the gate
func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Bind hands the wrapped track a context whose writer honors the gate
func (t *Track) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return t.TrackLocal.Bind(&gatedContext{TrackLocalContext: ctx, track: t})
}

type gatedContext struct {
	webrtc.TrackLocalContext
	track *Track
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{w: c.TrackLocalContext.WriteStream(), track: c.track}
}

type gatedWriter struct {
	w     webrtc.TrackLocalWriter
	track *Track
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.track.Enabled() {
		return 0, nil
	}
	return w.w.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.track.Enabled() {
		return 0, nil
	}
	return w.w.Write(b)
}
