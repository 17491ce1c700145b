package media

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus frame of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StaticSource produces synthetic Opus and VP8 tracks that emit filler
// samples. It is used by headless participants and in tests.
type StaticSource struct {
	// FrameInterval is the sample cadence (default 20ms)
	FrameInterval time.Duration
}

// GetUserMedia creates one track per requested kind
func (s StaticSource) GetUserMedia(ctx context.Context, c Constraints) ([]webrtc.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	interval := s.FrameInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}

	streamID := uuid.New().String()
	var tracks []webrtc.TrackLocal

	if c.Audio {
		t, err := newSampleTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, "audio", streamID, opusSilence, interval)
		if err != nil {
			closeTracks(tracks)
			return nil, err
		}
		tracks = append(tracks, t)
	}

	if c.Video {
		// Any payload is a valid VP8 packetization input; the remote only
		// needs packets to arrive for the track to surface.
		t, err := newSampleTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", streamID, []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}, interval)
		if err != nil {
			closeTracks(tracks)
			return nil, err
		}
		tracks = append(tracks, t)
	}

	return tracks, nil
}

// sampleTrack writes the same sample on a ticker until closed
type sampleTrack struct {
	*webrtc.TrackLocalStaticSample
	stop chan struct{}
	once sync.Once
}

func newSampleTrack(codec webrtc.RTPCodecCapability, id, streamID string, payload []byte, interval time.Duration) (*sampleTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}

	t := &sampleTrack{TrackLocalStaticSample: local, stop: make(chan struct{})}
	go t.pump(payload, interval)
	return t, nil
}

func (t *sampleTrack) pump(payload []byte, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			// per-binding write errors are not fatal
			_ = t.WriteSample(pionmedia.Sample{Data: payload, Duration: interval})
		}
	}
}

// Close stops the sample pump
func (t *sampleTrack) Close() error {
	t.once.Do(func() { close(t.stop) })
	return nil
}
