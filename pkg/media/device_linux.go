//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures the local camera and microphone (V4L2 + malgo)
type DeviceSource struct {
	Logger *slog.Logger
}

// GetUserMedia opens the requested devices. When both kinds are requested
// and one device is missing or busy, it falls back to the other alone.
func (s DeviceSource) GetUserMedia(ctx context.Context, c Constraints) ([]webrtc.TrackLocal, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no capture devices found", ErrDeviceUnavailable)
	}
	for _, d := range devices {
		logger.Debug("media device", "kind", d.Kind, "label", d.Label)
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	attempts := []attempt{{c.Video, c.Audio, "requested"}}
	if c.Video && c.Audio {
		attempts = append(attempts, attempt{true, false, "video-only"}, attempt{false, true, "audio-only"})
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only; some MJPEG nodes yield frames the VP8 encoder rejects
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			logger.Warn("GetUserMedia failed", "attempt", a.label, "error", err)
			lastErr = err
			continue
		}

		var tracks []webrtc.TrackLocal
		for _, t := range stream.GetTracks() {
			t.OnEnded(func(err error) {
				if err != nil {
					logger.Warn("local track ended", "error", err)
				}
			})
			tracks = append(tracks, t)
		}
		logger.Info("local devices captured", "attempt", a.label, "tracks", len(tracks))
		return tracks, nil
	}

	return nil, classifyDeviceError(lastErr)
}

// classifyDeviceError maps a driver error to the media error taxonomy
func classifyDeviceError(err error) error {
	if err == nil {
		return ErrDeviceUnavailable
	}
	if errors.Is(err, fs.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
