//go:build !linux

package media

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// DeviceSource reports no devices on platforms without a capture driver.
// Calls still work receive-only.
type DeviceSource struct {
	Logger *slog.Logger
}

// GetUserMedia always fails with ErrDeviceUnavailable
func (s DeviceSource) GetUserMedia(context.Context, Constraints) ([]webrtc.TrackLocal, error) {
	return nil, ErrDeviceUnavailable
}
