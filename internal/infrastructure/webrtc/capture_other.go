//go:build !linux

package webrtc

import (
	"context"
	"errors"
	"runtime"

	"rillcall/internal/core/ports"

	"go.uber.org/zap"
)

var ErrCaptureUnsupported = errors.New("local media capture is not supported on " + runtime.GOOS)

type CaptureConfig struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitrate int
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		MaxWidth:     1280,
		MaxHeight:    720,
		VideoBitrate: 1_000_000,
	}
}

// Devices fails every capture request.
type Devices struct {
	logger *zap.SugaredLogger
}

var _ ports.MediaDevices = (*Devices)(nil)

func NewDevices(_ CaptureConfig, logger *zap.SugaredLogger) (*Devices, error) {
	logger.Warnw("local media capture unavailable", "os", runtime.GOOS)
	return &Devices{logger: logger}, nil
}

func (d *Devices) GetUserMedia(_ context.Context, _ ports.MediaConstraints) ([]ports.LocalTrack, error) {
	return nil, ErrCaptureUnsupported
}

func (d *Devices) GetDisplayMedia(_ context.Context) (ports.LocalTrack, error) {
	return nil, ErrCaptureUnsupported
}
