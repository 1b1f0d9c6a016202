package webrtc

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

var ErrBitrateUnsupported = errors.New("encoder does not support bitrate control")

// EncodedSource yields encoded frames from a capture device.
type EncodedSource interface {
	ReadEncoded() (data []byte, release func(), err error)
	SetBitrate(bps int) error
	ForceKeyFrame() error
	Close() error
}

// SampleTrack pumps an encoded source into a pion sample track. Disabling the
// track drops frames instead of stopping the device, so unmuting is instant.
type SampleTrack struct {
	id     string
	kind   domain.TrackKind
	source domain.TrackSource
	local  *webrtc.TrackLocalStaticSample
	src    EncodedSource
	logger *zap.SugaredLogger

	// fixed frame duration for audio; video uses the capture cadence
	frameDuration time.Duration

	enabled atomic.Bool
	written atomic.Uint64
	dropped atomic.Uint64

	stopOnce sync.Once
	done     chan struct{}
}

var (
	_ ports.LocalTrack        = (*SampleTrack)(nil)
	_ ports.BitrateController = (*SampleTrack)(nil)
)

// NewSampleTrack wraps src and starts pumping its frames into local.
func NewSampleTrack(
	kind domain.TrackKind,
	source domain.TrackSource,
	local *webrtc.TrackLocalStaticSample,
	src EncodedSource,
	logger *zap.SugaredLogger,
) *SampleTrack {
	t := &SampleTrack{
		id:     local.ID(),
		kind:   kind,
		source: source,
		local:  local,
		src:    src,
		logger: logger.With("track_id", local.ID(), "source", source),
		done:   make(chan struct{}),
	}
	if kind == domain.TrackAudio {
		t.frameDuration = 20 * time.Millisecond
	}
	t.enabled.Store(true)

	go t.pump()
	return t
}

func (t *SampleTrack) ID() string                 { return t.id }
func (t *SampleTrack) Kind() domain.TrackKind     { return t.kind }
func (t *SampleTrack) Source() domain.TrackSource { return t.source }

// TrackLocal is the pion track to attach to a sender.
func (t *SampleTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *SampleTrack) SetEnabled(enabled bool) {
	if t.enabled.Swap(enabled) == enabled {
		return
	}
	if enabled && t.kind == domain.TrackVideo {
		// receivers need a keyframe to resume decoding
		if err := t.src.ForceKeyFrame(); err != nil {
			t.logger.Debugw("keyframe request failed", "error", err)
		}
	}
}

func (t *SampleTrack) SetBitrate(bps int) error {
	return t.src.SetBitrate(bps)
}

// RequestKeyFrame asks the encoder for an intra frame.
func (t *SampleTrack) RequestKeyFrame() error {
	return t.src.ForceKeyFrame()
}

// Stop releases the capture device. Safe to call more than once.
func (t *SampleTrack) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.done)
		err = t.src.Close()
	})
	return err
}

// Stats returns how many frames were sent and how many were dropped while disabled.
func (t *SampleTrack) Stats() (written, dropped uint64) {
	return t.written.Load(), t.dropped.Load()
}

func (t *SampleTrack) pump() {
	last := time.Now()
	for {
		data, release, err := t.src.ReadEncoded()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Warnw("capture source stopped", "error", err)
			}
			return
		}

		now := time.Now()
		duration := t.frameDuration
		if duration == 0 {
			duration = now.Sub(last)
		}
		last = now

		if !t.enabled.Load() {
			t.dropped.Add(1)
		} else if err := t.local.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
			t.logger.Debugw("failed to write sample", "error", err)
		} else {
			t.written.Add(1)
		}

		if release != nil {
			release()
		}
	}
}
