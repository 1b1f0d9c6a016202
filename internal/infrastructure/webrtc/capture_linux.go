//go:build linux

package webrtc

import (
	"context"
	"errors"
	"fmt"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// CaptureConfig bounds the local capture resolution and encoder start rate.
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

// Devices captures camera, microphone and screen through pion/mediadevices.
type Devices struct {
	config CaptureConfig
	logger *zap.SugaredLogger
}

var _ ports.MediaDevices = (*Devices)(nil)

func NewDevices(config CaptureConfig, logger *zap.SugaredLogger) (*Devices, error) {
	for _, d := range mediadevices.EnumerateDevices() {
		logger.Debugw("media device found", "kind", d.Kind, "label", d.Label)
	}
	return &Devices{
		config: config,
		logger: logger,
	}, nil
}

func (d *Devices) codecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create vp8 params: %w", err)
	}
	vpxParams.BitRate = d.config.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create opus params: %w", err)
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

func (d *Devices) GetUserMedia(ctx context.Context, constraints ports.MediaConstraints) ([]ports.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	selector, err := d.codecSelector()
	if err != nil {
		return nil, err
	}

	streamConstraints := mediadevices.MediaStreamConstraints{Codec: selector}
	if constraints.Video {
		streamConstraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// raw formats only, MJPEG nodes produce frames the encoder rejects
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: d.config.MaxWidth}
			c.Height = prop.IntRanged{Max: d.config.MaxHeight}
		}
	}
	if constraints.Audio {
		streamConstraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(streamConstraints)
	if err != nil {
		return nil, err
	}

	streamID := uuid.NewString()
	captured := stream.GetTracks()
	tracks := make([]ports.LocalTrack, 0, len(captured))
	for i, t := range captured {
		source := domain.SourceMicrophone
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			source = domain.SourceCamera
		}
		local, err := d.wrap(t, source, streamID)
		if err != nil {
			// wrap already closed t
			for _, rest := range captured[i+1:] {
				rest.Close()
			}
			for _, wrapped := range tracks {
				wrapped.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, local)
	}
	return tracks, nil
}

func (d *Devices) GetDisplayMedia(ctx context.Context) (ports.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	selector, err := d.codecSelector()
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, errors.New("display capture returned no video track")
	}
	for _, extra := range tracks[1:] {
		extra.Close()
	}
	return d.wrap(tracks[0], domain.SourceScreen, uuid.NewString())
}

func (d *Devices) wrap(t mediadevices.Track, source domain.TrackSource, streamID string) (*SampleTrack, error) {
	kind := domain.TrackAudio
	mimeType := webrtc.MimeTypeOpus
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
		mimeType = webrtc.MimeTypeVP8
	}

	reader, err := t.NewEncodedReader(mimeType)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to open %s encoder: %w", kind, err)
	}

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		fmt.Sprintf("%s-%s", source, uuid.NewString()),
		streamID,
	)
	if err != nil {
		reader.Close()
		t.Close()
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	return NewSampleTrack(kind, source, local, &encodedReader{track: t, reader: reader}, d.logger), nil
}

// encodedReader adapts a mediadevices encoder to EncodedSource.
type encodedReader struct {
	track  mediadevices.Track
	reader mediadevices.EncodedReadCloser
}

func (r *encodedReader) ReadEncoded() ([]byte, func(), error) {
	buf, release, err := r.reader.Read()
	if err != nil {
		return nil, nil, err
	}
	return buf.Data, release, nil
}

func (r *encodedReader) SetBitrate(bps int) error {
	controller, ok := r.reader.Controller().(codec.BitRateController)
	if !ok {
		return ErrBitrateUnsupported
	}
	return controller.SetBitRate(bps)
}

func (r *encodedReader) ForceKeyFrame() error {
	controller, ok := r.reader.Controller().(codec.KeyFrameController)
	if !ok {
		return nil
	}
	return controller.ForceKeyFrame()
}

func (r *encodedReader) Close() error {
	readerErr := r.reader.Close()
	trackErr := r.track.Close()
	if readerErr != nil {
		return readerErr
	}
	return trackErr
}
