package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"go.uber.org/zap"
)

// MediaPipeline owns the local capture tracks of one session.
//
// Every track it acquires is stopped exactly once: either when it is
// replaced (screen share toggling) or by ReleaseAll. Acquisitions that
// complete after ReleaseAll are stopped immediately.
type MediaPipeline struct {
	kind    domain.MediaKind
	devices ports.MediaDevices
	abr     *AdaptiveBitrateService
	logger  *zap.SugaredLogger

	// serialises screen share toggles
	toggleMu sync.Mutex

	mu           sync.Mutex
	transport    ports.PeerTransport
	audio        ports.LocalTrack
	camera       ports.LocalTrack
	screen       ports.LocalTrack
	outbound     ports.LocalTrack
	audioEnabled bool
	videoEnabled bool
	released     bool
}

func NewMediaPipeline(kind domain.MediaKind, devices ports.MediaDevices, abr *AdaptiveBitrateService, logger *zap.SugaredLogger) *MediaPipeline {
	return &MediaPipeline{
		kind:         kind,
		devices:      devices,
		abr:          abr,
		logger:       logger,
		audioEnabled: true,
		videoEnabled: true,
	}
}

// Acquire opens the microphone, and the camera for video calls.
func (p *MediaPipeline) Acquire(ctx context.Context) error {
	constraints := ports.MediaConstraints{
		Audio: true,
		Video: p.kind == domain.MediaVideo,
	}

	tracks, err := p.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMediaAcquisition, err)
	}

	var audio, video ports.LocalTrack
	for _, t := range tracks {
		switch {
		case t.Kind() == domain.TrackAudio && audio == nil:
			audio = t
		case t.Kind() == domain.TrackVideo && video == nil && constraints.Video:
			video = t
		default:
			stopTrack(t, p.logger)
		}
	}

	if audio == nil || (constraints.Video && video == nil) {
		stopTrack(audio, p.logger)
		stopTrack(video, p.logger)
		return fmt.Errorf("%w: capture returned no %s track", domain.ErrMediaAcquisition, missingKind(audio))
	}

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		stopTrack(audio, p.logger)
		stopTrack(video, p.logger)
		return domain.ErrSessionClosed
	}
	p.audio = audio
	p.camera = video
	p.outbound = video
	p.mu.Unlock()

	if video != nil && p.abr != nil {
		p.setBitrate(video, p.abr.Target())
	}
	return nil
}

func missingKind(audio ports.LocalTrack) domain.TrackKind {
	if audio == nil {
		return domain.TrackAudio
	}
	return domain.TrackVideo
}

// Publish adds the acquired tracks to transport.
func (p *MediaPipeline) Publish(transport ports.PeerTransport) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return domain.ErrSessionClosed
	}
	p.transport = transport
	tracks := []ports.LocalTrack{p.audio, p.outbound}
	p.mu.Unlock()

	for _, t := range tracks {
		if t == nil {
			continue
		}
		if err := transport.AddTrack(t); err != nil {
			return fmt.Errorf("failed to publish %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

// OutboundVideoTrack returns the video track currently being sent, if any.
func (p *MediaPipeline) OutboundVideoTrack() ports.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbound
}

func (p *MediaPipeline) IsScreenSharing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.screen != nil
}

// ToggleScreenShare switches the outbound video between camera and screen
// and reports whether the screen is being shared afterwards. On failure
// the previous video source stays in place.
func (p *MediaPipeline) ToggleScreenShare(ctx context.Context) (bool, error) {
	p.toggleMu.Lock()
	defer p.toggleMu.Unlock()

	if p.IsScreenSharing() {
		if err := p.stopScreenShare(ctx); err != nil {
			return true, err
		}
		return false, nil
	}
	if err := p.startScreenShare(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (p *MediaPipeline) startScreenShare(ctx context.Context) error {
	transport, err := p.replaceable()
	if err != nil {
		return err
	}

	screen, err := p.devices.GetDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrScreenShareFailed, err)
	}

	if err := transport.ReplaceVideoTrack(screen); err != nil {
		stopTrack(screen, p.logger)
		return fmt.Errorf("%w: %w", domain.ErrScreenShareFailed, err)
	}

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		stopTrack(screen, p.logger)
		return domain.ErrSessionClosed
	}
	camera := p.camera
	p.camera = nil
	p.screen = screen
	p.outbound = screen
	screen.SetEnabled(p.videoEnabled)
	p.mu.Unlock()

	// the camera is reacquired fresh when sharing stops
	stopTrack(camera, p.logger)
	if p.abr != nil {
		p.setBitrate(screen, p.abr.Target())
	}
	return nil
}

func (p *MediaPipeline) stopScreenShare(ctx context.Context) error {
	transport, err := p.replaceable()
	if err != nil {
		return err
	}

	tracks, err := p.devices.GetUserMedia(ctx, ports.MediaConstraints{Video: true})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMediaAcquisition, err)
	}
	var camera ports.LocalTrack
	for _, t := range tracks {
		if t.Kind() == domain.TrackVideo && camera == nil {
			camera = t
			continue
		}
		stopTrack(t, p.logger)
	}
	if camera == nil {
		return fmt.Errorf("%w: capture returned no video track", domain.ErrMediaAcquisition)
	}

	if err := transport.ReplaceVideoTrack(camera); err != nil {
		stopTrack(camera, p.logger)
		return fmt.Errorf("failed to restore camera: %w", err)
	}

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		stopTrack(camera, p.logger)
		return domain.ErrSessionClosed
	}
	screen := p.screen
	p.screen = nil
	p.camera = camera
	p.outbound = camera
	camera.SetEnabled(p.videoEnabled)
	p.mu.Unlock()

	stopTrack(screen, p.logger)
	if p.abr != nil {
		p.setBitrate(camera, p.abr.Target())
	}
	return nil
}

func (p *MediaPipeline) replaceable() (ports.PeerTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.released:
		return nil, domain.ErrSessionClosed
	case p.kind != domain.MediaVideo:
		return nil, fmt.Errorf("%w: %w", domain.ErrScreenShareFailed, domain.ErrAudioOnlyCall)
	case p.transport == nil:
		return nil, fmt.Errorf("%w: media not published yet", domain.ErrScreenShareFailed)
	}
	return p.transport, nil
}

// SetAudioEnabled mutes or unmutes the microphone without releasing it.
func (p *MediaPipeline) SetAudioEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audioEnabled = enabled
	if p.audio != nil {
		p.audio.SetEnabled(enabled)
	}
}

// SetVideoEnabled pauses or resumes the outbound video.
func (p *MediaPipeline) SetVideoEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoEnabled = enabled
	if p.outbound != nil {
		p.outbound.SetEnabled(enabled)
	}
}

// ApplyQuality feeds a quality score into the bitrate controller and pushes
// a changed target to the outbound video encoder.
func (p *MediaPipeline) ApplyQuality(score float64) (int, bool) {
	if p.kind != domain.MediaVideo || p.abr == nil {
		return 0, false
	}

	target, changed := p.abr.Observe(score)
	if !changed {
		return target, false
	}
	if track := p.OutboundVideoTrack(); track != nil {
		p.setBitrate(track, target)
	}
	return target, true
}

// VideoBitrate reports the adaptive target and when it last moved.
func (p *MediaPipeline) VideoBitrate() (int, time.Time) {
	if p.abr == nil {
		return 0, time.Time{}
	}
	var changedAt time.Time
	if history := p.abr.History(); len(history) > 0 {
		changedAt = history[len(history)-1].Timestamp
	}
	return p.abr.Target(), changedAt
}

func (p *MediaPipeline) setBitrate(track ports.LocalTrack, bps int) {
	ctrl, ok := track.(ports.BitrateController)
	if !ok {
		return
	}
	if err := ctrl.SetBitrate(bps); err != nil {
		p.logger.Warnw("failed to set encoder bitrate",
			"track_id", track.ID(),
			"bitrate", bps,
			"error", err,
		)
	}
}

// ReleaseAll stops every live track and returns how many were stopped.
// Later calls are no-ops.
func (p *MediaPipeline) ReleaseAll() int {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return 0
	}
	p.released = true
	tracks := []ports.LocalTrack{p.audio, p.camera, p.screen}
	p.audio, p.camera, p.screen, p.outbound = nil, nil, nil, nil
	p.transport = nil
	p.mu.Unlock()

	stopped := 0
	for _, t := range tracks {
		if t == nil {
			continue
		}
		stopTrack(t, p.logger)
		stopped++
	}
	return stopped
}

func stopTrack(t ports.LocalTrack, logger *zap.SugaredLogger) {
	if t == nil {
		return
	}
	if err := t.Stop(); err != nil {
		logger.Warnw("failed to stop local track",
			"track_id", t.ID(),
			"kind", t.Kind(),
			"error", err,
		)
	}
}
