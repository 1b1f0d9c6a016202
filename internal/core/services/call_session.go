package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/tracing"
	"rillcall/pkg/utils"
	"rillcall/pkg/validation"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// SessionConfig holds per-call timing and policy settings.
type SessionConfig struct {
	LocalPeerID        domain.PeerID
	RejectDisplayDelay time.Duration
	RingTimeout        time.Duration
	DurationTick       time.Duration
	QualityInterval    time.Duration
	RecordTimeout      time.Duration
	Restart            RestartPolicy
	ABR                ABRConfig
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		RejectDisplayDelay: 2 * time.Second,
		RingTimeout:        45 * time.Second,
		DurationTick:       time.Second,
		QualityInterval:    5 * time.Second,
		RecordTimeout:      5 * time.Second,
		Restart:            DefaultRestartPolicy(),
		ABR:                DefaultABRConfig(),
	}
}

// SessionDeps are the collaborators shared by every session of a node.
type SessionDeps struct {
	Signaling  ports.SignalingChannel
	Transports ports.TransportFactory
	Devices    ports.MediaDevices
	Quality    *QualityService
	Events     ports.CallEventSink
	Records    ports.CallRecordRepository
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
}

// reasons from the other side are cut before the "remote-" prefix is added
const maxRemoteReason = 64

var nonTerminalStates = []domain.CallState{
	domain.StateIdle,
	domain.StateIncoming,
	domain.StateCalling,
	domain.StateConnecting,
	domain.StateConnected,
	domain.StateReconnecting,
}

// CallSession drives one call attempt from invitation to teardown.
//
// State is guarded by mu; no transport, device or signaling I/O happens
// while it is held. Every asynchronous step re-checks the state when it
// resumes, and anything acquired for a session that has meanwhile reached
// a terminal state is released on the spot.
type CallSession struct {
	id        domain.CallID
	peerID    domain.PeerID
	direction domain.Direction
	kind      domain.MediaKind
	cfg       SessionConfig
	deps      SessionDeps
	logger    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	timers sync.WaitGroup

	media      *MediaPipeline
	remote     *RemoteStream
	candidates *CandidateQueue
	monitor    *QualityMonitor
	reconnect  *ReconnectionController

	mu             sync.Mutex
	state          domain.CallState
	reason         string
	startedAt      time.Time
	connectedAt    time.Time
	endedAt        time.Time
	ticks          int
	flags          domain.CallFlags
	transport      ports.PeerTransport
	remoteOffer    *domain.SessionDescription
	awaitingAnswer bool
	timersStarted  bool
	ringTimer      *clock.Timer
	restartTimer   *clock.Timer
	closeTimer     *clock.Timer

	onClosed     func(*CallSession)
	teardownOnce sync.Once
	closeOnce    sync.Once
	done         chan struct{}
}

func newCallSession(
	id domain.CallID,
	peerID domain.PeerID,
	direction domain.Direction,
	kind domain.MediaKind,
	cfg SessionConfig,
	deps SessionDeps,
	onClosed func(*CallSession),
) *CallSession {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Quality == nil {
		deps.Quality = NewQualityService()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	logger := deps.Logger.With(
		"call_id", id,
		"peer_id", peerID,
		"direction", direction,
		"media_kind", kind,
	)
	ctx, cancel := context.WithCancel(context.Background())

	s := &CallSession{
		id:         id,
		peerID:     peerID,
		direction:  direction,
		kind:       kind,
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		remote:     NewRemoteStream(logger),
		candidates: NewCandidateQueue(),
		state:      domain.StateIdle,
		startedAt:  deps.Clock.Now(),
		onClosed:   onClosed,
		done:       make(chan struct{}),
	}

	var abr *AdaptiveBitrateService
	if kind == domain.MediaVideo {
		abr = NewAdaptiveBitrateService(cfg.ABR, deps.Clock, logger)
	}
	s.media = NewMediaPipeline(kind, deps.Devices, abr, logger)
	s.monitor = NewQualityMonitor(s, deps.Quality, deps.Clock, cfg.QualityInterval,
		func() bool { return s.State() == domain.StateConnected },
		s.applyQuality,
		logger,
	)
	s.reconnect = NewReconnectionController(s, cfg.Restart, deps.Clock, logger)
	return s
}

func (s *CallSession) ID() domain.CallID           { return s.id }
func (s *CallSession) PeerID() domain.PeerID       { return s.peerID }
func (s *CallSession) Direction() domain.Direction { return s.direction }
func (s *CallSession) MediaKind() domain.MediaKind { return s.kind }

// Done is closed once the session has been torn down and removed.
func (s *CallSession) Done() <-chan struct{} { return s.done }

func (s *CallSession) Media() *MediaPipeline { return s.media }

func (s *CallSession) RemoteStream() *RemoteStream { return s.remote }

func (s *CallSession) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) Snapshot() domain.CallSnapshot {
	sample := s.monitor.Last()
	network := s.monitor.NetworkStatus()
	bitrate, changedAt := s.media.VideoBitrate()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := domain.CallSnapshot{
		CallID:       s.id,
		PeerID:       s.peerID,
		Direction:    s.direction,
		MediaKind:    s.kind,
		State:        s.state,
		Reason:       s.reason,
		StartedAt:    s.startedAt,
		ConnectedAt:  s.connectedAt,
		Duration:     s.durationLocked(),
		QualityScore: sample.Score,
		QualityLabel: sample.Label,
		Network:      network,
		RemoteTracks: s.remote.TrackCount(),
	}
	snap.VideoBitrate = bitrate
	snap.BitrateChangedAt = changedAt
	snap.Elapsed = utils.FormatCallClock(snap.Duration)
	if s.state.IsLive() {
		snap.Flags = s.flags
	}
	return snap
}

func (s *CallSession) durationLocked() time.Duration {
	return time.Duration(s.ticks) * s.cfg.DurationTick
}

// Start places the outgoing call: acquire media, create the offer, send it.
func (s *CallSession) Start(ctx context.Context) error {
	ctx, span := tracing.TraceNegotiation(ctx, "start", string(s.id), string(s.peerID))
	defer span.End()

	if _, ok := s.transition(domain.StateCalling, "", domain.StateIdle); !ok {
		return fmt.Errorf("%w: cannot start from %s", domain.ErrInvalidTransition, s.State())
	}
	s.armRingTimer()

	transport, err := s.prepareMedia()
	if err != nil {
		tracing.RecordError(ctx, err)
		s.fail(err)
		return err
	}

	offer, err := transport.CreateOffer(s.ctx, false)
	if err != nil {
		err = fmt.Errorf("%w: create offer: %w", domain.ErrNegotiationFailed, err)
		tracing.RecordError(ctx, err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	s.awaitingAnswer = true
	s.mu.Unlock()

	if err := s.send(domain.MessageOffer, domain.OfferPayload{
		Description: offer,
		MediaKind:   s.kind,
	}); err != nil {
		tracing.RecordError(ctx, err)
		s.fail(err)
		return err
	}
	return nil
}

// receiveInvitation presents an incoming call; the offer is applied on Accept.
func (s *CallSession) receiveInvitation(offer domain.SessionDescription) bool {
	s.mu.Lock()
	if s.state != domain.StateIdle {
		s.mu.Unlock()
		return false
	}
	s.remoteOffer = &offer
	s.mu.Unlock()

	_, ok := s.transition(domain.StateIncoming, "", domain.StateIdle)
	return ok
}

// Accept answers an incoming call.
func (s *CallSession) Accept(ctx context.Context) error {
	ctx, span := tracing.TraceNegotiation(ctx, "accept", string(s.id), string(s.peerID))
	defer span.End()

	if _, ok := s.transition(domain.StateConnecting, "", domain.StateIncoming); !ok {
		return fmt.Errorf("%w: cannot accept from %s", domain.ErrInvalidTransition, s.State())
	}

	if err := s.send(domain.MessageAccept, nil); err != nil {
		s.fail(err)
		return err
	}

	transport, err := s.prepareMedia()
	if err != nil {
		tracing.RecordError(ctx, err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	offer := s.remoteOffer
	s.mu.Unlock()
	if offer == nil {
		err := fmt.Errorf("%w: no stored offer", domain.ErrMalformedDescription)
		s.fail(err)
		return err
	}

	if err := s.applyRemoteDescription(transport, *offer); err != nil {
		tracing.RecordError(ctx, err)
		s.fail(err)
		return err
	}

	answer, err := transport.CreateAnswer(s.ctx)
	if err != nil {
		err = fmt.Errorf("%w: create answer: %w", domain.ErrNegotiationFailed, err)
		tracing.RecordError(ctx, err)
		s.fail(err)
		return err
	}

	if s.State().IsTerminal() {
		return domain.ErrSessionClosed
	}
	if err := s.send(domain.MessageAnswer, domain.AnswerPayload{Description: answer}); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Reject declines an incoming call.
func (s *CallSession) Reject(reason string) error {
	if reason == "" {
		reason = "declined"
	}
	if _, ok := s.transition(domain.StateRejected, reason, domain.StateIncoming); !ok {
		return fmt.Errorf("%w: cannot reject from %s", domain.ErrInvalidTransition, s.State())
	}

	if err := s.send(domain.MessageReject, domain.RejectPayload{Reason: reason}); err != nil {
		s.logger.Warnw("failed to send reject", "error", err)
	}
	s.teardown()
	s.scheduleClose(s.cfg.RejectDisplayDelay)
	return nil
}

// End hangs up. Ending a session that is already over is a no-op.
func (s *CallSession) End(reason string) {
	if reason == "" {
		reason = "hangup"
	}
	prev, ok := s.transition(domain.StateEnded, reason, nonTerminalStates...)
	if !ok {
		return
	}

	if prev != domain.StateIdle {
		if err := s.send(domain.MessageEnd, domain.EndPayload{Reason: reason}); err != nil {
			s.logger.Warnw("failed to send end", "error", err)
		}
	}
	s.teardown()
	s.close()
}

// SetMuted toggles the microphone of a live call.
func (s *CallSession) SetMuted(muted bool) (domain.CallFlags, error) {
	s.mu.Lock()
	if !s.state.IsLive() {
		s.mu.Unlock()
		return domain.CallFlags{}, domain.ErrNotConnected
	}
	s.flags.Muted = muted
	flags := s.flags
	s.mu.Unlock()

	s.media.SetAudioEnabled(!muted)
	s.emitFlags(flags)
	return flags, nil
}

// SetCameraOff pauses or resumes the outbound video of a live video call.
func (s *CallSession) SetCameraOff(off bool) (domain.CallFlags, error) {
	if s.kind != domain.MediaVideo {
		return domain.CallFlags{}, domain.ErrAudioOnlyCall
	}

	s.mu.Lock()
	if !s.state.IsLive() {
		s.mu.Unlock()
		return domain.CallFlags{}, domain.ErrNotConnected
	}
	s.flags.CameraOff = off
	flags := s.flags
	s.mu.Unlock()

	s.media.SetVideoEnabled(!off)
	s.emitFlags(flags)
	return flags, nil
}

// ToggleScreenShare swaps the outbound video between camera and screen.
// A failed toggle leaves both the video source and the call state as they were.
func (s *CallSession) ToggleScreenShare(ctx context.Context) (domain.CallFlags, error) {
	s.mu.Lock()
	if !s.state.IsLive() {
		flags := s.flags
		s.mu.Unlock()
		return flags, domain.ErrNotConnected
	}
	s.mu.Unlock()

	sharing, err := s.media.ToggleScreenShare(ctx)

	s.mu.Lock()
	if err == nil && !s.state.IsTerminal() {
		s.flags.ScreenSharing = sharing
	}
	flags := s.flags
	s.mu.Unlock()

	if err != nil {
		s.logger.Warnw("screen share toggle failed", "error", err)
		return flags, err
	}
	s.emitFlags(flags)
	return flags, nil
}

// HandleMessage applies one inbound signaling message addressed to this call.
func (s *CallSession) HandleMessage(msg domain.SignalMessage) {
	if msg.CallID != s.id || (msg.From != "" && msg.From != s.peerID) {
		s.logger.Debugw("ignoring mismatched signal message",
			"type", msg.Type,
			"from", msg.From,
		)
		return
	}

	switch msg.Type {
	case domain.MessageAccept:
		s.handleAccept()
	case domain.MessageAnswer:
		s.handleAnswer(msg)
	case domain.MessageCandidate:
		s.handleRemoteCandidate(msg)
	case domain.MessageOffer:
		s.handleOffer(msg)
	case domain.MessageReject:
		s.handleRemoteReject(msg)
	case domain.MessageEnd:
		s.handleRemoteEnd(msg)
	case domain.MessageICERestartRequest:
		s.handleRestartRequest()
	default:
		s.logger.Debugw("ignoring unknown signal message", "type", msg.Type)
	}
}

func (s *CallSession) handleAccept() {
	if _, ok := s.transition(domain.StateConnecting, "", domain.StateCalling); !ok {
		return
	}
	s.stopRingTimer()
}

func (s *CallSession) handleAnswer(msg domain.SignalMessage) {
	var payload domain.AnswerPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.fail(fmt.Errorf("%w: %w", domain.ErrMalformedDescription, err))
		return
	}

	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	if !s.awaitingAnswer || s.transport == nil {
		state := s.state
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w (state %s)", domain.ErrUnexpectedAnswer, state))
		return
	}
	s.awaitingAnswer = false
	s.stopRestartTimerLocked()
	transport := s.transport
	s.mu.Unlock()

	if err := s.applyRemoteDescription(transport, payload.Description); err != nil {
		s.fail(err)
	}
}

func (s *CallSession) handleRemoteCandidate(msg domain.SignalMessage) {
	var payload domain.CandidatePayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.Warnw("dropping undecodable candidate", "error", err)
		return
	}
	if err := validation.ValidateCandidate(payload.Candidate.Candidate); err != nil {
		s.logger.Warnw("dropping invalid candidate", "error", err)
		return
	}

	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	transport := s.transport
	s.mu.Unlock()

	if s.candidates.Offer(payload.Candidate) {
		s.logger.Debugw("buffering candidate until remote description", "pending", s.candidates.Len())
		return
	}
	s.addCandidate(transport, payload.Candidate)
}

// handleOffer only honours restart offers for the live session; a second
// invitation for an existing call is stale.
func (s *CallSession) handleOffer(msg domain.SignalMessage) {
	var payload domain.OfferPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.Warnw("ignoring undecodable offer", "error", err)
		return
	}
	if !payload.IsRenegotiation {
		s.logger.Debugw("ignoring repeated invitation for existing call")
		return
	}

	s.mu.Lock()
	if !s.state.In(domain.StateConnecting, domain.StateConnected, domain.StateReconnecting) || s.transport == nil {
		state := s.state
		s.mu.Unlock()
		s.logger.Debugw("ignoring restart offer", "state", state)
		return
	}
	glare := s.awaitingAnswer
	if glare && s.direction == domain.DirectionOutgoing {
		// the caller's own restart offer wins
		s.mu.Unlock()
		s.logger.Infow("ignoring peer restart offer during glare")
		return
	}
	s.awaitingAnswer = false
	s.stopRestartTimerLocked()
	transport := s.transport
	s.mu.Unlock()

	ctx, span := tracing.TraceNegotiation(s.ctx, "answer_restart", string(s.id), string(s.peerID))
	defer span.End()

	if glare {
		if err := transport.Rollback(ctx); err != nil {
			s.logger.Warnw("failed to roll back local restart offer", "error", err)
		}
	}

	if err := s.applyRemoteDescription(transport, payload.Description); err != nil {
		tracing.RecordError(ctx, err)
		s.fail(err)
		return
	}
	answer, err := transport.CreateAnswer(ctx)
	if err != nil {
		err = fmt.Errorf("%w: create restart answer: %w", domain.ErrNegotiationFailed, err)
		tracing.RecordError(ctx, err)
		s.fail(err)
		return
	}
	if err := s.send(domain.MessageAnswer, domain.AnswerPayload{Description: answer}); err != nil {
		s.logger.Warnw("failed to send restart answer", "error", err)
	}
}

func (s *CallSession) handleRemoteReject(msg domain.SignalMessage) {
	reason := "rejected"
	var payload domain.RejectPayload
	if err := msg.DecodePayload(&payload); err == nil {
		if r := remoteReason(payload.Reason); r != "" {
			reason = r
		}
	}

	if _, ok := s.transition(domain.StateRejected, reason, nonTerminalStates...); !ok {
		return
	}
	s.teardown()
	s.scheduleClose(s.cfg.RejectDisplayDelay)
}

func (s *CallSession) handleRemoteEnd(msg domain.SignalMessage) {
	reason := "remote-hangup"
	var payload domain.EndPayload
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&payload); err == nil {
			if r := remoteReason(payload.Reason); r != "" {
				reason = "remote-" + r
			}
		}
	}

	if _, ok := s.transition(domain.StateEnded, reason, nonTerminalStates...); !ok {
		return
	}
	s.teardown()
	s.close()
}

func (s *CallSession) handleRestartRequest() {
	if _, ok := s.transition(domain.StateReconnecting, "peer-restart", domain.StateConnected); ok {
		s.monitor.SetNetworkStatus(domain.NetworkUnstable)
	}
	s.logger.Infow("peer requested ice restart")
}

func (s *CallSession) handleLocalCandidate(c domain.ICECandidate) {
	if s.State().IsTerminal() {
		return
	}
	if err := s.send(domain.MessageCandidate, domain.CandidatePayload{Candidate: c}); err != nil {
		s.logger.Debugw("failed to send local candidate", "error", err)
	}
}

func (s *CallSession) handleRemoteTrack(track ports.RemoteTrack) {
	if s.State().IsTerminal() {
		return
	}
	if !s.remote.AddTrack(track) {
		return
	}
	s.logger.Infow("remote track added",
		"track_id", track.ID(),
		"kind", track.Kind(),
	)
	s.emit(domain.CallEvent{Type: domain.EventRemoteTrack, Reason: string(track.Kind())})
}

func (s *CallSession) handleConnectionState(state domain.ConnectionState) {
	s.logger.Debugw("transport state changed", "transport_state", state)

	switch state {
	case domain.ConnectionConnected:
		s.onTransportConnected()

	case domain.ConnectionDisconnected:
		if _, ok := s.transition(domain.StateReconnecting, "network-unstable", domain.StateConnected); ok {
			s.monitor.SetNetworkStatus(domain.NetworkUnstable)
		}

	case domain.ConnectionFailed:
		current := s.State()
		switch {
		case current.IsLive():
			s.transition(domain.StateReconnecting, "transport-failed", domain.StateConnected)
			s.monitor.SetNetworkStatus(domain.NetworkUnstable)
			s.reconnect.OnTransportFailed()
		case current == domain.StateConnecting:
			s.fail(fmt.Errorf("%w: connectivity checks failed", domain.ErrNegotiationFailed))
		}
	}
}

func (s *CallSession) onTransportConnected() {
	s.mu.Lock()
	if !s.state.In(domain.StateConnecting, domain.StateReconnecting) {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = domain.StateConnected
	s.reason = ""
	s.stopRestartTimerLocked()
	if !s.timersStarted {
		s.timersStarted = true
		s.connectedAt = s.deps.Clock.Now()
		s.startTimersLocked()
	}
	s.mu.Unlock()

	s.monitor.SetNetworkStatus(domain.NetworkStable)
	s.reconnect.OnConnected()
	s.logger.Infow("call state changed", "from", prev, "to", domain.StateConnected)
	s.emitState(prev, domain.StateConnected, "")
}

// startTimersLocked must be called with mu held and a non-terminal state.
func (s *CallSession) startTimersLocked() {
	s.timers.Add(2)
	go s.runDurationTimer()
	go func() {
		defer s.timers.Done()
		s.monitor.Run(s.ctx)
	}()
}

func (s *CallSession) runDurationTimer() {
	defer s.timers.Done()

	ticker := s.deps.Clock.Ticker(s.cfg.DurationTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.state.IsTerminal() {
				s.mu.Unlock()
				return
			}
			s.ticks++
			d := s.durationLocked()
			s.mu.Unlock()
			s.emit(domain.CallEvent{Type: domain.EventDurationTick, Duration: d})
		}
	}
}

func (s *CallSession) applyQuality(sample domain.QualitySample) {
	if s.State() != domain.StateConnected {
		return
	}
	s.emit(domain.CallEvent{Type: domain.EventQualityUpdated, Quality: &sample})

	if target, changed := s.media.ApplyQuality(sample.Score); changed {
		s.emit(domain.CallEvent{Type: domain.EventBitrateChanged, Bitrate: target})
	}
}

// GetStats reads statistics from the current transport.
func (s *CallSession) GetStats(ctx context.Context) (domain.NetworkMetrics, error) {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return domain.NetworkMetrics{}, domain.ErrNotConnected
	}
	return transport.GetStats(ctx)
}

// NotifyNetworkChange proactively restarts ICE for a live call.
func (s *CallSession) NotifyNetworkChange(reason string) {
	if !s.State().IsLive() {
		return
	}
	s.reconnect.OnNetworkChange(reason)
}

// restartICE runs one restart cycle: ice-restart-request, then a restart offer.
func (s *CallSession) restartICE(reason string, attempt int) {
	s.mu.Lock()
	if !s.state.IsLive() || s.transport == nil {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = domain.StateReconnecting
	s.reason = reason
	s.awaitingAnswer = true
	transport := s.transport
	s.mu.Unlock()

	ctx, span := tracing.TraceNegotiation(s.ctx, "ice_restart", string(s.id), string(s.peerID))
	defer span.End()

	if prev != domain.StateReconnecting {
		s.emitState(prev, domain.StateReconnecting, reason)
	}
	s.monitor.SetNetworkStatus(domain.NetworkUnstable)
	s.logger.Infow("starting ice restart",
		"attempt", attempt,
		"reason", reason,
	)
	s.emit(domain.CallEvent{Type: domain.EventRestart, Reason: reason})

	if err := s.send(domain.MessageICERestartRequest, nil); err != nil {
		s.logger.Warnw("failed to send ice restart request", "error", err)
	}

	offer, err := transport.CreateOffer(ctx, true)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Warnw("failed to create restart offer", "attempt", attempt, "error", err)
		s.mu.Lock()
		s.awaitingAnswer = false
		s.mu.Unlock()
		s.reconnect.OnTransportFailed()
		return
	}

	if err := s.send(domain.MessageOffer, domain.OfferPayload{
		Description:     offer,
		MediaKind:       s.kind,
		IsRenegotiation: true,
	}); err != nil {
		s.logger.Warnw("failed to send restart offer", "error", err)
	}
	s.armRestartTimer(attempt)
}

// armRestartTimer treats a restart offer left unanswered for the policy's
// answer timeout as another transport failure.
func (s *CallSession) armRestartTimer(attempt int) {
	timeout := s.reconnect.AnswerTimeout()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.awaitingAnswer || s.state != domain.StateReconnecting {
		return
	}
	s.stopRestartTimerLocked()

	var timer *clock.Timer
	timer = s.deps.Clock.AfterFunc(timeout, func() {
		s.mu.Lock()
		if s.restartTimer != timer {
			s.mu.Unlock()
			return
		}
		s.restartTimer = nil
		expired := s.awaitingAnswer && s.state == domain.StateReconnecting
		s.mu.Unlock()
		if !expired {
			return
		}

		s.logger.Warnw("restart offer unanswered",
			"attempt", attempt,
			"timeout", timeout,
		)
		s.reconnect.OnTransportFailed()
	})
	s.restartTimer = timer
}

func (s *CallSession) stopRestartTimerLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

func (s *CallSession) restartsExhausted(attempts int) {
	s.fail(fmt.Errorf("%w after %d attempts", domain.ErrRestartExhausted, attempts))
}

func (s *CallSession) prepareMedia() (ports.PeerTransport, error) {
	if err := s.media.Acquire(s.ctx); err != nil {
		return nil, err
	}

	transport, err := s.deps.Transports.NewTransport(s.ctx, s.id, s.kind)
	if err != nil {
		return nil, fmt.Errorf("%w: create transport: %w", domain.ErrNegotiationFailed, err)
	}
	transport.OnICECandidate(s.handleLocalCandidate)
	transport.OnConnectionStateChange(s.handleConnectionState)
	transport.OnRemoteTrack(s.handleRemoteTrack)

	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		_ = transport.Close()
		return nil, domain.ErrSessionClosed
	}
	s.transport = transport
	s.mu.Unlock()

	if err := s.media.Publish(transport); err != nil {
		return nil, err
	}
	return transport, nil
}

func (s *CallSession) applyRemoteDescription(transport ports.PeerTransport, desc domain.SessionDescription) error {
	if err := validation.ValidateSessionDescription(string(desc.Type), desc.SDP); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMalformedDescription, err)
	}
	if err := transport.SetRemoteDescription(s.ctx, desc); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMalformedDescription, err)
	}

	drained := s.candidates.Drain(func(c domain.ICECandidate) {
		s.addCandidate(transport, c)
	})
	if drained > 0 {
		s.logger.Debugw("applied queued candidates", "count", drained)
	}
	return nil
}

func (s *CallSession) addCandidate(transport ports.PeerTransport, c domain.ICECandidate) {
	if err := transport.AddICECandidate(c); err != nil {
		s.logger.Warnw("failed to add remote candidate", "error", err)
	}
}

// fail moves a live session into Error and tears it down.
func (s *CallSession) fail(err error) {
	if errors.Is(err, domain.ErrSessionClosed) {
		return
	}
	prev, ok := s.transition(domain.StateError, err.Error(), nonTerminalStates...)
	if !ok {
		return
	}

	s.logger.Errorw("call failed", "error", err)
	dropped := s.candidates.Discard()
	if dropped > 0 {
		s.logger.Debugw("discarded queued candidates", "count", dropped)
	}

	if prev != domain.StateIdle {
		if sendErr := s.send(domain.MessageEnd, domain.EndPayload{Reason: "error"}); sendErr != nil {
			s.logger.Debugw("failed to notify peer of error", "error", sendErr)
		}
	}
	s.teardown()
	s.close()
}

// transition moves to `to` only from one of `from`.
func (s *CallSession) transition(to domain.CallState, reason string, from ...domain.CallState) (domain.CallState, bool) {
	s.mu.Lock()
	prev := s.state
	if !prev.In(from...) {
		s.mu.Unlock()
		return prev, false
	}
	s.state = to
	s.reason = reason
	if to.IsTerminal() {
		s.endedAt = s.deps.Clock.Now()
	}
	s.mu.Unlock()

	s.logger.Infow("call state changed",
		"from", prev,
		"to", to,
		"reason", reason,
	)
	s.emitState(prev, to, reason)
	return prev, true
}

func (s *CallSession) armRingTimer() {
	if s.cfg.RingTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ringTimer = s.deps.Clock.AfterFunc(s.cfg.RingTimeout, func() {
		if _, ok := s.transition(domain.StateEnded, "no-answer", domain.StateCalling); !ok {
			return
		}
		if err := s.send(domain.MessageEnd, domain.EndPayload{Reason: "no-answer"}); err != nil {
			s.logger.Warnw("failed to send end", "error", err)
		}
		s.teardown()
		s.close()
	})
}

func (s *CallSession) stopRingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// teardown releases everything the session holds, exactly once.
// The state must already be terminal.
func (s *CallSession) teardown() {
	s.teardownOnce.Do(func() {
		s.cancel()
		s.reconnect.Stop()
		s.stopRingTimer()

		s.mu.Lock()
		s.stopRestartTimerLocked()
		transport := s.transport
		s.mu.Unlock()

		// periodic tasks observe the cancelled context and exit
		s.timers.Wait()

		released := s.media.ReleaseAll()
		if transport != nil {
			if err := transport.Close(); err != nil {
				s.logger.Warnw("failed to close transport", "error", err)
			}
		}
		s.remote.Discard()
		s.candidates.Discard()
		s.saveRecord()

		s.logger.Infow("call session cleaned up",
			"released_tracks", released,
		)
	})
}

func (s *CallSession) scheduleClose(delay time.Duration) {
	if delay <= 0 {
		s.close()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeTimer == nil {
		s.closeTimer = s.deps.Clock.AfterFunc(delay, s.close)
	}
}

// close publishes the final event and deregisters the session.
func (s *CallSession) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.closeTimer != nil {
			s.closeTimer.Stop()
		}
		state := s.state
		reason := s.reason
		s.mu.Unlock()

		s.emit(domain.CallEvent{Type: domain.EventClosed, Reason: reason, State: state})
		close(s.done)
		if s.onClosed != nil {
			s.onClosed(s)
		}
	})
}

// shutdown ends a live session, or finishes a pending delayed close.
func (s *CallSession) shutdown(reason string) {
	s.End(reason)
	s.teardown()
	s.close()
}

func (s *CallSession) saveRecord() {
	if s.deps.Records == nil {
		return
	}

	s.mu.Lock()
	record := &domain.CallRecord{
		CallID:      s.id,
		PeerID:      s.peerID,
		Direction:   s.direction,
		MediaKind:   s.kind,
		FinalState:  s.state,
		Reason:      s.reason,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     s.endedAt,
		Duration:    s.durationLocked(),
	}
	s.mu.Unlock()
	record.Restarts = s.reconnect.TotalRestarts()

	timeout := s.cfg.RecordTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.deps.Records.Save(ctx, record); err != nil {
		s.logger.Warnw("failed to save call record", "error", err)
		return
	}
	s.logger.Infow("call recorded",
		"final_state", record.FinalState,
		"duration", utils.FormatDuration(record.Duration),
		"restarts", record.Restarts,
	)
}

// remoteReason cleans a reason string supplied by the other peer before it
// reaches logs, events and history.
func remoteReason(r string) string {
	return utils.TruncateString(utils.SanitizeString(r), maxRemoteReason)
}

func (s *CallSession) send(msgType domain.MessageType, payload interface{}) error {
	if s.deps.Signaling == nil {
		return domain.ErrSignalingUnavailable
	}
	msg, err := domain.NewSignalMessage(msgType, s.id, s.cfg.LocalPeerID, s.peerID, payload)
	if err != nil {
		return err
	}
	// signaling outlives the session context so the final end still goes out
	return s.deps.Signaling.Send(context.Background(), msg)
}

func (s *CallSession) emitState(prev, to domain.CallState, reason string) {
	s.emit(domain.CallEvent{
		Type:     domain.EventStateChanged,
		State:    to,
		Previous: prev,
		Reason:   reason,
	})
}

func (s *CallSession) emitFlags(flags domain.CallFlags) {
	s.emit(domain.CallEvent{Type: domain.EventFlagsChanged, Flags: &flags})
}

func (s *CallSession) emit(event domain.CallEvent) {
	if s.deps.Events == nil {
		return
	}
	event.CallID = s.id
	event.PeerID = s.peerID
	event.Direction = s.direction
	event.MediaKind = s.kind
	if event.State == "" {
		event.State = s.State()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.deps.Clock.Now()
	}
	s.deps.Events.Publish(event)
}
