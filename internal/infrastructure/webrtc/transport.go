package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/logger"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrNoVideoSender   = errors.New("no outbound video sender")
	ErrForeignTrack    = errors.New("track cannot be attached to a pion transport")
)

// trackLocalProvider is implemented by local tracks backed by pion.
type trackLocalProvider interface {
	TrackLocal() webrtc.TrackLocal
}

type keyFrameRequester interface {
	RequestKeyFrame() error
}

// Config holds the peer connection settings shared by every call.
type Config struct {
	ICEServers []webrtc.ICEServer
	MinPort    uint16
	MaxPort    uint16
	// bits per second, bounds for the send-side bandwidth estimator
	MinBitrate   int
	MaxBitrate   int
	StartBitrate int

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		MinBitrate:          150_000,
		MaxBitrate:          2_500_000,
		StartBitrate:        1_000_000,
		DisconnectedTimeout: 5 * time.Second,
		FailedTimeout:       25 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// TransportFactory builds one pion PeerConnection per call.
type TransportFactory struct {
	config Config
	logger *zap.SugaredLogger
}

var _ ports.TransportFactory = (*TransportFactory)(nil)

func NewTransportFactory(config Config, logger *zap.SugaredLogger) *TransportFactory {
	return &TransportFactory{
		config: config,
		logger: logger,
	}
}

func (f *TransportFactory) NewTransport(ctx context.Context, callID domain.CallID, kind domain.MediaKind) (ports.PeerTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	estimators := make(chan cc.BandwidthEstimator, 1)

	if kind == domain.MediaVideo {
		congestion, err := cc.NewInterceptor(func() (cc.BandwidthEstimator, error) {
			return gcc.NewSendSideBWE(
				gcc.SendSideBWEInitialBitrate(f.config.StartBitrate),
				gcc.SendSideBWEMinBitrate(f.config.MinBitrate),
				gcc.SendSideBWEMaxBitrate(f.config.MaxBitrate),
			)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create congestion controller: %w", err)
		}
		congestion.OnNewPeerConnection(func(_ string, estimator cc.BandwidthEstimator) {
			select {
			case estimators <- estimator:
			default:
			}
		})
		registry.Add(congestion)

		if err := webrtc.ConfigureTWCCHeaderExtensionSender(mediaEngine, registry); err != nil {
			return nil, fmt.Errorf("failed to configure twcc: %w", err)
		}
	}

	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: logger.NewPionLoggerFactory(f.logger.Named("pion")),
	}
	if f.config.MinPort > 0 && f.config.MaxPort > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(f.config.MinPort, f.config.MaxPort); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if f.config.FailedTimeout > 0 {
		settingEngine.SetICETimeouts(f.config.DisconnectedTimeout, f.config.FailedTimeout, f.config.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: f.config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	var estimator cc.BandwidthEstimator
	select {
	case estimator = <-estimators:
	default:
	}

	t := newTransport(pc, estimator, f.logger.With("call_id", callID))
	if kind == domain.MediaAudio {
		// still receive video if the remote insists, never send it
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			t.logger.Debugw("failed to add recvonly video transceiver", "error", err)
		}
	}
	return t, nil
}

// Transport adapts a pion PeerConnection to ports.PeerTransport.
//
// pion invokes callbacks from its own goroutines; Transport re-dispatches
// them one at a time on a single goroutine, in arrival order, so handlers
// may call back into the transport (including Close) without deadlocking.
type Transport struct {
	pc        *webrtc.PeerConnection
	estimator cc.BandwidthEstimator
	stats     *statsAccumulator
	logger    *zap.SugaredLogger

	events    chan func()
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
	videoTrack  ports.LocalTrack
	onCandidate func(domain.ICECandidate)
	onState     func(domain.ConnectionState)
	onTrack     func(ports.RemoteTrack)
}

var _ ports.PeerTransport = (*Transport)(nil)

func newTransport(pc *webrtc.PeerConnection, estimator cc.BandwidthEstimator, logger *zap.SugaredLogger) *Transport {
	t := &Transport{
		pc:        pc,
		estimator: estimator,
		stats:     newStatsAccumulator(),
		logger:    logger,
		events:    make(chan func(), 64),
		closed:    make(chan struct{}),
	}

	if estimator != nil {
		estimator.OnTargetBitrateChange(func(bitrate int) {
			t.logger.Debugw("bandwidth estimate changed", "bitrate", bitrate)
		})
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		t.dispatch(func() {
			t.mu.Lock()
			h := t.onCandidate
			t.mu.Unlock()
			if h != nil {
				h(domain.ICECandidate{
					Candidate:        init.Candidate,
					SDPMid:           init.SDPMid,
					SDPMLineIndex:    init.SDPMLineIndex,
					UsernameFragment: init.UsernameFragment,
				})
			}
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		state := connectionState(s)
		t.logger.Infow("peer connection state changed", "connection_state", state)
		t.dispatch(func() {
			t.mu.Lock()
			h := t.onState
			t.mu.Unlock()
			if h != nil {
				h(state)
			}
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.logger.Infow("remote track started",
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			t.requestKeyFrame(uint32(track.SSRC()))
		}
		go t.drainReceiverRTCP(receiver)

		t.dispatch(func() {
			t.mu.Lock()
			h := t.onTrack
			t.mu.Unlock()
			if h != nil {
				h(&remoteTrack{track: track})
			}
		})
	})

	go t.run()
	return t
}

func (t *Transport) run() {
	for {
		select {
		case <-t.closed:
			return
		case fn := <-t.events:
			fn()
		}
	}
}

func (t *Transport) dispatch(fn func()) {
	select {
	case <-t.closed:
	case t.events <- fn:
	}
}

func (t *Transport) AddTrack(track ports.LocalTrack) error {
	provider, ok := track.(trackLocalProvider)
	if !ok {
		return ErrForeignTrack
	}

	sender, err := t.pc.AddTrack(provider.TrackLocal())
	if err != nil {
		return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}

	if track.Kind() == domain.TrackVideo {
		t.mu.Lock()
		t.videoSender = sender
		t.videoTrack = track
		t.mu.Unlock()
	}
	go t.readSenderRTCP(sender, track.Kind())
	return nil
}

// ReplaceVideoTrack swaps the outbound video in place without renegotiation.
func (t *Transport) ReplaceVideoTrack(track ports.LocalTrack) error {
	provider, ok := track.(trackLocalProvider)
	if !ok {
		return ErrForeignTrack
	}

	t.mu.Lock()
	sender := t.videoSender
	t.mu.Unlock()
	if sender == nil {
		return ErrNoVideoSender
	}

	if err := sender.ReplaceTrack(provider.TrackLocal()); err != nil {
		return fmt.Errorf("failed to replace video track: %w", err)
	}

	t.mu.Lock()
	t.videoTrack = track
	t.mu.Unlock()
	t.forceKeyFrame(track)
	return nil
}

func (t *Transport) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	if err := t.checkOpen(ctx); err != nil {
		return domain.SessionDescription{}, err
	}

	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: offer.SDP}, nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := t.checkOpen(ctx); err != nil {
		return domain.SessionDescription{}, err
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: answer.SDP}, nil
}

func (t *Transport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := t.checkOpen(ctx); err != nil {
		return err
	}

	var sdpType webrtc.SDPType
	switch desc.Type {
	case domain.SDPOffer:
		sdpType = webrtc.SDPTypeOffer
	case domain.SDPAnswer:
		sdpType = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unsupported description type %q", desc.Type)
	}

	return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP})
}

// Rollback discards a local offer that lost a glare race.
func (t *Transport) Rollback(ctx context.Context) error {
	if err := t.checkOpen(ctx); err != nil {
		return err
	}
	if t.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}
	return t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (t *Transport) AddICECandidate(c domain.ICECandidate) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (t *Transport) OnICECandidate(handler func(domain.ICECandidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = handler
}

func (t *Transport) OnConnectionStateChange(handler func(domain.ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = handler
}

func (t *Transport) OnRemoteTrack(handler func(ports.RemoteTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = handler
}

func (t *Transport) ConnectionState() domain.ConnectionState {
	return connectionState(t.pc.ConnectionState())
}

func (t *Transport) GetStats(ctx context.Context) (domain.NetworkMetrics, error) {
	if err := t.checkOpen(ctx); err != nil {
		return domain.NetworkMetrics{}, err
	}

	metrics := t.stats.collect(t.pc.GetStats(), time.Now())
	if t.estimator != nil {
		if target := t.estimator.GetTargetBitrate(); target > 0 {
			metrics.AvailableBitrate = target / 1000
			metrics.HasBitrate = true
		}
	}
	return metrics, nil
}

// Close tears down the peer connection. It never waits for the dispatch
// goroutine, so it may be called from a handler.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.pc.Close()
	})
	return err
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Transport) checkOpen(ctx context.Context) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	return ctx.Err()
}

// readSenderRTCP must keep draining so interceptors (NACK, TWCC) run; it also
// feeds receiver reports into the stats and answers keyframe requests.
func (t *Transport) readSenderRTCP(sender *webrtc.RTPSender, kind domain.TrackKind) {
	clockRate := uint32(48000)
	if kind == domain.TrackVideo {
		clockRate = 90000
	}

	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if t.stats.observeRTCP(packets, clockRate, time.Now()) && kind == domain.TrackVideo {
			t.mu.Lock()
			track := t.videoTrack
			t.mu.Unlock()
			t.forceKeyFrame(track)
		}
	}
}

func (t *Transport) drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func (t *Transport) requestKeyFrame(ssrc uint32) {
	if err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		t.logger.Debugw("failed to send PLI", "ssrc", ssrc, "error", err)
	}
}

func (t *Transport) forceKeyFrame(track ports.LocalTrack) {
	requester, ok := track.(keyFrameRequester)
	if !ok {
		return
	}
	if err := requester.RequestKeyFrame(); err != nil {
		t.logger.Debugw("keyframe request failed", "track_id", track.ID(), "error", err)
	}
}

func connectionState(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}
