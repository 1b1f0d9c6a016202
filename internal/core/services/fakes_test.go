package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
	"go.uber.org/zap/zaptest"
)

const (
	localPeer  domain.PeerID = "alice"
	remotePeer domain.PeerID = "bob"

	testOfferSDP  = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	testAnswerSDP = "v=0\r\no=- 1902741936384735172 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
)

// fakeSignaling records sent messages and delivers inbound ones synchronously.
type fakeSignaling struct {
	mu       sync.Mutex
	sent     []domain.SignalMessage
	handlers map[domain.MessageType][]func(domain.SignalMessage)
	sendErr  error
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{handlers: make(map[domain.MessageType][]func(domain.SignalMessage))}
}

func (f *fakeSignaling) Send(_ context.Context, msg domain.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaling) OnMessage(t domain.MessageType, h func(domain.SignalMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[t] = append(f.handlers[t], h)
	idx := len(f.handlers[t]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[t][idx] = nil
	}
}

func (f *fakeSignaling) deliver(msg domain.SignalMessage) {
	f.mu.Lock()
	handlers := append([]func(domain.SignalMessage){}, f.handlers[msg.Type]...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(msg)
		}
	}
}

func (f *fakeSignaling) messages() []domain.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SignalMessage(nil), f.sent...)
}

func (f *fakeSignaling) types() []domain.MessageType {
	var out []domain.MessageType
	for _, m := range f.messages() {
		out = append(out, m.Type)
	}
	return out
}

func (f *fakeSignaling) ofType(t domain.MessageType) []domain.SignalMessage {
	var out []domain.SignalMessage
	for _, m := range f.messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func inbound(t *testing.T, msgType domain.MessageType, callID domain.CallID, payload interface{}) domain.SignalMessage {
	t.Helper()
	msg, err := domain.NewSignalMessage(msgType, callID, remotePeer, localPeer, payload)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	return msg
}

func candidate(n int) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 192.168.1.%d 5000%d typ host", n, n, n),
	}
}

type fakeTrack struct {
	id      string
	kind    domain.TrackKind
	source  domain.TrackSource
	stops   atomic.Int32
	enabled atomic.Bool
	bitrate atomic.Int64
}

func newFakeTrack(id string, kind domain.TrackKind, source domain.TrackSource) *fakeTrack {
	t := &fakeTrack{id: id, kind: kind, source: source}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string                 { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind     { return t.kind }
func (t *fakeTrack) Source() domain.TrackSource { return t.source }
func (t *fakeTrack) SetEnabled(enabled bool)    { t.enabled.Store(enabled) }
func (t *fakeTrack) Stop() error                { t.stops.Add(1); return nil }
func (t *fakeTrack) Stops() int                 { return int(t.stops.Load()) }

func (t *fakeTrack) SetBitrate(bps int) error {
	t.bitrate.Store(int64(bps))
	return nil
}

type fakeDevices struct {
	mu          sync.Mutex
	seq         int
	tracks      []*fakeTrack
	constraints []ports.MediaConstraints
	userErr     error
	displayErr  error
}

func (d *fakeDevices) next(kind domain.TrackKind, source domain.TrackSource) *fakeTrack {
	d.seq++
	t := newFakeTrack(fmt.Sprintf("%s-%d", source, d.seq), kind, source)
	d.tracks = append(d.tracks, t)
	return t
}

func (d *fakeDevices) GetUserMedia(_ context.Context, c ports.MediaConstraints) ([]ports.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.constraints = append(d.constraints, c)
	if d.userErr != nil {
		return nil, d.userErr
	}
	var out []ports.LocalTrack
	if c.Audio {
		out = append(out, d.next(domain.TrackAudio, domain.SourceMicrophone))
	}
	if c.Video {
		out = append(out, d.next(domain.TrackVideo, domain.SourceCamera))
	}
	return out, nil
}

func (d *fakeDevices) GetDisplayMedia(context.Context) (ports.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.displayErr != nil {
		return nil, d.displayErr
	}
	return d.next(domain.TrackVideo, domain.SourceScreen), nil
}

func (d *fakeDevices) all() []*fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTrack(nil), d.tracks...)
}

func (d *fakeDevices) bySource(source domain.TrackSource) []*fakeTrack {
	var out []*fakeTrack
	for _, t := range d.all() {
		if t.source == source {
			out = append(out, t)
		}
	}
	return out
}

func (d *fakeDevices) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.constraints)
}

type fakeTransport struct {
	mu            sync.Mutex
	added         []ports.LocalTrack
	replaced      []ports.LocalTrack
	offers        []bool
	answers       int
	remote        []domain.SessionDescription
	candidates    []domain.ICECandidate
	rollbacks     int
	closes        int
	state         domain.ConnectionState
	stats         domain.NetworkMetrics
	replaceErr    error
	setRemoteErr  error
	offerErr      error
	onCandidate   func(domain.ICECandidate)
	onState       func(domain.ConnectionState)
	onRemoteTrack func(ports.RemoteTrack)
}

func (f *fakeTransport) AddTrack(t ports.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, t)
	return nil
}

func (f *fakeTransport) ReplaceVideoTrack(t ports.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.replaced = append(f.replaced, t)
	return nil
}

func (f *fakeTransport) CreateOffer(_ context.Context, iceRestart bool) (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, iceRestart)
	if f.offerErr != nil {
		return domain.SessionDescription{}, f.offerErr
	}
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: testOfferSDP}, nil
}

func (f *fakeTransport) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: testAnswerSDP}, nil
}

func (f *fakeTransport) SetRemoteDescription(_ context.Context, d domain.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setRemoteErr != nil {
		return f.setRemoteErr
	}
	f.remote = append(f.remote, d)
	return nil
}

func (f *fakeTransport) Rollback(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	return nil
}

func (f *fakeTransport) AddICECandidate(c domain.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) OnICECandidate(h func(domain.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = h
}

func (f *fakeTransport) OnConnectionStateChange(h func(domain.ConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = h
}

func (f *fakeTransport) OnRemoteTrack(h func(ports.RemoteTrack)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRemoteTrack = h
}

func (f *fakeTransport) ConnectionState() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) GetStats(context.Context) (domain.NetworkMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) setState(state domain.ConnectionState) {
	f.mu.Lock()
	f.state = state
	h := f.onState
	f.mu.Unlock()
	if h != nil {
		h(state)
	}
}

func (f *fakeTransport) emitCandidate(c domain.ICECandidate) {
	f.mu.Lock()
	h := f.onCandidate
	f.mu.Unlock()
	if h != nil {
		h(c)
	}
}

func (f *fakeTransport) emitTrack(t ports.RemoteTrack) {
	f.mu.Lock()
	h := f.onRemoteTrack
	f.mu.Unlock()
	if h != nil {
		h(t)
	}
}

func (f *fakeTransport) setStats(m domain.NetworkMetrics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = m
}

func (f *fakeTransport) appliedCandidates() []domain.ICECandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ICECandidate(nil), f.candidates...)
}

func (f *fakeTransport) failOffers(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerErr = err
}

func (f *fakeTransport) restartOffers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, restart := range f.offers {
		if restart {
			n++
		}
	}
	return n
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeTransport) remoteDescriptions() []domain.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SessionDescription(nil), f.remote...)
}

func (f *fakeTransport) replacedTracks() []ports.LocalTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.LocalTrack(nil), f.replaced...)
}

type fakeTransportFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
}

func (f *fakeTransportFactory) NewTransport(context.Context, domain.CallID, domain.MediaKind) (ports.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{state: domain.ConnectionNew}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeTransportFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// fakeRemoteTrack yields a fixed number of packets and then EOF.
type fakeRemoteTrack struct {
	id      string
	kind    domain.TrackKind
	mu      sync.Mutex
	packets int
}

func (t *fakeRemoteTrack) ID() string             { return t.id }
func (t *fakeRemoteTrack) StreamID() string       { return "remote-stream" }
func (t *fakeRemoteTrack) Kind() domain.TrackKind { return t.kind }

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.packets == 0 {
		return nil, io.EOF
	}
	t.packets--
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(t.packets)}, Payload: []byte{1, 2, 3}}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.CallEvent
}

func (s *recordingSink) Publish(e domain.CallEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) ofType(t domain.CallEventType) []domain.CallEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CallEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) states() []domain.CallState {
	var out []domain.CallState
	for _, e := range s.ofType(domain.EventStateChanged) {
		out = append(out, e.State)
	}
	return out
}

type memoryRecords struct {
	mu      sync.Mutex
	records []*domain.CallRecord
}

func (r *memoryRecords) Save(_ context.Context, rec *domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memoryRecords) GetByID(_ context.Context, id domain.CallID) (*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.CallID == id {
			return rec, nil
		}
	}
	return nil, domain.ErrCallNotFound
}

func (r *memoryRecords) ListRecent(_ context.Context, limit int) ([]*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > len(r.records) {
		limit = len(r.records)
	}
	return append([]*domain.CallRecord(nil), r.records[:limit]...), nil
}

func (r *memoryRecords) ListByPeer(_ context.Context, peerID domain.PeerID, limit int) ([]*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.CallRecord
	for _, rec := range r.records {
		if rec.PeerID == peerID && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memoryRecords) all() []*domain.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.CallRecord(nil), r.records...)
}

// harness wires a CallManager to fakes and a mock clock.
type harness struct {
	clock      *clock.Mock
	signaling  *fakeSignaling
	devices    *fakeDevices
	transports *fakeTransportFactory
	events     *recordingSink
	records    *memoryRecords
	manager    *CallManager
}

func newHarness(t *testing.T, mutate ...func(*SessionConfig)) *harness {
	t.Helper()

	h := &harness{
		clock:      clock.NewMock(),
		signaling:  newFakeSignaling(),
		devices:    &fakeDevices{},
		transports: &fakeTransportFactory{},
		events:     &recordingSink{},
		records:    &memoryRecords{},
	}
	h.clock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	cfg := DefaultSessionConfig()
	cfg.LocalPeerID = localPeer
	for _, m := range mutate {
		m(&cfg)
	}

	h.manager = NewCallManager(cfg, SessionDeps{
		Signaling:  h.signaling,
		Transports: h.transports,
		Devices:    h.devices,
		Quality:    NewQualityService(),
		Events:     h.events,
		Records:    h.records,
		Clock:      h.clock,
		Logger:     zaptest.NewLogger(t).Sugar(),
	})
	t.Cleanup(h.manager.Close)
	return h
}

// connectOutgoing places a call to bob and drives it to Connected.
func (h *harness) connectOutgoing(t *testing.T, kind domain.MediaKind) (domain.CallID, *fakeTransport) {
	t.Helper()

	snap, err := h.manager.StartCall(context.Background(), remotePeer, kind)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	h.signaling.deliver(inbound(t, domain.MessageAccept, snap.CallID, nil))
	h.signaling.deliver(inbound(t, domain.MessageAnswer, snap.CallID, domain.AnswerPayload{
		Description: domain.SessionDescription{Type: domain.SDPAnswer, SDP: testAnswerSDP},
	}))
	transport := h.transports.last()
	transport.setState(domain.ConnectionConnected)
	return snap.CallID, transport
}

func (h *harness) state(t *testing.T, id domain.CallID) domain.CallState {
	t.Helper()
	snap, err := h.manager.GetCall(id)
	if err != nil {
		return ""
	}
	return snap.State
}

var errDenied = errors.New("permission denied")
