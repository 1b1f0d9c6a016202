package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/tracing"
	"rillcall/pkg/utils"
	"rillcall/pkg/validation"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// IncomingCallListener is notified when a remote peer invites this node.
type IncomingCallListener func(domain.CallSnapshot)

// CallManager keeps the registry of call sessions of this node and routes
// inbound signaling to them.
type CallManager struct {
	cfg    SessionConfig
	deps   SessionDeps
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	sessions    map[domain.CallID]*CallSession
	listeners   []IncomingCallListener
	unsubscribe []func()
	closed      bool
}

var _ ports.CallService = (*CallManager)(nil)

func NewCallManager(cfg SessionConfig, deps SessionDeps) *CallManager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	m := &CallManager{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("component", "call_manager"),
		sessions: make(map[domain.CallID]*CallSession),
	}

	if deps.Signaling != nil {
		for _, t := range domain.CallMessageTypes {
			m.unsubscribe = append(m.unsubscribe, deps.Signaling.OnMessage(t, m.route))
		}
	}
	return m
}

// OnIncomingCall registers a listener for new invitations.
func (m *CallManager) OnIncomingCall(listener IncomingCallListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *CallManager) StartCall(ctx context.Context, peerID domain.PeerID, kind domain.MediaKind) (domain.CallSnapshot, error) {
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		return domain.CallSnapshot{}, err
	}
	if err := validation.ValidateMediaKind(string(kind)); err != nil {
		return domain.CallSnapshot{}, err
	}
	if peerID == m.cfg.LocalPeerID {
		return domain.CallSnapshot{}, domain.ErrSelfCall
	}

	session := newCallSession(
		domain.CallID(utils.GenerateCallID()),
		peerID,
		domain.DirectionOutgoing,
		kind,
		m.cfg,
		m.deps,
		m.remove,
	)
	if err := m.register(session, true); err != nil {
		return domain.CallSnapshot{}, err
	}

	if err := session.Start(ctx); err != nil {
		return session.Snapshot(), err
	}
	return session.Snapshot(), nil
}

func (m *CallManager) AcceptCall(ctx context.Context, callID domain.CallID) error {
	session, err := m.get(callID)
	if err != nil {
		return err
	}
	return session.Accept(ctx)
}

func (m *CallManager) RejectCall(ctx context.Context, callID domain.CallID, reason string) error {
	session, err := m.get(callID)
	if err != nil {
		return err
	}
	if err := validation.ValidateReason(reason); err != nil {
		return err
	}
	return session.Reject(reason)
}

func (m *CallManager) EndCall(ctx context.Context, callID domain.CallID, reason string) error {
	session, err := m.get(callID)
	if err != nil {
		return err
	}
	if err := validation.ValidateReason(reason); err != nil {
		return err
	}
	session.End(reason)
	return nil
}

func (m *CallManager) SetMuted(ctx context.Context, callID domain.CallID, muted bool) (domain.CallFlags, error) {
	session, err := m.get(callID)
	if err != nil {
		return domain.CallFlags{}, err
	}
	return session.SetMuted(muted)
}

func (m *CallManager) SetCameraOff(ctx context.Context, callID domain.CallID, off bool) (domain.CallFlags, error) {
	session, err := m.get(callID)
	if err != nil {
		return domain.CallFlags{}, err
	}
	return session.SetCameraOff(off)
}

func (m *CallManager) ToggleScreenShare(ctx context.Context, callID domain.CallID) (domain.CallFlags, error) {
	session, err := m.get(callID)
	if err != nil {
		return domain.CallFlags{}, err
	}
	return session.ToggleScreenShare(ctx)
}

// NotifyNetworkChange restarts ICE on every live call.
func (m *CallManager) NotifyNetworkChange(reason string) {
	sessions := m.snapshotSessions()
	m.logger.Infow("network change reported",
		"reason", reason,
		"sessions", len(sessions),
	)
	for _, s := range sessions {
		s.NotifyNetworkChange(reason)
	}
}

func (m *CallManager) GetCall(callID domain.CallID) (domain.CallSnapshot, error) {
	session, err := m.get(callID)
	if err != nil {
		return domain.CallSnapshot{}, err
	}
	return session.Snapshot(), nil
}

func (m *CallManager) ListCalls() []domain.CallSnapshot {
	sessions := m.snapshotSessions()
	out := make([]domain.CallSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *CallManager) History(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	if m.deps.Records == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return m.deps.Records.ListRecent(ctx, limit)
}

// PeerHistory lists finished calls with one remote peer, newest first.
func (m *CallManager) PeerHistory(ctx context.Context, peerID domain.PeerID, limit int) ([]*domain.CallRecord, error) {
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		return nil, err
	}
	if m.deps.Records == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return m.deps.Records.ListByPeer(ctx, peerID, limit)
}

// Session exposes a registered session, mainly for media sinks.
func (m *CallManager) Session(callID domain.CallID) (*CallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// ActiveCalls returns the number of registered sessions.
func (m *CallManager) ActiveCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops routing and ends every session.
func (m *CallManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	for _, cancel := range unsubscribe {
		cancel()
	}
	for _, s := range m.snapshotSessions() {
		s.shutdown("shutdown")
	}
	m.logger.Infow("call manager closed")
}

func (m *CallManager) route(msg domain.SignalMessage) {
	if msg.To != "" && m.cfg.LocalPeerID != "" && msg.To != m.cfg.LocalPeerID {
		return
	}
	if msg.CallID == "" {
		return
	}

	ctx, span := tracing.TraceSignalMessage(context.Background(), string(msg.Type), string(msg.CallID), string(msg.From))
	defer span.End()

	m.mu.RLock()
	session, ok := m.sessions[msg.CallID]
	closed := m.closed
	m.mu.RUnlock()
	tracing.AddSpanAttributes(ctx, attribute.Bool("signal.known_call", ok))

	if ok {
		session.HandleMessage(msg)
		return
	}
	if closed || msg.Type != domain.MessageOffer {
		m.logger.Debugw("ignoring message for unknown call",
			"call_id", msg.CallID,
			"type", msg.Type,
		)
		return
	}
	m.handleInvitation(msg)
}

func (m *CallManager) handleInvitation(msg domain.SignalMessage) {
	var payload domain.OfferPayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.logger.Warnw("ignoring undecodable invitation", "call_id", msg.CallID, "error", err)
		return
	}
	if payload.IsRenegotiation {
		// restart offer for a call that is already gone
		return
	}
	if err := validation.ValidateCallID(string(msg.CallID)); err != nil {
		m.logger.Warnw("ignoring invitation with invalid call id", "error", err)
		return
	}
	if err := validation.ValidatePeerID(string(msg.From)); err != nil {
		m.logger.Warnw("ignoring invitation from invalid peer", "call_id", msg.CallID, "error", err)
		return
	}
	kind := payload.MediaKind
	if !kind.Valid() {
		kind = domain.MediaAudio
	}

	session := newCallSession(msg.CallID, msg.From, domain.DirectionIncoming, kind, m.cfg, m.deps, m.remove)
	if err := m.register(session, false); err != nil {
		m.logger.Infow("rejecting invitation",
			"call_id", msg.CallID,
			"peer_id", msg.From,
			"error", err,
		)
		m.sendBusy(msg)
		return
	}
	if !session.receiveInvitation(payload.Description) {
		session.shutdown("invalid-invitation")
		return
	}

	snap := session.Snapshot()
	m.mu.RLock()
	listeners := append([]IncomingCallListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(snap)
	}
}

func (m *CallManager) sendBusy(msg domain.SignalMessage) {
	if m.deps.Signaling == nil {
		return
	}
	reject, err := domain.NewSignalMessage(domain.MessageReject, msg.CallID, m.cfg.LocalPeerID, msg.From,
		domain.RejectPayload{Reason: "busy"})
	if err != nil {
		return
	}
	if err := m.deps.Signaling.Send(context.Background(), reject); err != nil {
		m.logger.Warnw("failed to send busy reject", "call_id", msg.CallID, "error", err)
	}
}

// register adds session; an existing live session with the same peer makes
// the new one a duplicate.
func (m *CallManager) register(session *CallSession, outgoing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.ErrSessionClosed
	}
	if _, exists := m.sessions[session.ID()]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateCall, session.ID())
	}
	for _, other := range m.sessions {
		if other.PeerID() == session.PeerID() && !other.State().IsTerminal() {
			if outgoing {
				return fmt.Errorf("%w: already in a call with %s", domain.ErrDuplicateCall, session.PeerID())
			}
			return domain.ErrPeerBusy
		}
	}
	m.sessions[session.ID()] = session
	return nil
}

func (m *CallManager) remove(session *CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.sessions[session.ID()]; ok && current == session {
		delete(m.sessions, session.ID())
	}
}

func (m *CallManager) get(callID domain.CallID) (*CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
	}
	return s, nil
}

func (m *CallManager) snapshotSessions() []*CallSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
