package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"rillcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offerPayload(kind domain.MediaKind, restart bool) domain.OfferPayload {
	return domain.OfferPayload{
		Description:     domain.SessionDescription{Type: domain.SDPOffer, SDP: testOfferSDP},
		MediaKind:       kind,
		IsRenegotiation: restart,
	}
}

func answerPayload() domain.AnswerPayload {
	return domain.AnswerPayload{
		Description: domain.SessionDescription{Type: domain.SDPAnswer, SDP: testAnswerSDP},
	}
}

func TestCallSession_OutgoingAudioCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap, err := h.manager.StartCall(ctx, remotePeer, domain.MediaAudio)
	require.NoError(t, err)
	id := snap.CallID
	assert.Equal(t, domain.StateCalling, snap.State)
	assert.Equal(t, domain.DirectionOutgoing, snap.Direction)

	// audio calls never open the camera
	assert.Len(t, h.devices.bySource(domain.SourceMicrophone), 1)
	assert.Empty(t, h.devices.bySource(domain.SourceCamera))

	offers := h.signaling.ofType(domain.MessageOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, localPeer, offers[0].From)
	assert.Equal(t, remotePeer, offers[0].To)
	var offer domain.OfferPayload
	require.NoError(t, offers[0].DecodePayload(&offer))
	assert.False(t, offer.IsRenegotiation)
	assert.Equal(t, domain.MediaAudio, offer.MediaKind)

	h.signaling.deliver(inbound(t, domain.MessageAccept, id, nil))
	assert.Equal(t, domain.StateConnecting, h.state(t, id))

	transport := h.transports.last()
	require.NotNil(t, transport)

	h.signaling.deliver(inbound(t, domain.MessageCandidate, id, domain.CandidatePayload{Candidate: candidate(1)}))
	h.signaling.deliver(inbound(t, domain.MessageCandidate, id, domain.CandidatePayload{Candidate: candidate(2)}))
	assert.Empty(t, transport.appliedCandidates(), "candidates must wait for the remote description")

	h.signaling.deliver(inbound(t, domain.MessageAnswer, id, answerPayload()))
	assert.Equal(t, []domain.ICECandidate{candidate(1), candidate(2)}, transport.appliedCandidates())

	h.signaling.deliver(inbound(t, domain.MessageCandidate, id, domain.CandidatePayload{Candidate: candidate(3)}))
	assert.Equal(t, []domain.ICECandidate{candidate(1), candidate(2), candidate(3)}, transport.appliedCandidates())

	transport.emitCandidate(candidate(7))
	require.Len(t, h.signaling.ofType(domain.MessageCandidate), 1)

	transport.setState(domain.ConnectionConnected)
	snap, err = h.manager.GetCall(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConnected, snap.State)
	assert.False(t, snap.ConnectedAt.IsZero())
	assert.Zero(t, snap.Duration, "no tick before the clock moves")
	assert.Equal(t, "00:00", snap.Elapsed)
	assert.Zero(t, snap.VideoBitrate, "audio calls carry no video target")

	// the ticker goroutine may not be registered yet; step until the first tick
	require.Eventually(t, func() bool {
		if len(h.events.ofType(domain.EventDurationTick)) > 0 {
			return true
		}
		h.clock.Add(time.Second)
		return false
	}, time.Second, 10*time.Millisecond)
	snap, err = h.manager.GetCall(id)
	require.NoError(t, err)
	assert.Equal(t, time.Second, snap.Duration)
	assert.Equal(t, "00:01", snap.Elapsed)
	assert.Equal(t, time.Second, h.events.ofType(domain.EventDurationTick)[0].Duration)

	h.clock.Add(time.Second)
	require.Eventually(t, func() bool {
		return len(h.events.ofType(domain.EventDurationTick)) == 2
	}, time.Second, 10*time.Millisecond)
	snap, err = h.manager.GetCall(id)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, snap.Duration)
	assert.Equal(t, "00:02", snap.Elapsed)

	require.NoError(t, h.manager.EndCall(ctx, id, ""))

	ends := h.signaling.ofType(domain.MessageEnd)
	require.Len(t, ends, 1)
	var end domain.EndPayload
	require.NoError(t, ends[0].DecodePayload(&end))
	assert.Equal(t, "hangup", end.Reason)

	for _, track := range h.devices.all() {
		assert.Equal(t, 1, track.Stops(), "track %s", track.ID())
	}
	assert.Equal(t, 1, transport.closeCount())

	_, err = h.manager.GetCall(id)
	assert.ErrorIs(t, err, domain.ErrCallNotFound)

	records := h.records.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StateEnded, records[0].FinalState)
	assert.Equal(t, "hangup", records[0].Reason)
	assert.False(t, records[0].ConnectedAt.IsZero())

	assert.Equal(t, []domain.CallState{
		domain.StateCalling,
		domain.StateConnecting,
		domain.StateConnected,
		domain.StateEnded,
	}, h.events.states())
	assert.Len(t, h.events.ofType(domain.EventClosed), 1)
}

func TestCallSession_IncomingVideoCallRejected(t *testing.T) {
	h := newHarness(t)

	var incoming []domain.CallSnapshot
	h.manager.OnIncomingCall(func(s domain.CallSnapshot) {
		incoming = append(incoming, s)
	})

	h.signaling.deliver(inbound(t, domain.MessageOffer, "call-1", offerPayload(domain.MediaVideo, false)))

	require.Len(t, incoming, 1)
	assert.Equal(t, domain.StateIncoming, incoming[0].State)
	assert.Equal(t, domain.DirectionIncoming, incoming[0].Direction)
	assert.Equal(t, domain.MediaVideo, incoming[0].MediaKind)
	assert.Equal(t, remotePeer, incoming[0].PeerID)
	assert.Zero(t, h.devices.calls(), "nothing is captured before the call is accepted")

	require.NoError(t, h.manager.RejectCall(context.Background(), "call-1", "not-now"))

	rejects := h.signaling.ofType(domain.MessageReject)
	require.Len(t, rejects, 1)
	var payload domain.RejectPayload
	require.NoError(t, rejects[0].DecodePayload(&payload))
	assert.Equal(t, "not-now", payload.Reason)

	// the rejected call stays visible for the display delay
	assert.Equal(t, domain.StateRejected, h.state(t, "call-1"))
	assert.Empty(t, h.events.ofType(domain.EventClosed))

	h.clock.Add(2 * time.Second)
	require.Eventually(t, func() bool {
		_, err := h.manager.GetCall("call-1")
		return err != nil
	}, time.Second, 10*time.Millisecond)

	assert.Nil(t, h.transports.last())
	records := h.records.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StateRejected, records[0].FinalState)
	assert.Len(t, h.events.ofType(domain.EventClosed), 1)
}

func TestCallSession_AcceptAppliesStoredOfferAndQueuedCandidates(t *testing.T) {
	h := newHarness(t)

	h.signaling.deliver(inbound(t, domain.MessageOffer, "call-1", offerPayload(domain.MediaVideo, false)))
	h.signaling.deliver(inbound(t, domain.MessageCandidate, "call-1", domain.CandidatePayload{Candidate: candidate(1)}))
	h.signaling.deliver(inbound(t, domain.MessageCandidate, "call-1", domain.CandidatePayload{Candidate: candidate(2)}))

	require.NoError(t, h.manager.AcceptCall(context.Background(), "call-1"))

	assert.Equal(t, []domain.MessageType{domain.MessageAccept, domain.MessageAnswer}, h.signaling.types())
	assert.Equal(t, domain.StateConnecting, h.state(t, "call-1"))

	transport := h.transports.last()
	require.NotNil(t, transport)
	remote := transport.remoteDescriptions()
	require.Len(t, remote, 1)
	assert.Equal(t, testOfferSDP, remote[0].SDP)
	assert.Equal(t, []domain.ICECandidate{candidate(1), candidate(2)}, transport.appliedCandidates())

	assert.Len(t, h.devices.bySource(domain.SourceMicrophone), 1)
	assert.Len(t, h.devices.bySource(domain.SourceCamera), 1)

	transport.setState(domain.ConnectionConnected)
	assert.Equal(t, domain.StateConnected, h.state(t, "call-1"))
}

func TestCallSession_FailedTransportRestartsICE(t *testing.T) {
	h := newHarness(t)
	id, transport := h.connectOutgoing(t, domain.MediaAudio)
	before := len(h.signaling.messages())

	transport.setState(domain.ConnectionFailed)

	assert.Equal(t, domain.StateReconnecting, h.state(t, id))
	sent := h.signaling.messages()[before:]
	require.Len(t, sent, 2)
	assert.Equal(t, domain.MessageICERestartRequest, sent[0].Type)
	assert.Equal(t, domain.MessageOffer, sent[1].Type)
	var offer domain.OfferPayload
	require.NoError(t, sent[1].DecodePayload(&offer))
	assert.True(t, offer.IsRenegotiation)
	assert.Equal(t, 1, transport.restartOffers())

	snap, err := h.manager.GetCall(id)
	require.NoError(t, err)
	assert.Equal(t, domain.NetworkUnstable, snap.Network)

	h.signaling.deliver(inbound(t, domain.MessageAnswer, id, answerPayload()))
	assert.Len(t, transport.remoteDescriptions(), 2)

	transport.setState(domain.ConnectionConnected)
	assert.Equal(t, domain.StateConnected, h.state(t, id))

	session, ok := h.manager.Session(id)
	require.True(t, ok)
	assert.Zero(t, session.reconnect.Attempts())
	assert.Equal(t, 1, session.reconnect.TotalRestarts())
	assert.Len(t, h.events.ofType(domain.EventRestart), 1)
	assert.Len(t, h.transports.transports, 1, "restart reuses the transport")
}

func TestCallSession_DisconnectedIsOptimistic(t *testing.T) {
	h := newHarness(t)
	id, transport := h.connectOutgoing(t, domain.MediaAudio)

	transport.setState(domain.ConnectionDisconnected)
	assert.Equal(t, domain.StateReconnecting, h.state(t, id))
	assert.Zero(t, transport.restartOffers())

	transport.setState(domain.ConnectionConnected)
	snap, err := h.manager.GetCall(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConnected, snap.State)
	assert.Equal(t, domain.NetworkStable, snap.Network)
}

func TestCallSession_RestartAttemptsAreCapped(t *testing.T) {
	h := newHarness(t, func(c *SessionConfig) {
		c.Restart = RestartPolicy{
			MaxAttempts:    2,
			InitialBackoff: time.Second,
			MaxBackoff:     4 * time.Second,
		}
	})
	id, transport := h.connectOutgoing(t, domain.MediaAudio)

	// first attempt runs immediately
	transport.setState(domain.ConnectionFailed)
	assert.Equal(t, 1, transport.restartOffers())

	// second waits for the backoff; a failure while pending is coalesced
	transport.setState(domain.ConnectionFailed)
	transport.setState(domain.ConnectionFailed)
	assert.Equal(t, 1, transport.restartOffers())

	h.clock.Add(time.Second)
	require.Eventually(t, func() bool {
		return transport.restartOffers() == 2
	}, time.Second, 10*time.Millisecond)

	transport.setState(domain.ConnectionFailed)

	require.Eventually(t, func() bool {
		_, err := h.manager.GetCall(id)
		return err != nil
	}, time.Second, 10*time.Millisecond)

	states := h.events.states()
	assert.Equal(t, domain.StateError, states[len(states)-1])
	records := h.records.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StateError, records[0].FinalState)
	assert.Contains(t, records[0].Reason, domain.ErrRestartExhausted.Error())
	assert.Equal(t, 2, records[0].Restarts)
	assert.Equal(t, 1, transport.closeCount())
}

func TestCallSession_UnansweredRestartEndsInError(t *testing.T) {
	h := newHarness(t, func(c *SessionConfig) {
		c.Restart = RestartPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     2 * time.Second,
			AnswerTimeout:  5 * time.Second,
		}
	})
	id, transport := h.connectOutgoing(t, domain.MediaAudio)
	before := len(h.signaling.ofType(domain.MessageOffer))

	transport.setState(domain.ConnectionFailed)
	require.Equal(t, 1, transport.restartOffers())

	// the peer never answers and the transport never reports again
	require.Eventually(t, func() bool {
		if _, err := h.manager.GetCall(id); err != nil {
			return true
		}
		h.clock.Add(time.Second)
		return false
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, transport.restartOffers())
	assert.Len(t, h.signaling.ofType(domain.MessageOffer)[before:], 3)
	assert.Len(t, h.signaling.ofType(domain.MessageICERestartRequest), 3)

	records := h.records.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StateError, records[0].FinalState)
	assert.Contains(t, records[0].Reason, domain.ErrRestartExhausted.Error())
	assert.Equal(t, 3, records[0].Restarts)
	assert.Equal(t, 1, transport.closeCount())
}

func TestCallSession_AnsweredRestartIsNotRetried(t *testing.T) {
	h := newHarness(t, func(c *SessionConfig) {
		c.Restart.AnswerTimeout = 5 * time.Second
	})
	id, transport := h.connectOutgoing(t, domain.MediaAudio)

	transport.setState(domain.ConnectionFailed)
	h.signaling.deliver(inbound(t, domain.MessageAnswer, id, answerPayload()))

	h.clock.Add(30 * time.Second)
	assert.Never(t, func() bool {
		return transport.restartOffers() > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, domain.StateReconnecting, h.state(t, id))
}

func TestCallSession_FailedRestartOfferIsRetried(t *testing.T) {
	h := newHarness(t, func(c *SessionConfig) {
		c.Restart = RestartPolicy{
			MaxAttempts:    2,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Second,
		}
	})
	id, transport := h.connectOutgoing(t, domain.MediaAudio)
	transport.failOffers(errors.New("ice agent closed"))

	transport.setState(domain.ConnectionFailed)
	assert.Equal(t, 1, transport.restartOffers())
	assert.Equal(t, domain.StateReconnecting, h.state(t, id))

	// the next attempt follows the backoff without another transport report
	h.clock.Add(time.Second)
	require.Eventually(t, func() bool {
		_, err := h.manager.GetCall(id)
		return err != nil
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, transport.restartOffers())
	records := h.records.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StateError, records[0].FinalState)
	assert.Contains(t, records[0].Reason, domain.ErrRestartExhausted.Error())
}

func TestCallSession_ResponderAnswersRestartOffer(t *testing.T) {
	h := newHarness(t)
	h.signaling.deliver(inbound(t, domain.MessageOffer, "call-1", offerPayload(domain.MediaAudio, false)))
	require.NoError(t, h.manager.AcceptCall(context.Background(), "call-1"))
	transport := h.transports.last()
	transport.setState(domain.ConnectionConnected)

	// a repeated invitation for a live call is stale
	h.signaling.deliver(inbound(t, domain.MessageOffer, "call-1", offerPayload(domain.MediaAudio, false)))
	assert.Len(t, h.signaling.ofType(domain.MessageAnswer), 1)

	h.signaling.deliver(inbound(t, domain.MessageICERestartRequest, "call-1", nil))
	assert.Equal(t, domain.StateReconnecting, h.state(t, "call-1"))

	h.signaling.deliver(inbound(t, domain.MessageOffer, "call-1", offerPayload(domain.MediaAudio, true)))
	assert.Len(t, h.signaling.ofType(domain.MessageAnswer), 2)
	assert.Len(t, transport.remoteDescriptions(), 2)
	assert.Len(t, h.transports.transports, 1)
	assert.Len(t, h.manager.ListCalls(), 1)

	transport.setState(domain.ConnectionConnected)
	assert.Equal(t, domain.StateConnected, h.state(t, "call-1"))
}

func TestCallSession_RestartGlare(t *testing.T) {
	t.Run("caller keeps its own offer", func(t *testing.T) {
		h := newHarness(t)
		_, transport := h.connectOutgoing(t, domain.MediaAudio)
		transport.setState(domain.ConnectionFailed)
		answers := len(h.signaling.ofType(domain.MessageAnswer))

		h.signaling.deliver(inbound(t, domain.MessageOffer, h.manager.ListCalls()[0].CallID, offerPayload(domain.MediaAudio, true)))

		assert.Zero(t, transport.rollbacks)
		assert.Len(t, h.signaling.ofType(domain.MessageAnswer), answers)
	})

	t.Run("callee rolls back and answers", func(t *testing.T) {
		h := newHarness(t)
		h.signaling.deliver(inbound(t, domain.MessageOffer, "call-1", offerPayload(domain.MediaAudio, false)))
		require.NoError(t, h.manager.AcceptCall(context.Background(), "call-1"))
		transport := h.transports.last()
		transport.setState(domain.ConnectionConnected)
		transport.setState(domain.ConnectionFailed)
		require.Equal(t, 1, transport.restartOffers())

		h.signaling.deliver(inbound(t, domain.MessageOffer, "call-1", offerPayload(domain.MediaAudio, true)))

		assert.Equal(t, 1, transport.rollbacks)
		assert.Len(t, h.signaling.ofType(domain.MessageAnswer), 2)
	})
}

func TestCallSession_NetworkChangeRestartsLiveCalls(t *testing.T) {
	h := newHarness(t)
	id, transport := h.connectOutgoing(t, domain.MediaAudio)

	h.manager.NotifyNetworkChange("wlan0 -> eth0")

	assert.Equal(t, 1, transport.restartOffers())
	assert.Equal(t, domain.StateReconnecting, h.state(t, id))
	assert.Len(t, h.signaling.ofType(domain.MessageICERestartRequest), 1)
}

func TestCallSession_RingTimeout(t *testing.T) {
	h := newHarness(t)
	snap, err := h.manager.StartCall(context.Background(), remotePeer, domain.MediaAudio)
	require.NoError(t, err)

	h.clock.Add(45 * time.Second)
	require.Eventually(t, func() bool {
		_, err := h.manager.GetCall(snap.CallID)
		return err != nil
	}, time.Second, 10*time.Millisecond)

	ends := h.signaling.ofType(domain.MessageEnd)
	require.Len(t, ends, 1)
	var end domain.EndPayload
	require.NoError(t, ends[0].DecodePayload(&end))
	assert.Equal(t, "no-answer", end.Reason)

	records := h.records.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StateEnded, records[0].FinalState)
	assert.Equal(t, "no-answer", records[0].Reason)
	assert.Equal(t, 1, h.devices.bySource(domain.SourceMicrophone)[0].Stops())
}

func TestCallSession_ScreenShareToggle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, transport := h.connectOutgoing(t, domain.MediaVideo)

	cameras := h.devices.bySource(domain.SourceCamera)
	require.Len(t, cameras, 1)
	firstCamera := cameras[0]

	flags, err := h.manager.ToggleScreenShare(ctx, id)
	require.NoError(t, err)
	assert.True(t, flags.ScreenSharing)

	screens := h.devices.bySource(domain.SourceScreen)
	require.Len(t, screens, 1)
	screen := screens[0]
	assert.Equal(t, 1, firstCamera.Stops(), "camera is released while sharing")
	assert.Zero(t, screen.Stops())

	session, ok := h.manager.Session(id)
	require.True(t, ok)
	assert.Equal(t, screen.ID(), session.Media().OutboundVideoTrack().ID())

	flags, err = h.manager.ToggleScreenShare(ctx, id)
	require.NoError(t, err)
	assert.False(t, flags.ScreenSharing)

	cameras = h.devices.bySource(domain.SourceCamera)
	require.Len(t, cameras, 2)
	secondCamera := cameras[1]
	assert.Equal(t, 1, screen.Stops())
	assert.Equal(t, secondCamera.ID(), session.Media().OutboundVideoTrack().ID())

	replaced := transport.replacedTracks()
	require.Len(t, replaced, 2)
	assert.Equal(t, screen.ID(), replaced[0].ID())
	assert.Equal(t, secondCamera.ID(), replaced[1].ID())
	assert.Equal(t, domain.StateConnected, h.state(t, id))
	assert.Len(t, h.events.ofType(domain.EventFlagsChanged), 2)

	require.NoError(t, h.manager.EndCall(ctx, id, ""))
	for _, track := range h.devices.all() {
		assert.Equal(t, 1, track.Stops(), "track %s", track.ID())
	}
}

func TestCallSession_ScreenShareFailureKeepsCamera(t *testing.T) {
	h := newHarness(t)
	id, transport := h.connectOutgoing(t, domain.MediaVideo)
	h.devices.displayErr = errDenied

	flags, err := h.manager.ToggleScreenShare(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrScreenShareFailed)
	assert.False(t, flags.ScreenSharing)

	assert.Equal(t, domain.StateConnected, h.state(t, id))
	assert.Empty(t, transport.replacedTracks())
	assert.Zero(t, h.devices.bySource(domain.SourceCamera)[0].Stops())
}

func TestCallSession_AudioCallHasNoVideoControls(t *testing.T) {
	h := newHarness(t)
	id, _ := h.connectOutgoing(t, domain.MediaAudio)

	_, err := h.manager.ToggleScreenShare(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrAudioOnlyCall)

	_, err = h.manager.SetCameraOff(context.Background(), id, true)
	assert.ErrorIs(t, err, domain.ErrAudioOnlyCall)
}

func TestCallSession_FlagsRequireLiveCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap, err := h.manager.StartCall(ctx, remotePeer, domain.MediaVideo)
	require.NoError(t, err)

	_, err = h.manager.SetMuted(ctx, snap.CallID, true)
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	h.signaling.deliver(inbound(t, domain.MessageAccept, snap.CallID, nil))
	h.signaling.deliver(inbound(t, domain.MessageAnswer, snap.CallID, answerPayload()))
	h.transports.last().setState(domain.ConnectionConnected)

	flags, err := h.manager.SetMuted(ctx, snap.CallID, true)
	require.NoError(t, err)
	assert.True(t, flags.Muted)
	assert.False(t, h.devices.bySource(domain.SourceMicrophone)[0].enabled.Load())

	flags, err = h.manager.SetCameraOff(ctx, snap.CallID, true)
	require.NoError(t, err)
	assert.True(t, flags.CameraOff)
	assert.False(t, h.devices.bySource(domain.SourceCamera)[0].enabled.Load())

	// flags survive a transient disconnect
	h.transports.last().setState(domain.ConnectionDisconnected)
	got, err := h.manager.GetCall(snap.CallID)
	require.NoError(t, err)
	assert.True(t, got.Flags.Muted)
	assert.Equal(t, domain.NetworkUnstable, got.Network)
}

func TestCallSession_GuardedTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap, err := h.manager.StartCall(ctx, remotePeer, domain.MediaAudio)
	require.NoError(t, err)

	assert.ErrorIs(t, h.manager.AcceptCall(ctx, snap.CallID), domain.ErrInvalidTransition)
	assert.ErrorIs(t, h.manager.RejectCall(ctx, snap.CallID, ""), domain.ErrInvalidTransition)

	// a transport report before negotiation finished is ignored
	h.transports.last().setState(domain.ConnectionDisconnected)
	assert.Equal(t, domain.StateCalling, h.state(t, snap.CallID))

	session, ok := h.manager.Session(snap.CallID)
	require.True(t, ok)
	assert.ErrorIs(t, session.Start(ctx), domain.ErrInvalidTransition)

	session.End("hangup")
	session.End("again")
	assert.Len(t, h.signaling.ofType(domain.MessageEnd), 1)
	assert.Len(t, h.records.all(), 1)
}

func TestCallSession_DeviceDenialFailsCall(t *testing.T) {
	h := newHarness(t)
	h.devices.userErr = errDenied

	snap, err := h.manager.StartCall(context.Background(), remotePeer, domain.MediaVideo)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMediaAcquisition)
	assert.Equal(t, domain.StateError, snap.State)

	assert.Empty(t, h.signaling.ofType(domain.MessageOffer))
	assert.Equal(t, 1, h.devices.calls(), "device errors are not retried")
	assert.Nil(t, h.transports.last())
	assert.Zero(t, h.manager.ActiveCalls())
}

func TestCallSession_MalformedAnswerDiscardsCandidates(t *testing.T) {
	h := newHarness(t)
	snap, err := h.manager.StartCall(context.Background(), remotePeer, domain.MediaAudio)
	require.NoError(t, err)
	id := snap.CallID
	transport := h.transports.last()

	h.signaling.deliver(inbound(t, domain.MessageAccept, id, nil))
	h.signaling.deliver(inbound(t, domain.MessageCandidate, id, domain.CandidatePayload{Candidate: candidate(1)}))
	h.signaling.deliver(inbound(t, domain.MessageAnswer, id, domain.AnswerPayload{
		Description: domain.SessionDescription{Type: domain.SDPAnswer, SDP: "not an sdp"},
	}))

	assert.Empty(t, transport.appliedCandidates())
	assert.Equal(t, 1, transport.closeCount())
	assert.Zero(t, h.manager.ActiveCalls())

	records := h.records.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StateError, records[0].FinalState)
	assert.Contains(t, records[0].Reason, domain.ErrMalformedDescription.Error())
}

func TestCallSession_UnexpectedAnswerFailsCall(t *testing.T) {
	h := newHarness(t)
	h.signaling.deliver(inbound(t, domain.MessageOffer, "call-1", offerPayload(domain.MediaAudio, false)))
	require.NoError(t, h.manager.AcceptCall(context.Background(), "call-1"))

	h.signaling.deliver(inbound(t, domain.MessageAnswer, "call-1", answerPayload()))

	records := h.records.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StateError, records[0].FinalState)
	assert.Contains(t, records[0].Reason, domain.ErrUnexpectedAnswer.Error())
}

func TestCallSession_StaleMessagesIgnored(t *testing.T) {
	h := newHarness(t)
	id, _ := h.connectOutgoing(t, domain.MediaAudio)

	h.signaling.deliver(inbound(t, domain.MessageEnd, "unknown-call", domain.EndPayload{}))

	spoofed := inbound(t, domain.MessageEnd, id, domain.EndPayload{})
	spoofed.From = "mallory"
	h.signaling.deliver(spoofed)

	misrouted := inbound(t, domain.MessageEnd, id, domain.EndPayload{})
	misrouted.To = "carol"
	h.signaling.deliver(misrouted)

	assert.Equal(t, domain.StateConnected, h.state(t, id))

	h.signaling.deliver(inbound(t, domain.MessageEnd, id, domain.EndPayload{Reason: "hangup"}))
	records := h.records.all()
	require.Len(t, records, 1)
	assert.Equal(t, "remote-hangup", records[0].Reason)
	assert.Empty(t, h.signaling.ofType(domain.MessageEnd), "a remote end is not echoed")
}

func TestCallSession_RemoteReasonIsCleaned(t *testing.T) {
	h := newHarness(t)
	id, _ := h.connectOutgoing(t, domain.MediaAudio)

	snap, err := h.manager.GetCall(id)
	require.NoError(t, err)
	assert.Equal(t, "00:00", snap.Elapsed)

	reason := "  gone\x07 " + strings.Repeat("x", 100)
	h.signaling.deliver(inbound(t, domain.MessageEnd, id, domain.EndPayload{Reason: reason}))

	records := h.records.all()
	require.Len(t, records, 1)
	assert.True(t, strings.HasPrefix(records[0].Reason, "remote-gone xxx"))
	assert.NotContains(t, records[0].Reason, "\x07")
	assert.Len(t, records[0].Reason, len("remote-")+maxRemoteReason)
}

func TestCallSession_ConcurrentCleanupRunsOnce(t *testing.T) {
	h := newHarness(t)
	id, transport := h.connectOutgoing(t, domain.MediaVideo)
	session, ok := h.manager.Session(id)
	require.True(t, ok)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		session.End("hangup")
	}()
	go func() {
		defer wg.Done()
		h.signaling.deliver(inbound(t, domain.MessageEnd, id, domain.EndPayload{}))
	}()
	go func() {
		defer wg.Done()
		h.manager.Close()
	}()
	wg.Wait()

	<-session.Done()
	for _, track := range h.devices.all() {
		assert.Equal(t, 1, track.Stops(), "track %s", track.ID())
	}
	assert.Equal(t, 1, transport.closeCount())
	assert.Len(t, h.events.ofType(domain.EventClosed), 1)
	assert.Len(t, h.records.all(), 1)
}

func TestCallSession_NoTimerFiresAfterEnd(t *testing.T) {
	h := newHarness(t)
	id, _ := h.connectOutgoing(t, domain.MediaAudio)

	require.Eventually(t, func() bool {
		h.clock.Add(time.Second)
		return len(h.events.ofType(domain.EventDurationTick)) > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.manager.EndCall(context.Background(), id, ""))
	ticks := len(h.events.ofType(domain.EventDurationTick))
	samples := len(h.events.ofType(domain.EventQualityUpdated))

	h.clock.Add(time.Minute)
	assert.Len(t, h.events.ofType(domain.EventDurationTick), ticks)
	assert.Len(t, h.events.ofType(domain.EventQualityUpdated), samples)
}

func TestCallSession_QualityDrivesBitrate(t *testing.T) {
	h := newHarness(t)
	id, transport := h.connectOutgoing(t, domain.MediaVideo)
	transport.setStats(domain.NetworkMetrics{
		PacketLoss:       0.2,
		Latency:          800 * time.Millisecond,
		Jitter:           200 * time.Millisecond,
		AvailableBitrate: 100,
		HasBitrate:       true,
	})

	require.Eventually(t, func() bool {
		h.clock.Add(5 * time.Second)
		return len(h.events.ofType(domain.EventBitrateChanged)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	changes := h.events.ofType(domain.EventBitrateChanged)
	assert.Equal(t, 700_000, changes[0].Bitrate)
	assert.LessOrEqual(t, h.devices.bySource(domain.SourceCamera)[0].bitrate.Load(), int64(700_000))
	assert.GreaterOrEqual(t, len(h.events.ofType(domain.EventQualityUpdated)), 2)

	snap, err := h.manager.GetCall(id)
	require.NoError(t, err)
	assert.Equal(t, domain.QualityPoor, snap.QualityLabel)
	assert.Less(t, snap.QualityScore, 50.0)
	assert.Positive(t, snap.VideoBitrate)
	assert.LessOrEqual(t, snap.VideoBitrate, 700_000)
	assert.False(t, snap.BitrateChangedAt.IsZero())
}

func TestCallSession_RemoteTracksFeedRemoteStream(t *testing.T) {
	h := newHarness(t)
	id, transport := h.connectOutgoing(t, domain.MediaVideo)
	session, ok := h.manager.Session(id)
	require.True(t, ok)

	transport.emitTrack(&fakeRemoteTrack{id: "remote-video", kind: domain.TrackVideo, packets: 3})

	require.Eventually(t, func() bool {
		packets, _ := session.RemoteStream().Stats()
		return packets == 3
	}, time.Second, 10*time.Millisecond)

	snap, err := h.manager.GetCall(id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RemoteTracks)
	assert.Len(t, h.events.ofType(domain.EventRemoteTrack), 1)
}
