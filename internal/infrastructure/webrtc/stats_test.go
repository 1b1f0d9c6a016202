package webrtc

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inbound(received uint32, lost int32) webrtc.InboundRTPStreamStats {
	return webrtc.InboundRTPStreamStats{
		Type:            webrtc.StatsTypeInboundRTP,
		PacketsReceived: received,
		PacketsLost:     lost,
		Jitter:          0.03,
		BytesReceived:   1200,
	}
}

func TestStatsAccumulator_LossIsPerInterval(t *testing.T) {
	acc := newStatsAccumulator()
	now := time.Now()

	m := acc.collect(webrtc.StatsReport{"in": inbound(90, 10)}, now)
	assert.InDelta(t, 0.1, m.PacketLoss, 1e-9)
	assert.InDelta(t, float64(30*time.Millisecond), float64(m.Jitter), float64(time.Microsecond))
	assert.Equal(t, uint64(1200), m.BytesReceived)

	// no new loss in the second interval
	m = acc.collect(webrtc.StatsReport{"in": inbound(190, 10)}, now.Add(5*time.Second))
	assert.Zero(t, m.PacketLoss)

	// counters restarted
	m = acc.collect(webrtc.StatsReport{"in": inbound(50, 50)}, now.Add(10*time.Second))
	assert.InDelta(t, 0.5, m.PacketLoss, 1e-9)
}

func TestStatsAccumulator_PrefersCandidatePairRTT(t *testing.T) {
	acc := newStatsAccumulator()

	report := webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			Type:                     webrtc.StatsTypeCandidatePair,
			Nominated:                true,
			CurrentRoundTripTime:     0.05,
			AvailableOutgoingBitrate: 800_000,
		},
		"remote": webrtc.RemoteInboundRTPStreamStats{
			Type:          webrtc.StatsTypeRemoteInboundRTP,
			RoundTripTime: 0.2,
			FractionLost:  0.04,
		},
		"out": webrtc.OutboundRTPStreamStats{
			Type:      webrtc.StatsTypeOutboundRTP,
			BytesSent: 4096,
		},
	}

	m := acc.collect(report, time.Now())
	assert.InDelta(t, float64(50*time.Millisecond), float64(m.Latency), float64(time.Microsecond))
	assert.Equal(t, 800, m.AvailableBitrate)
	assert.True(t, m.HasBitrate)
	assert.InDelta(t, 0.04, m.PacketLoss, 1e-9)
	assert.Equal(t, uint64(4096), m.BytesSent)
}

func TestStatsAccumulator_IgnoresUnselectedPairs(t *testing.T) {
	acc := newStatsAccumulator()

	report := webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			Type:                 webrtc.StatsTypeCandidatePair,
			State:                webrtc.StatsICECandidatePairStateWaiting,
			CurrentRoundTripTime: 0.5,
		},
		"remote": webrtc.RemoteInboundRTPStreamStats{
			Type:          webrtc.StatsTypeRemoteInboundRTP,
			RoundTripTime: 0.12,
		},
	}

	m := acc.collect(report, time.Now())
	assert.InDelta(t, float64(120*time.Millisecond), float64(m.Latency), float64(time.Microsecond))
	assert.Zero(t, m.AvailableBitrate)
	assert.False(t, m.HasBitrate)
}

func TestStatsAccumulator_ReceiverReportFeedback(t *testing.T) {
	acc := newStatsAccumulator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// our sender report left 150ms ago and the remote held it for 50ms
	keyframe := acc.observeRTCP([]rtcp.Packet{
		&rtcp.ReceiverReport{
			Reports: []rtcp.ReceptionReport{{
				SSRC:             1,
				FractionLost:     64,
				Jitter:           900,
				LastSenderReport: compactNTP(now.Add(-150 * time.Millisecond)),
				Delay:            3277,
			}},
		},
	}, 90000, now)
	assert.False(t, keyframe)

	m := acc.collect(webrtc.StatsReport{}, now.Add(time.Second))
	assert.InDelta(t, 0.25, m.PacketLoss, 1e-9)
	assert.InDelta(t, float64(10*time.Millisecond), float64(m.Jitter), float64(time.Microsecond))
	assert.InDelta(t, float64(100*time.Millisecond), float64(m.Latency), float64(time.Millisecond))
	assert.False(t, m.HasBitrate)

	// stale feedback is dropped
	m = acc.collect(webrtc.StatsReport{}, now.Add(11*time.Second))
	assert.Zero(t, m.PacketLoss)
	assert.Zero(t, m.Latency)
}

func TestReportRTT(t *testing.T) {
	arrival := time.Date(2026, 3, 1, 12, 0, 0, 250_000_000, time.UTC)

	assert.Equal(t, uint32(65536), compactNTP(arrival.Add(time.Second))-compactNTP(arrival))

	tests := []struct {
		name   string
		report rtcp.ReceptionReport
		want   time.Duration
	}{
		{
			name:   "no sender report seen",
			report: rtcp.ReceptionReport{Delay: 6554},
		},
		{
			name:   "delay is subtracted",
			report: rtcp.ReceptionReport{LastSenderReport: compactNTP(arrival.Add(-400 * time.Millisecond)), Delay: 6554},
			want:   300 * time.Millisecond,
		},
		{
			name:   "immediate reply",
			report: rtcp.ReceptionReport{LastSenderReport: compactNTP(arrival.Add(-80 * time.Millisecond))},
			want:   80 * time.Millisecond,
		},
		{
			name:   "delay longer than elapsed",
			report: rtcp.ReceptionReport{LastSenderReport: compactNTP(arrival.Add(-50 * time.Millisecond)), Delay: 6554},
		},
		{
			name:   "report from the future",
			report: rtcp.ReceptionReport{LastSenderReport: compactNTP(arrival.Add(time.Second))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, float64(tt.want), float64(reportRTT(tt.report, arrival)), float64(time.Millisecond))
		})
	}
}

func TestStatsAccumulator_KeyFrameRequests(t *testing.T) {
	acc := newStatsAccumulator()

	require.True(t, acc.observeRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: 7}}, 90000, time.Now()))
	require.True(t, acc.observeRTCP([]rtcp.Packet{&rtcp.FullIntraRequest{MediaSSRC: 7}}, 90000, time.Now()))
	assert.False(t, acc.observeRTCP([]rtcp.Packet{&rtcp.SenderReport{SSRC: 7}}, 90000, time.Now()))
}
