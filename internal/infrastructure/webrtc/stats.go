package webrtc

import (
	"sync"
	"time"

	"rillcall/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// statsAccumulator turns cumulative WebRTC statistics into per-interval
// network metrics. Packet loss is computed over the packets seen since the
// previous sample so a lossy burst early in a call does not linger.
type statsAccumulator struct {
	mu           sync.Mutex
	lastReceived uint64
	lastLost     int64

	// receiver report feedback about what we send
	feedbackLoss   float64
	feedbackJitter time.Duration
	feedbackRTT    time.Duration
	feedbackAt     time.Time
}

func newStatsAccumulator() *statsAccumulator {
	return &statsAccumulator{}
}

// collect reduces a stats report to one NetworkMetrics sample.
func (a *statsAccumulator) collect(report webrtc.StatsReport, now time.Time) domain.NetworkMetrics {
	metrics := domain.NetworkMetrics{Timestamp: now}

	var (
		received   uint64
		lost       int64
		jitter     float64
		remoteRTT  float64
		remoteLoss float64
		pairRTT    float64
		available  float64
		haveRemote bool
	)

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			received += uint64(st.PacketsReceived)
			lost += int64(st.PacketsLost)
			jitter = max(jitter, st.Jitter)
			metrics.BytesReceived += st.BytesReceived
		case *webrtc.InboundRTPStreamStats:
			received += uint64(st.PacketsReceived)
			lost += int64(st.PacketsLost)
			jitter = max(jitter, st.Jitter)
			metrics.BytesReceived += st.BytesReceived
		case webrtc.OutboundRTPStreamStats:
			metrics.BytesSent += st.BytesSent
		case *webrtc.OutboundRTPStreamStats:
			metrics.BytesSent += st.BytesSent
		case webrtc.RemoteInboundRTPStreamStats:
			haveRemote = true
			remoteRTT = max(remoteRTT, st.RoundTripTime)
			remoteLoss = max(remoteLoss, st.FractionLost)
		case *webrtc.RemoteInboundRTPStreamStats:
			haveRemote = true
			remoteRTT = max(remoteRTT, st.RoundTripTime)
			remoteLoss = max(remoteLoss, st.FractionLost)
		case webrtc.ICECandidatePairStats:
			if st.Nominated || st.State == webrtc.StatsICECandidatePairStateSucceeded {
				pairRTT = max(pairRTT, st.CurrentRoundTripTime)
				available = max(available, st.AvailableOutgoingBitrate)
			}
		case *webrtc.ICECandidatePairStats:
			if st.Nominated || st.State == webrtc.StatsICECandidatePairStateSucceeded {
				pairRTT = max(pairRTT, st.CurrentRoundTripTime)
				available = max(available, st.AvailableOutgoingBitrate)
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	deltaReceived := int64(received) - int64(a.lastReceived)
	deltaLost := lost - a.lastLost
	if deltaReceived < 0 || deltaLost < 0 {
		// counters restart after an ICE restart renegotiates the streams
		deltaReceived, deltaLost = int64(received), lost
	}
	a.lastReceived = received
	a.lastLost = lost

	inboundLoss := 0.0
	if total := deltaReceived + deltaLost; total > 0 && deltaLost > 0 {
		inboundLoss = float64(deltaLost) / float64(total)
	}
	metrics.PacketLoss = inboundLoss
	if haveRemote {
		metrics.PacketLoss = max(metrics.PacketLoss, remoteLoss)
	}

	metrics.Jitter = secondsToDuration(jitter)

	switch {
	case pairRTT > 0:
		metrics.Latency = secondsToDuration(pairRTT)
	case remoteRTT > 0:
		metrics.Latency = secondsToDuration(remoteRTT)
	}

	if available > 0 {
		metrics.AvailableBitrate = int(available / 1000)
		metrics.HasBitrate = true
	}

	// receiver reports fill the gaps when the report lacks remote-inbound data
	if !a.feedbackAt.IsZero() && now.Sub(a.feedbackAt) < 10*time.Second {
		metrics.PacketLoss = max(metrics.PacketLoss, a.feedbackLoss)
		metrics.Jitter = max(metrics.Jitter, a.feedbackJitter)
		if metrics.Latency == 0 {
			metrics.Latency = a.feedbackRTT
		}
	}
	return metrics
}

// observeRTCP folds receiver reports about our outbound streams into the
// accumulator and reports whether the remote asked for a keyframe.
func (a *statsAccumulator) observeRTCP(packets []rtcp.Packet, clockRate uint32, now time.Time) (keyframe bool) {
	var (
		loss   float64
		jitter time.Duration
		rtt    time.Duration
		seen   bool
	)

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				seen = true
				loss = max(loss, float64(report.FractionLost)/256.0)
				if clockRate > 0 {
					jitter = max(jitter, time.Duration(float64(report.Jitter)/float64(clockRate)*float64(time.Second)))
				}
				rtt = max(rtt, reportRTT(report, now))
			}
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			keyframe = true
		}
	}

	if seen {
		a.mu.Lock()
		a.feedbackLoss = loss
		a.feedbackJitter = jitter
		a.feedbackRTT = rtt
		a.feedbackAt = now
		a.mu.Unlock()
	}
	return keyframe
}

// reportRTT derives the round trip from a reception report as arrival minus
// LSR minus DLSR, all in compact NTP units. Zero when the remote has not
// seen a sender report yet or the clocks disagree.
func reportRTT(report rtcp.ReceptionReport, arrival time.Time) time.Duration {
	if report.LastSenderReport == 0 {
		return 0
	}
	elapsed := compactNTP(arrival) - report.LastSenderReport
	if elapsed <= report.Delay || elapsed > 60*65536 {
		return 0
	}
	return time.Duration(elapsed-report.Delay) * time.Second / 65536
}

// compactNTP returns the middle 32 bits of the NTP timestamp of t.
func compactNTP(t time.Time) uint32 {
	const unixToNTP = 2208988800 // seconds from 1900 to 1970

	secs := uint64(t.Unix()) + unixToNTP
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return uint32(secs<<16 | frac>>16)
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
