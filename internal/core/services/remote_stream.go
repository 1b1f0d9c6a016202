package services

import (
	"sync"
	"sync/atomic"

	"rillcall/internal/core/ports"

	"go.uber.org/zap"
)

// RemoteStream assembles the inbound tracks of one call. It is owned by the
// session and discarded on teardown; readers stop once their track errors
// (the transport closing) or the stream is discarded.
type RemoteStream struct {
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	tracks    map[string]ports.RemoteTrack
	sinks     []ports.RTPSink
	discarded bool

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func NewRemoteStream(logger *zap.SugaredLogger) *RemoteStream {
	return &RemoteStream{
		logger: logger,
		tracks: make(map[string]ports.RemoteTrack),
	}
}

// AddTrack registers track and starts forwarding its packets to the sinks.
func (rs *RemoteStream) AddTrack(track ports.RemoteTrack) bool {
	rs.mu.Lock()
	if rs.discarded {
		rs.mu.Unlock()
		return false
	}
	rs.tracks[track.ID()] = track
	rs.mu.Unlock()

	go rs.readLoop(track)
	return true
}

// AddSink attaches a consumer (renderer, recorder, loopback).
func (rs *RemoteStream) AddSink(sink ports.RTPSink) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.sinks = append(rs.sinks, sink)
}

func (rs *RemoteStream) readLoop(track ports.RemoteTrack) {
	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			rs.logger.Debugw("remote track reader stopped",
				"track_id", track.ID(),
				"error", err,
			)
			return
		}

		rs.mu.RLock()
		if rs.discarded {
			rs.mu.RUnlock()
			return
		}
		sinks := rs.sinks
		rs.mu.RUnlock()

		rs.packets.Add(1)
		rs.bytes.Add(uint64(len(pkt.Payload)))

		for _, sink := range sinks {
			if err := sink.WriteRTP(track.ID(), pkt); err != nil {
				rs.logger.Debugw("remote sink write failed",
					"track_id", track.ID(),
					"error", err,
				)
			}
		}
	}
}

func (rs *RemoteStream) TrackCount() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.tracks)
}

// Stats returns forwarded packet and payload byte counts.
func (rs *RemoteStream) Stats() (packets, bytes uint64) {
	return rs.packets.Load(), rs.bytes.Load()
}

// Discard drops every track and sink. Safe to call more than once.
func (rs *RemoteStream) Discard() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.discarded = true
	rs.tracks = make(map[string]ports.RemoteTrack)
	rs.sinks = nil
}
