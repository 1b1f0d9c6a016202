package services

import (
	"sync"

	"rillcall/internal/core/domain"
)

// CandidateQueue buffers remote ICE candidates that arrive before the remote
// description is applied. Once Drain has handed every buffered candidate to
// apply, the queue opens and Offer reports false so callers apply directly.
type CandidateQueue struct {
	mu      sync.Mutex
	pending []domain.ICECandidate
	open    bool
	closed  bool
}

func NewCandidateQueue() *CandidateQueue {
	return &CandidateQueue{}
}

// Offer buffers c and returns true while the queue is not yet open.
func (q *CandidateQueue) Offer(c domain.ICECandidate) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return true // swallowed
	}
	if q.open {
		return false
	}
	q.pending = append(q.pending, c)
	return true
}

// Drain applies buffered candidates in arrival order, exactly once each.
// Candidates offered while draining are picked up before the queue opens.
func (q *CandidateQueue) Drain(apply func(domain.ICECandidate)) int {
	applied := 0
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return applied
		}
		batch := q.pending
		q.pending = nil
		if len(batch) == 0 {
			q.open = true
			q.mu.Unlock()
			return applied
		}
		q.mu.Unlock()

		for _, c := range batch {
			apply(c)
			applied++
		}
	}
}

func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Discard drops buffered candidates and swallows any later ones.
func (q *CandidateQueue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.pending)
	q.pending = nil
	q.closed = true
	return dropped
}
