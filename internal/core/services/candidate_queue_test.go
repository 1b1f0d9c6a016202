package services

import (
	"testing"

	"rillcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestCandidateQueue_DrainPreservesOrder(t *testing.T) {
	q := NewCandidateQueue()

	for i := 1; i <= 5; i++ {
		assert.True(t, q.Offer(candidate(i)))
	}
	assert.Equal(t, 5, q.Len())

	var applied []domain.ICECandidate
	n := q.Drain(func(c domain.ICECandidate) { applied = append(applied, c) })

	assert.Equal(t, 5, n)
	assert.Equal(t, []domain.ICECandidate{candidate(1), candidate(2), candidate(3), candidate(4), candidate(5)}, applied)
	assert.Zero(t, q.Len())

	// once open, callers apply directly and a second drain is empty
	assert.False(t, q.Offer(candidate(6)))
	assert.Zero(t, q.Drain(func(domain.ICECandidate) { t.Fatal("nothing left to apply") }))
}

func TestCandidateQueue_OfferDuringDrain(t *testing.T) {
	q := NewCandidateQueue()
	q.Offer(candidate(1))

	var applied []domain.ICECandidate
	q.Drain(func(c domain.ICECandidate) {
		applied = append(applied, c)
		if len(applied) == 1 {
			assert.True(t, q.Offer(candidate(2)), "queue stays closed until empty")
		}
	})

	assert.Equal(t, []domain.ICECandidate{candidate(1), candidate(2)}, applied)
}

func TestCandidateQueue_Discard(t *testing.T) {
	q := NewCandidateQueue()
	q.Offer(candidate(1))
	q.Offer(candidate(2))

	assert.Equal(t, 2, q.Discard())
	assert.True(t, q.Offer(candidate(3)), "later candidates are swallowed")
	assert.Zero(t, q.Drain(func(domain.ICECandidate) { t.Fatal("discarded queue must not apply") }))
	assert.Zero(t, q.Discard())
}
