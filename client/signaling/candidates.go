package signaling

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	ErrQueueFlushed = errors.New("signaling: candidate queue already flushed")
	ErrQueueClosed  = errors.New("signaling: candidate queue discarded")
)

// CandidateQueue holds remote ICE candidates that arrive before the peer
// session has a remote description. It belongs to one call.
//
// Every offered candidate reaches apply exactly once, in arrival order, and
// never before Flush.
type CandidateQueue struct {
	mu      sync.Mutex
	apply   func(webrtc.ICECandidateInit) error
	pending []webrtc.ICECandidateInit
	flushed bool
	closed  bool
}

// NewCandidateQueue creates a queue that hands candidates to apply.
func NewCandidateQueue(apply func(webrtc.ICECandidateInit) error) *CandidateQueue {
	return &CandidateQueue{apply: apply}
}

// Offer applies c right away when the remote description is set, otherwise
// queues it. Offers after Discard are dropped.
func (q *CandidateQueue) Offer(c webrtc.ICECandidateInit) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if !q.flushed {
		q.pending = append(q.pending, c)
		return nil
	}
	return q.apply(c)
}

// Flush marks the remote description as set and applies everything queued.
// It may run once. If a candidate fails, the rest are dropped and the queue
// refuses further offers.
func (q *CandidateQueue) Flush() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	if q.flushed {
		return 0, ErrQueueFlushed
	}
	q.flushed = true

	pending := q.pending
	q.pending = nil
	for i, c := range pending {
		if err := q.apply(c); err != nil {
			q.closed = true
			return i, err
		}
	}
	return len(pending), nil
}

// Discard drops queued candidates and closes the queue.
func (q *CandidateQueue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.closed = true
}

// Len returns the number of queued candidates.
func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
