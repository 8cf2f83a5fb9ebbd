package signaling

import (
	"errors"
	"slices"
	"testing"

	"github.com/pion/webrtc/v4"
)

type applyLog struct {
	hasRemote bool
	applied   []string
	failOn    string
}

func (a *applyLog) apply(c webrtc.ICECandidateInit) error {
	if !a.hasRemote {
		return errNoRemoteDescription
	}
	if c.Candidate == a.failOn {
		return errors.New("malformed candidate")
	}
	a.applied = append(a.applied, c.Candidate)
	return nil
}

func cand(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestCandidateQueueOrderingAcrossFlush(t *testing.T) {
	tests := []struct {
		name   string
		before []string
		after  []string
	}{
		{name: "all before", before: []string{"c1", "c2", "c3"}},
		{name: "all after", after: []string{"c1", "c2"}},
		{name: "mixed", before: []string{"c1", "c2"}, after: []string{"c3", "c4"}},
		{name: "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &applyLog{}
			q := NewCandidateQueue(log.apply)

			for _, c := range tt.before {
				if err := q.Offer(cand(c)); err != nil {
					t.Fatalf("offer %s: %v", c, err)
				}
			}
			if len(log.applied) != 0 {
				t.Fatalf("applied before flush: %v", log.applied)
			}
			if q.Len() != len(tt.before) {
				t.Fatalf("queued %d, want %d", q.Len(), len(tt.before))
			}

			log.hasRemote = true
			n, err := q.Flush()
			if err != nil {
				t.Fatalf("flush: %v", err)
			}
			if n != len(tt.before) {
				t.Errorf("flushed %d, want %d", n, len(tt.before))
			}

			for _, c := range tt.after {
				if err := q.Offer(cand(c)); err != nil {
					t.Fatalf("offer %s: %v", c, err)
				}
			}

			want := append(slices.Clone(tt.before), tt.after...)
			if !slices.Equal(log.applied, want) {
				t.Errorf("applied %v, want %v", log.applied, want)
			}
			if q.Len() != 0 {
				t.Errorf("queue not empty after flush: %d", q.Len())
			}
		})
	}
}

func TestCandidateQueueFlushesOnce(t *testing.T) {
	log := &applyLog{}
	q := NewCandidateQueue(log.apply)
	_ = q.Offer(cand("c1"))

	log.hasRemote = true
	if _, err := q.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := q.Flush(); !errors.Is(err, ErrQueueFlushed) {
		t.Errorf("second flush: got %v", err)
	}
	if !slices.Equal(log.applied, []string{"c1"}) {
		t.Errorf("applied %v", log.applied)
	}
}

func TestCandidateQueueDiscard(t *testing.T) {
	log := &applyLog{}
	q := NewCandidateQueue(log.apply)
	_ = q.Offer(cand("c1"))

	q.Discard()
	if q.Len() != 0 {
		t.Errorf("discard left %d candidates", q.Len())
	}
	if err := q.Offer(cand("c2")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("offer after discard: got %v", err)
	}
	log.hasRemote = true
	if _, err := q.Flush(); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("flush after discard: got %v", err)
	}
	if len(log.applied) != 0 {
		t.Errorf("discarded candidates were applied: %v", log.applied)
	}
}

func TestCandidateQueueFlushStopsAtFailure(t *testing.T) {
	log := &applyLog{failOn: "bad"}
	q := NewCandidateQueue(log.apply)
	for _, c := range []string{"c1", "bad", "c3"} {
		_ = q.Offer(cand(c))
	}

	log.hasRemote = true
	n, err := q.Flush()
	if err == nil {
		t.Fatal("expected flush error")
	}
	if n != 1 || !slices.Equal(log.applied, []string{"c1"}) {
		t.Errorf("applied %v (n=%d)", log.applied, n)
	}
	if err := q.Offer(cand("c4")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("offer after failed flush: got %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := [][2]State{
		{StateIdle, StateOutgoingRinging},
		{StateIdle, StateIncomingRinging},
		{StateOutgoingRinging, StateNegotiating},
		{StateIncomingRinging, StateNegotiating},
		{StateNegotiating, StateConnected},
		{StateConnected, StateEnded},
		{StateIdle, StateEnded},
	}
	for _, p := range allowed {
		if !CanTransition(p[0], p[1]) {
			t.Errorf("%s → %s should be allowed", p[0], p[1])
		}
	}

	denied := [][2]State{
		{StateIdle, StateConnected},
		{StateOutgoingRinging, StateConnected},
		{StateIncomingRinging, StateOutgoingRinging},
		{StateEnded, StateIdle},
		{StateEnded, StateNegotiating},
		{StateConnected, StateNegotiating},
	}
	for _, p := range denied {
		if CanTransition(p[0], p[1]) {
			t.Errorf("%s → %s should be denied", p[0], p[1])
		}
	}

	c := Call{State: StateEnded}
	if err := c.transition(StateIdle); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("transition out of ended: got %v", err)
	}
}
