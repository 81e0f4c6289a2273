package lci

import (
	"context"
	"sync"
)

// Sync is a blocking handoff that becomes ready after Threshold signals. With
// the default threshold of one it is a single-slot full/empty flag.
type Sync struct {
	refTracker
	threshold int
	mu        sync.Mutex
	reqs      []Request
	ready     chan struct{}
}

// NewSync returns an empty synchronizer. A threshold below one means one.
func NewSync(threshold int) *Sync {
	if threshold < 1 {
		threshold = 1
	}
	return &Sync{
		threshold: threshold,
		reqs:      make([]Request, 0, threshold),
		ready:     make(chan struct{}),
	}
}

// Threshold returns the number of signals that make the synchronizer ready.
func (s *Sync) Threshold() int {
	return s.threshold
}

// Signal fills one slot and wakes waiters once all slots are full. Signals past
// the threshold before the slots are consumed return ErrSyncOverflow.
func (s *Sync) Signal(req Request) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) >= s.threshold {
		return ErrSyncOverflow
	}
	s.reqs = append(s.reqs, req)
	if len(s.reqs) == s.threshold {
		close(s.ready)
	}
	return nil
}

// Test reports whether the synchronizer is ready without consuming it.
func (s *Sync) Test() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs) == s.threshold
}

// Poll consumes the records if the synchronizer is ready.
func (s *Sync) Poll() ([]Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) < s.threshold {
		return nil, false
	}
	return s.consumeLocked(), true
}

// Wait blocks until the synchronizer is ready, then consumes and returns the
// records. Only one of several concurrent waiters receives each batch.
func (s *Sync) Wait(ctx context.Context) ([]Request, error) {
	for {
		s.mu.Lock()
		if len(s.reqs) == s.threshold {
			out := s.consumeLocked()
			s.mu.Unlock()
			return out, nil
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Sync) consumeLocked() []Request {
	out := s.reqs
	s.reqs = make([]Request, 0, s.threshold)
	s.ready = make(chan struct{})
	return out
}
