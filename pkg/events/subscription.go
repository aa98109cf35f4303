package events

import (
	"sync"

	"github.com/crewrun/crewd/pkg/models"
)

// Subscription is a live subscriber handle. Events arrive in sequence order
// on the channel returned by Events. When the buffer is full the oldest
// buffered event is dropped so the producer never blocks; Dropped reports
// how many events were lost that way.
type Subscription struct {
	runID int64
	ch    chan models.Event

	mu      sync.Mutex
	dropped int64
	closed  bool
}

func newSubscription(runID int64, bufferSize int) *Subscription {
	return &Subscription{
		runID: runID,
		ch:    make(chan models.Event, bufferSize),
	}
}

// RunID returns the run this subscription is attached to.
func (s *Subscription) RunID() int64 { return s.runID }

// Events returns the receive channel. It is closed when the run settles or
// the subscription is removed via Bus.Unsubscribe.
func (s *Subscription) Events() <-chan models.Event { return s.ch }

// Dropped returns the number of events discarded under back-pressure.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// push enqueues an event, evicting the oldest buffered event when full.
// Called with the run port lock held, so there is a single producer; the
// consumer may race the eviction, in which case the second send attempt
// finds room or the event counts as dropped.
func (s *Subscription) push(event models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- event:
		return
	default:
	}

	// Buffer full: evict the oldest, then retry once.
	select {
	case <-s.ch:
		s.dropped++
	default:
	}
	select {
	case s.ch <- event:
	default:
		s.dropped++
	}
}

// close terminates the event channel. Idempotent.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
