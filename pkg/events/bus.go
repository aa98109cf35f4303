package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/crewrun/crewd/pkg/models"
)

// DefaultSubscriberBuffer is the per-subscriber buffer size used when the
// caller passes a non-positive value to Subscribe.
const DefaultSubscriberBuffer = 1024

// ErrRunClosed is returned by Subscribe when the run has already settled
// (or was never opened). Callers should fall back to replay from the Store.
var ErrRunClosed = errors.New("events: run port is closed")

// Bus is the single chokepoint through which all run events flow. It assigns
// per-run monotonic sequences, stamps wall-clock timestamps, appends to the
// durable Store and fans out to live subscribers.
//
// Publish is safe to call from any goroutine; sequence assignment and fan-out
// for one run are serialized under that run's port lock, which is what makes
// the per-run ordering guarantee meaningful across concurrent agents.
type Bus struct {
	store Store

	mu    sync.RWMutex
	ports map[int64]*runPort
}

// runPort holds the mutable per-run state of the bus.
type runPort struct {
	mu     sync.Mutex
	seq    int64
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates a Bus backed by the given durable store.
func NewBus(store Store) *Bus {
	return &Bus{
		store: store,
		ports: make(map[int64]*runPort),
	}
}

// OpenRun creates the sequencing port for a run. Must be called before the
// first Publish for that run. Reopening an existing run is a no-op.
func (b *Bus) OpenRun(runID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ports[runID]; !ok {
		b.ports[runID] = &runPort{subs: make(map[*Subscription]struct{})}
	}
}

// Publish accepts an event, assigns the next sequence for the run and hands
// it to the durable store and every live subscriber. It returns the assigned
// sequence for correlation.
//
// Store failures are logged and reported as a system.error event to live
// subscribers; they never fail the publish itself, since the live stream must
// not stall because of durable-log trouble.
func (b *Bus) Publish(ctx context.Context, runID int64, source models.Source, kind models.EventKind, data map[string]any) int64 {
	port := b.port(runID)
	if port == nil {
		slog.Warn("Publish on unknown run dropped", "run_id", runID, "event", kind.String())
		return 0
	}

	port.mu.Lock()
	defer port.mu.Unlock()
	if port.closed {
		slog.Warn("Publish on settled run dropped", "run_id", runID, "event", kind.String())
		return 0
	}

	event := b.emitLocked(ctx, port, runID, source, kind, data, true)
	return event.Sequence
}

// emitLocked sequences and fans out one event. Caller holds port.mu.
func (b *Bus) emitLocked(ctx context.Context, port *runPort, runID int64, source models.Source, kind models.EventKind, data map[string]any, persist bool) models.Event {
	port.seq++
	event := models.Event{
		RunID:     runID,
		Sequence:  port.seq,
		Timestamp: models.Now(),
		Source:    source,
		Event:     kind,
		Data:      data,
	}

	var appendErr error
	if persist && b.store != nil {
		if _, err := b.store.Append(ctx, event); err != nil {
			appendErr = err
			slog.Error("Durable event append failed",
				"run_id", runID, "sequence", event.Sequence, "error", err)
		}
	}

	for sub := range port.subs {
		sub.push(event)
	}

	if appendErr != nil {
		// Surface the sink failure to live subscribers after the event that
		// triggered it, keeping fan-out in sequence order. The error event
		// itself is not persisted; the store just failed.
		b.emitLocked(ctx, port, runID, models.SystemSource(runID),
			models.EventKind{Category: models.CategorySystem, Action: models.ActionError},
			map[string]any{"error": "event store append failed: " + appendErr.Error()}, false)
	}
	return event
}

// Subscribe registers a live subscriber for a run with a bounded buffer.
// The returned subscription yields events in sequence order until the run
// settles or Unsubscribe is called. bufferSize <= 0 selects the default.
func (b *Bus) Subscribe(runID int64, bufferSize int) (*Subscription, error) {
	port := b.port(runID)
	if port == nil {
		return nil, ErrRunClosed
	}
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}

	port.mu.Lock()
	defer port.mu.Unlock()
	if port.closed {
		return nil, ErrRunClosed
	}

	sub := newSubscription(runID, bufferSize)
	port.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe detaches a subscriber and closes its event channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	port := b.port(sub.runID)
	if port == nil {
		sub.close()
		return
	}
	port.mu.Lock()
	delete(port.subs, sub)
	port.mu.Unlock()
	sub.close()
}

// CloseRun settles a run's port: subscriber streams terminate and any later
// Publish for the run is dropped. The port's final sequence is returned.
func (b *Bus) CloseRun(runID int64) int64 {
	port := b.port(runID)
	if port == nil {
		return 0
	}

	port.mu.Lock()
	port.closed = true
	subs := make([]*Subscription, 0, len(port.subs))
	for sub := range port.subs {
		subs = append(subs, sub)
	}
	port.subs = make(map[*Subscription]struct{})
	seq := port.seq
	port.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	b.mu.Lock()
	delete(b.ports, runID)
	b.mu.Unlock()
	return seq
}

func (b *Bus) port(runID int64) *runPort {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ports[runID]
}
