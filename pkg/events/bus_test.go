package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewrun/crewd/pkg/models"
)

func testKind() models.EventKind {
	return models.EventKind{Category: models.CategoryLLM, Action: models.ActionStream}
}

func TestBusPublishAssignsMonotonicSequences(t *testing.T) {
	bus := NewBus(nil)
	bus.OpenRun(1)

	source := models.SystemSource(1)
	for i := 1; i <= 5; i++ {
		seq := bus.Publish(context.Background(), 1, source, testKind(), nil)
		assert.Equal(t, int64(i), seq)
	}
}

func TestBusConcurrentPublishGapless(t *testing.T) {
	bus := NewBus(nil)
	bus.OpenRun(7)

	sub, err := bus.Subscribe(7, 4096)
	require.NoError(t, err)

	const goroutines = 8
	const perGoroutine = 50

	var wg sync.WaitGroup
	source := models.SystemSource(7)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				bus.Publish(context.Background(), 7, source, testKind(), nil)
			}
		}()
	}
	wg.Wait()
	bus.CloseRun(7)

	seen := make(map[int64]bool)
	var last int64
	for event := range sub.Events() {
		assert.Greater(t, event.Sequence, last, "events must arrive in sequence order")
		last = event.Sequence
		seen[event.Sequence] = true
	}

	require.Len(t, seen, goroutines*perGoroutine)
	for i := int64(1); i <= goroutines*perGoroutine; i++ {
		assert.True(t, seen[i], "sequence %d missing", i)
	}
}

func TestBusSubscriberDropOldest(t *testing.T) {
	bus := NewBus(nil)
	bus.OpenRun(2)

	sub, err := bus.Subscribe(2, 3)
	require.NoError(t, err)

	source := models.SystemSource(2)
	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), 2, source, testKind(), nil)
	}
	bus.CloseRun(2)

	var received []int64
	for event := range sub.Events() {
		received = append(received, event.Sequence)
	}

	// The newest events survive; the oldest were evicted.
	require.Len(t, received, 3)
	assert.Equal(t, []int64{8, 9, 10}, received)
	assert.Equal(t, int64(7), sub.Dropped())
}

func TestBusSubscribeClosedRun(t *testing.T) {
	bus := NewBus(nil)
	bus.OpenRun(3)
	bus.CloseRun(3)

	_, err := bus.Subscribe(3, 0)
	assert.ErrorIs(t, err, ErrRunClosed)

	_, err = bus.Subscribe(99, 0)
	assert.ErrorIs(t, err, ErrRunClosed)
}

func TestBusPublishAfterCloseDropped(t *testing.T) {
	bus := NewBus(nil)
	bus.OpenRun(4)

	final := bus.CloseRun(4)
	assert.Equal(t, int64(0), final)

	seq := bus.Publish(context.Background(), 4, models.SystemSource(4), testKind(), nil)
	assert.Equal(t, int64(0), seq)
}

func TestBusCloseRunTerminatesSubscribers(t *testing.T) {
	bus := NewBus(nil)
	bus.OpenRun(5)

	sub, err := bus.Subscribe(5, 0)
	require.NoError(t, err)

	bus.Publish(context.Background(), 5, models.SystemSource(5), testKind(), nil)
	final := bus.CloseRun(5)
	assert.Equal(t, int64(1), final)

	event, ok := <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, int64(1), event.Sequence)

	_, ok = <-sub.Events()
	assert.False(t, ok, "channel must close when the run settles")
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	bus.OpenRun(6)

	sub, err := bus.Subscribe(6, 0)
	require.NoError(t, err)
	bus.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// The run keeps sequencing after the subscriber left.
	seq := bus.Publish(context.Background(), 6, models.SystemSource(6), testKind(), nil)
	assert.Equal(t, int64(1), seq)
}

func TestBusStoreFailureEmitsSystemError(t *testing.T) {
	store := &failingStore{err: errors.New("redis gone")}
	bus := NewBus(store)
	bus.OpenRun(8)

	sub, err := bus.Subscribe(8, 0)
	require.NoError(t, err)

	seq := bus.Publish(context.Background(), 8, models.SystemSource(8), testKind(), map[string]any{"content": "hi"})
	assert.Equal(t, int64(1), seq)
	bus.CloseRun(8)

	var kinds []string
	for event := range sub.Events() {
		kinds = append(kinds, event.Event.String())
	}
	// The original event still fans out, followed by the store-failure report.
	require.Len(t, kinds, 2)
	assert.Equal(t, "llm.stream", kinds[0])
	assert.Equal(t, "system.error", kinds[1])
}

type failingStore struct{ err error }

func (s *failingStore) Append(context.Context, models.Event) (string, error) { return "", s.err }
func (s *failingStore) Range(context.Context, int64, string, string, int) ([]Entry, bool, string, error) {
	return nil, false, "", nil
}
func (s *failingStore) SetTTL(context.Context, int64, time.Duration) error { return nil }
