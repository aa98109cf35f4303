package eventlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewrun/crewd/pkg/models"
)

func appendEvents(t *testing.T, store *MemoryStore, runID int64, count int) {
	t.Helper()
	for i := 1; i <= count; i++ {
		event := models.Event{
			RunID:     runID,
			Sequence:  int64(i),
			Timestamp: models.Now(),
			Source:    models.SystemSource(runID),
			Event:     models.EventKind{Category: models.CategoryLLM, Action: models.ActionStream},
			Data:      map[string]any{"content": fmt.Sprintf("chunk %d", i)},
		}
		id, err := store.Append(context.Background(), event)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d-0", i), id)
	}
}

func TestMemoryStoreRangeFull(t *testing.T) {
	store := NewMemoryStore()
	appendEvents(t, store, 1, 5)

	entries, hasMore, nextID, err := store.Range(context.Background(), 1, "-", "+", 100)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Empty(t, nextID)
	require.Len(t, entries, 5)
	assert.Equal(t, "1-0", entries[0].ID)
	assert.Equal(t, int64(5), entries[4].Event.Sequence)
}

func TestMemoryStoreRangePagination(t *testing.T) {
	store := NewMemoryStore()
	appendEvents(t, store, 1, 7)

	var all []string
	startID := "-"
	pages := 0
	for {
		entries, hasMore, nextID, err := store.Range(context.Background(), 1, startID, "+", 3)
		require.NoError(t, err)
		for _, entry := range entries {
			all = append(all, entry.ID)
		}
		pages++
		if !hasMore {
			break
		}
		// The next page starts exclusively after the last delivered entry.
		assert.Equal(t, "("+entries[len(entries)-1].ID, nextID)
		startID = nextID
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"1-0", "2-0", "3-0", "4-0", "5-0", "6-0", "7-0"}, all)
}

func TestMemoryStoreRangeBounds(t *testing.T) {
	store := NewMemoryStore()
	appendEvents(t, store, 1, 5)

	entries, hasMore, _, err := store.Range(context.Background(), 1, "2-0", "4-0", 100)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, entries, 3)
	assert.Equal(t, "2-0", entries[0].ID)
	assert.Equal(t, "4-0", entries[2].ID)

	// Exclusive start skips the boundary entry.
	entries, _, _, err = store.Range(context.Background(), 1, "(2-0", "+", 100)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "3-0", entries[0].ID)
}

func TestMemoryStoreRangeUnknownRun(t *testing.T) {
	store := NewMemoryStore()

	entries, hasMore, nextID, err := store.Range(context.Background(), 42, "-", "+", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.False(t, hasMore)
	assert.Empty(t, nextID)
}

func TestMemoryStoreRangeUnknownID(t *testing.T) {
	store := NewMemoryStore()
	appendEvents(t, store, 1, 2)

	_, _, _, err := store.Range(context.Background(), 1, "9-0", "+", 10)
	assert.Error(t, err)
}

func TestMemoryStoreTTLSweep(t *testing.T) {
	store := NewMemoryStore()
	appendEvents(t, store, 1, 3)
	appendEvents(t, store, 2, 3)

	require.NoError(t, store.SetTTL(context.Background(), 1, time.Minute))

	// Run 1 expires; run 2 never had a TTL armed and survives.
	removed := store.Sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 1, removed)

	entries, _, _, err := store.Range(context.Background(), 1, "-", "+", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, _, _, err = store.Range(context.Background(), 2, "-", "+", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
