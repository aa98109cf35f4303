package eventlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/crewrun/crewd/pkg/events"
	"github.com/crewrun/crewd/pkg/models"
)

// MemoryStore is an in-process events.Store with Redis-Streams-like
// semantics: per-run insertion order, monotonic message IDs of the form
// "<n>-0", "-"/"+" range sentinels and "(" exclusive starts. Used by tests
// and by deployments without a Redis backend.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[int64]*memoryLog
}

type memoryLog struct {
	entries []events.Entry
	index   map[string]int // message ID → position
	next    int64
	expiry  time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[int64]*memoryLog)}
}

// Append stores one event and returns its message ID.
func (s *MemoryStore) Append(_ context.Context, event models.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[event.RunID]
	if !ok {
		log = &memoryLog{index: make(map[string]int)}
		s.logs[event.RunID] = log
	}

	log.next++
	id := fmt.Sprintf("%d-0", log.next)
	log.index[id] = len(log.entries)
	log.entries = append(log.entries, events.Entry{ID: id, Event: event})
	return id, nil
}

// Range scans a run's log between two message IDs.
func (s *MemoryStore) Range(_ context.Context, runID int64, startID, endID string, limit int) ([]events.Entry, bool, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[runID]
	if !ok {
		return nil, false, "", nil
	}

	start := 0
	switch {
	case startID == "" || startID == "-":
	case strings.HasPrefix(startID, "("):
		pos, ok := log.index[strings.TrimPrefix(startID, "(")]
		if !ok {
			return nil, false, "", fmt.Errorf("unknown start id %q for run %d", startID, runID)
		}
		start = pos + 1
	default:
		pos, ok := log.index[startID]
		if !ok {
			return nil, false, "", fmt.Errorf("unknown start id %q for run %d", startID, runID)
		}
		start = pos
	}

	end := len(log.entries) - 1
	if endID != "" && endID != "+" {
		pos, ok := log.index[endID]
		if !ok {
			return nil, false, "", fmt.Errorf("unknown end id %q for run %d", endID, runID)
		}
		end = pos
	}

	if start > end {
		return nil, false, "", nil
	}

	window := log.entries[start : end+1]
	hasMore := len(window) > limit
	if hasMore {
		window = window[:limit]
	}

	entries := make([]events.Entry, len(window))
	copy(entries, window)

	nextID := ""
	if hasMore {
		nextID = "(" + entries[len(entries)-1].ID
	}
	return entries, hasMore, nextID, nil
}

// SetTTL records the expiry instant; entries past it are dropped lazily.
func (s *MemoryStore) SetTTL(_ context.Context, runID int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok := s.logs[runID]; ok {
		log.expiry = time.Now().Add(ttl)
	}
	return nil
}

// Sweep removes logs whose TTL has elapsed. Deployments using the memory
// store call this periodically; tests call it directly.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for runID, log := range s.logs {
		if !log.expiry.IsZero() && now.After(log.expiry) {
			delete(s.logs, runID)
			removed++
		}
	}
	return removed
}
