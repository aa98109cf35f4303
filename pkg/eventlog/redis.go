// Package eventlog provides durable event log backends for the run executor.
//
// The production backend is Redis Streams: one stream per run, XADD for
// appends (monotonic message IDs), XRANGE for replay scans, and EXPIRE for
// settlement TTL. An in-memory backend with the same semantics backs tests
// and single-process deployments.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crewrun/crewd/pkg/events"
	"github.com/crewrun/crewd/pkg/models"
)

// streamKeyPrefix namespaces run log streams in Redis.
const streamKeyPrefix = "crewd:runlog:"

// RedisStore is an events.Store backed by Redis Streams.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// StreamKey returns the Redis key holding a run's event stream.
func StreamKey(runID int64) string {
	return fmt.Sprintf("%s%d", streamKeyPrefix, runID)
}

// Append stores one event with XADD and returns the stream message ID.
func (s *RedisStore) Append(ctx context.Context, event models.Event) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(event.RunID),
		Values: map[string]any{"event": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd run %d: %w", event.RunID, err)
	}
	return id, nil
}

// Range scans a run's stream between two message IDs. startID may carry the
// "(" exclusive prefix (Redis understands it natively since 6.2).
func (s *RedisStore) Range(ctx context.Context, runID int64, startID, endID string, limit int) ([]events.Entry, bool, string, error) {
	if startID == "" {
		startID = "-"
	}
	if endID == "" {
		endID = "+"
	}

	// Fetch one extra message to detect whether another page exists.
	msgs, err := s.client.XRangeN(ctx, StreamKey(runID), startID, endID, int64(limit)+1).Result()
	if err != nil {
		return nil, false, "", fmt.Errorf("xrange run %d: %w", runID, err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	entries := make([]events.Entry, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			return nil, false, "", fmt.Errorf("run %d message %s has no event payload", runID, msg.ID)
		}
		var event models.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, false, "", fmt.Errorf("unmarshal run %d message %s: %w", runID, msg.ID, err)
		}
		entries = append(entries, events.Entry{ID: msg.ID, Event: event})
	}

	nextID := ""
	if hasMore && len(entries) > 0 {
		nextID = "(" + entries[len(entries)-1].ID
	}
	return entries, hasMore, nextID, nil
}

// SetTTL arms expiry on the run's stream key.
func (s *RedisStore) SetTTL(ctx context.Context, runID int64, ttl time.Duration) error {
	if err := s.client.Expire(ctx, StreamKey(runID), ttl).Err(); err != nil {
		return fmt.Errorf("expire run %d: %w", runID, err)
	}
	return nil
}

// Ping verifies the Redis connection, for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
