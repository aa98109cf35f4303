// Package events provides the per-run event bus: source tagging, monotonic
// sequencing, and fan-out to live subscribers and the durable event log.
//
// Every event produced anywhere in a run (LLM token chunks, tool calls,
// dispatch decisions, lifecycle transitions) flows through a single Bus,
// which serializes sequence assignment under a per-run critical section.
// Live subscribers receive events through bounded drop-oldest buffers so a
// slow consumer can never stall the producing agent.
package events

import (
	"context"
	"time"

	"github.com/crewrun/crewd/pkg/models"
)

// Store is the durable append-only event log. Implementations must preserve
// insertion order per run and assign monotonic message IDs that agree with
// Event.Sequence ordering. Message IDs supersede sequences for external
// pagination.
type Store interface {
	// Append persists one event and returns the backend-assigned message ID.
	Append(ctx context.Context, event models.Event) (string, error)

	// Range scans a run's log between two message IDs. startID "-" means the
	// earliest entry, endID "+" the latest. A startID prefixed with "(" is
	// exclusive, which is how paged replay resumes after a previous page.
	// Returns at most limit entries plus a hasMore flag and, when hasMore is
	// set, the exclusive startID for the next page.
	Range(ctx context.Context, runID int64, startID, endID string, limit int) ([]Entry, bool, string, error)

	// SetTTL arms expiry on a run's log. Called once when the run settles.
	SetTTL(ctx context.Context, runID int64, ttl time.Duration) error
}

// Entry is one stored event together with its backend message ID.
type Entry struct {
	ID    string       `json:"id"`
	Event models.Event `json:"event"`
}
