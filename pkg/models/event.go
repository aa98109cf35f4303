package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentType identifies the position of an event source in the hierarchy.
type AgentType string

// Agent type constants.
const (
	AgentTypeGlobalSupervisor AgentType = "global_supervisor"
	AgentTypeTeamSupervisor   AgentType = "team_supervisor"
	AgentTypeWorker           AgentType = "worker"
	AgentTypeSystem           AgentType = "system"
)

// Source is the identity tuple attached to every event. TeamName is empty
// for global-supervisor and system sources.
type Source struct {
	AgentID   string    `json:"agent_id"`
	AgentType AgentType `json:"agent_type"`
	AgentName string    `json:"agent_name"`
	TeamName  string    `json:"team_name,omitempty"`
}

// SystemSource is the source used for run-level lifecycle and topology events.
func SystemSource(runID int64) Source {
	return Source{
		AgentID:   fmt.Sprintf("run_%d", runID),
		AgentType: AgentTypeSystem,
		AgentName: "system",
	}
}

// EventCategory groups event actions. The category/action pairs form a
// closed vocabulary; see the Action* constants below.
type EventCategory string

// Event categories.
const (
	CategoryLifecycle EventCategory = "lifecycle"
	CategoryLLM       EventCategory = "llm"
	CategoryDispatch  EventCategory = "dispatch"
	CategorySystem    EventCategory = "system"
)

// Actions for CategoryLifecycle.
const (
	ActionStarted   = "started"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
	ActionCancelled = "cancelled"
)

// Actions for CategoryLLM.
const (
	ActionStream     = "stream"
	ActionReasoning  = "reasoning"
	ActionToolCall   = "tool_call"
	ActionToolResult = "tool_result"
)

// Actions for CategoryDispatch.
const (
	ActionTeam   = "team"
	ActionWorker = "worker"
)

// Actions for CategorySystem.
const (
	ActionTopology = "topology"
	ActionWarning  = "warning"
	ActionError    = "error"
	ActionClose    = "close"
)

// EventKind is the category/action pair of an event.
type EventKind struct {
	Category EventCategory `json:"category"`
	Action   string        `json:"action"`
}

// String returns the "<category>.<action>" form used as the SSE event name.
func (k EventKind) String() string {
	return string(k.Category) + "." + k.Action
}

// Lifecycle returns a lifecycle event kind for the given action.
func Lifecycle(action string) EventKind {
	return EventKind{Category: CategoryLifecycle, Action: action}
}

// Timestamp is a millisecond-precision wall-clock time serialized as
// RFC3339 with exactly three fractional digits, e.g. "2025-01-02T03:04:05.678Z".
type Timestamp time.Time

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Now returns the current time as a Timestamp.
func Now() Timestamp { return Timestamp(time.Now()) }

// Time returns the underlying time.Time.
func (t Timestamp) Time() time.Time { return time.Time(t) }

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(timestampLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*t = Timestamp(parsed)
	return nil
}

// Event is the append-only record produced by the run execution engine.
// Events are sequenced per run and never mutated after publication.
type Event struct {
	RunID     int64          `json:"run_id"`
	Sequence  int64          `json:"sequence"`
	Timestamp Timestamp      `json:"timestamp"`
	Source    Source         `json:"source"`
	Event     EventKind      `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}
