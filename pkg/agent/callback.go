package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/crewrun/crewd/pkg/events"
	"github.com/crewrun/crewd/pkg/models"
)

// ErrRunCancelled is the cooperative-cancellation sentinel. CancelCheck
// implementations return it from Err once the run's token is signalled.
var ErrRunCancelled = errors.New("run cancelled")

// CancelCheck is the read side of a run's cancellation token, polled at
// safe points: dispatch entry, token enqueue, team iteration top.
type CancelCheck interface {
	IsCancelled() bool
	// Err returns ErrRunCancelled when the token is signalled, else nil.
	Err() error
}

// DispatchLedger records dispatch attempts and enforces per-team duplicate
// blocking. Implemented by the runner's call tracker.
type DispatchLedger interface {
	// Open registers a dispatch attempt. duplicate is true when the team's
	// prevent_duplicate flag is set and an equivalent call is already open
	// or completed; the returned err is ErrRunCancelled when the run is
	// being torn down.
	Open(teamName, workerName, task string) (callID string, duplicate bool, err error)

	// Close finalizes the record opened under callID.
	Close(callID string, status models.CallStatus, result string)
}

// CallbackHandler translates a stream of LLM chunks into typed events bound
// to one Source. Each agent owns exactly one handler; the handler is the
// only place events are produced, so the source identity can never drift
// from the agent that caused the event.
type CallbackHandler struct {
	bus    *events.Bus
	runID  int64
	source models.Source
	cancel CancelCheck

	mu           sync.Mutex
	lastToolName string
	toolCalls    int
}

// NewCallbackHandler binds a handler to a run, a source identity and the
// shared bus.
func NewCallbackHandler(bus *events.Bus, runID int64, source models.Source, cancel CancelCheck) *CallbackHandler {
	return &CallbackHandler{bus: bus, runID: runID, source: source, cancel: cancel}
}

// Source returns the identity this handler stamps on every event.
func (h *CallbackHandler) Source() models.Source { return h.source }

// HandleChunk maps one streaming chunk to its event. Cancellation is
// observed before each enqueue: once the run's token is signalled no
// further chunk events are published and ErrRunCancelled is returned so the
// caller stops consuming the stream.
func (h *CallbackHandler) HandleChunk(ctx context.Context, chunk Chunk) error {
	if err := h.cancel.Err(); err != nil {
		return err
	}

	switch c := chunk.(type) {
	case *TextChunk:
		if c.Content == "" {
			return nil
		}
		h.publish(ctx, models.EventKind{Category: models.CategoryLLM, Action: models.ActionStream},
			map[string]any{"content": c.Content})
	case *ReasoningChunk:
		if c.Content == "" {
			return nil
		}
		h.publish(ctx, models.EventKind{Category: models.CategoryLLM, Action: models.ActionReasoning},
			map[string]any{"content": c.Content})
	case *ToolCallChunk:
		h.mu.Lock()
		if c.Name == h.lastToolName {
			h.mu.Unlock()
			return nil
		}
		h.lastToolName = c.Name
		h.toolCalls++
		index := h.toolCalls
		h.mu.Unlock()
		h.publish(ctx, models.EventKind{Category: models.CategoryLLM, Action: models.ActionToolCall},
			map[string]any{"tool": c.Name, "call_index": index})
	}
	return nil
}

// Reset clears the per-stream tool tracking state. Called when a stream
// completes so the next call starts fresh.
func (h *CallbackHandler) Reset() {
	h.mu.Lock()
	h.lastToolName = ""
	h.mu.Unlock()
}

// Lifecycle publishes a lifecycle event for this handler's source.
func (h *CallbackHandler) Lifecycle(ctx context.Context, action string, data map[string]any) {
	h.publish(ctx, models.Lifecycle(action), data)
}

// ToolResult publishes an llm.tool_result event.
func (h *CallbackHandler) ToolResult(ctx context.Context, tool, preview string) {
	h.publish(ctx, models.EventKind{Category: models.CategoryLLM, Action: models.ActionToolResult},
		map[string]any{"tool": tool, "content": preview})
}

// Dispatch publishes a dispatch.team or dispatch.worker event.
func (h *CallbackHandler) Dispatch(ctx context.Context, action string, data map[string]any) {
	h.publish(ctx, models.EventKind{Category: models.CategoryDispatch, Action: action}, data)
}

// Warning publishes a system.warning event attributed to this source.
func (h *CallbackHandler) Warning(ctx context.Context, data map[string]any) {
	h.publish(ctx, models.EventKind{Category: models.CategorySystem, Action: models.ActionWarning}, data)
}

func (h *CallbackHandler) publish(ctx context.Context, kind models.EventKind, data map[string]any) {
	h.bus.Publish(ctx, h.runID, h.source, kind, data)
}
