package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewrun/crewd/pkg/events"
	"github.com/crewrun/crewd/pkg/models"
)

func newTestHandler(t *testing.T, cancel CancelCheck) (*CallbackHandler, func() []models.Event) {
	t.Helper()
	const runID = int64(5)
	bus := events.NewBus(nil)
	bus.OpenRun(runID)
	drain := collectEvents(t, bus, runID)

	source := models.Source{
		AgentID:   "tsv_abc",
		AgentType: models.AgentTypeTeamSupervisor,
		AgentName: "research",
		TeamName:  "research",
	}
	return NewCallbackHandler(bus, runID, source, cancel), drain
}

func TestHandleChunkMapsTextAndReasoning(t *testing.T) {
	handler, drain := newTestHandler(t, openCancel{})
	ctx := context.Background()

	require.NoError(t, handler.HandleChunk(ctx, &TextChunk{Content: "hello"}))
	require.NoError(t, handler.HandleChunk(ctx, &ReasoningChunk{Content: "thinking"}))
	require.NoError(t, handler.HandleChunk(ctx, &TextChunk{Content: ""})) // skipped

	evts := drain()
	require.Len(t, evts, 2)

	assert.Equal(t, "llm.stream", evts[0].Event.String())
	assert.Equal(t, "hello", evts[0].Data["content"])
	assert.Equal(t, "tsv_abc", evts[0].Source.AgentID)
	assert.Equal(t, models.AgentTypeTeamSupervisor, evts[0].Source.AgentType)
	assert.Equal(t, "research", evts[0].Source.TeamName)

	assert.Equal(t, "llm.reasoning", evts[1].Event.String())
	assert.Equal(t, "thinking", evts[1].Data["content"])
}

func TestHandleChunkDeduplicatesToolCallFrames(t *testing.T) {
	handler, drain := newTestHandler(t, openCancel{})
	ctx := context.Background()

	// Streaming providers repeat the tool name across argument fragments;
	// only transitions to a new tool produce events.
	require.NoError(t, handler.HandleChunk(ctx, &ToolCallChunk{Name: "search"}))
	require.NoError(t, handler.HandleChunk(ctx, &ToolCallChunk{Name: "search"}))
	require.NoError(t, handler.HandleChunk(ctx, &ToolCallChunk{Name: "fetch"}))

	handler.Reset()
	require.NoError(t, handler.HandleChunk(ctx, &ToolCallChunk{Name: "search"}))

	evts := drain()
	require.Len(t, evts, 3)
	assert.Equal(t, "search", evts[0].Data["tool"])
	assert.Equal(t, 1, evts[0].Data["call_index"])
	assert.Equal(t, "fetch", evts[1].Data["tool"])
	assert.Equal(t, 2, evts[1].Data["call_index"])
	assert.Equal(t, "search", evts[2].Data["tool"])
	assert.Equal(t, 3, evts[2].Data["call_index"], "the counter survives Reset; only the name gate resets")
}

func TestHandleChunkStopsOnCancel(t *testing.T) {
	handler, drain := newTestHandler(t, firedCancel{})

	err := handler.HandleChunk(context.Background(), &TextChunk{Content: "late"})
	assert.ErrorIs(t, err, ErrRunCancelled)
	assert.Empty(t, drain(), "no events after the token fires")
}

func TestHandlerHelperEvents(t *testing.T) {
	handler, drain := newTestHandler(t, openCancel{})
	ctx := context.Background()

	handler.Lifecycle(ctx, models.ActionStarted, map[string]any{"task": "t"})
	handler.Dispatch(ctx, models.ActionWorker, map[string]any{"worker": "analyst"})
	handler.ToolResult(ctx, "search", "found it")
	handler.Warning(ctx, map[string]any{"reason": "duplicate"})

	names := eventNames(drain())
	assert.Equal(t, []string{
		"lifecycle.started",
		"dispatch.worker",
		"llm.tool_result",
		"system.warning",
	}, names)
}
