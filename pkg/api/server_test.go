package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewrun/crewd/pkg/agent"
	"github.com/crewrun/crewd/pkg/config"
	"github.com/crewrun/crewd/pkg/eventlog"
	"github.com/crewrun/crewd/pkg/events"
	"github.com/crewrun/crewd/pkg/models"
	"github.com/crewrun/crewd/pkg/runner"
)

// scriptedLLM replays one scripted turn per Generate call.
type scriptedLLM struct {
	mu    sync.Mutex
	turns [][]agent.Chunk
}

func (s *scriptedLLM) Generate(_ context.Context, _ *agent.GenerateInput) (<-chan agent.Chunk, error) {
	s.mu.Lock()
	var turn []agent.Chunk
	if len(s.turns) > 0 {
		turn = s.turns[0]
		s.turns = s.turns[1:]
	}
	s.mu.Unlock()

	ch := make(chan agent.Chunk, len(turn)+1)
	for _, chunk := range turn {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) Close() error { return nil }

type testEnv struct {
	router *gin.Engine
	store  runner.RunStore
}

func newTestEnv(t *testing.T, llm agent.LLMClient) *testEnv {
	t.Helper()
	return newTestEnvStore(t, llm, eventlog.NewMemoryStore())
}

func newTestEnvStore(t *testing.T, llm agent.LLMClient, eventStore events.Store) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := runner.NewMemoryRunStore()
	bus := events.NewBus(eventStore)
	registry := config.NewHierarchyRegistry()
	registry.Put(config.HierarchyConfig{
		ID:            "pipeline",
		GlobalPrompt:  "Coordinate.",
		ExecutionMode: config.ExecutionModeSequential,
		Teams: []config.TeamConfig{{
			Name:             "research",
			SupervisorPrompt: "Lead.",
			Workers:          []config.WorkerConfig{{Name: "analyst", SystemPrompt: "You analyze."}},
		}},
	})
	cancels := runner.NewCancelRegistry()

	settings := config.Settings{MaxIterations: 5, EventLogTTL: config.Duration(time.Hour)}
	settings.LLM.DefaultModelID = "test-model"

	run := runner.NewRunner(bus, eventStore, store, llm, agent.StaticToolProvider{}, settings)
	manager := runner.NewManager(run, store, registry, cancels, 2)
	manager.Run(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	server := NewServer(manager, store, bus, eventStore, registry, nil, settings.SubscriberBuffer)
	return &testEnv{router: server.Router(), store: store}
}

func (e *testEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) waitSettled(t *testing.T, runID int64) *models.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.store.Get(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %d did not settle", runID)
	return nil
}

func decodeRun(t *testing.T, w *httptest.ResponseRecorder) *models.Run {
	t.Helper()
	var resp RunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Run)
	return resp.Run
}

func startRun(t *testing.T, env *testEnv, task string) StartRunResponse {
	t.Helper()
	w := env.post(t, "/api/executor/v1/runs/start", StartRunRequest{HierarchyID: "pipeline", Task: task})
	require.Equal(t, http.StatusOK, w.Code)

	var resp StartRunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotZero(t, resp.ID)
	return resp
}

func quickScript() *scriptedLLM {
	return &scriptedLLM{turns: [][]agent.Chunk{
		{&agent.TextChunk{Content: "done"}},
	}}
}

func TestStartRunEndpoint(t *testing.T) {
	env := newTestEnv(t, quickScript())

	w := env.post(t, "/api/executor/v1/runs/start", StartRunRequest{HierarchyID: "pipeline", Task: "do it"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp StartRunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotZero(t, resp.ID)
	assert.Equal(t, "pipeline", resp.HierarchyID)
	assert.Equal(t, "do it", resp.Task)
	assert.Equal(t, models.RunStatusPending, resp.Status)
	assert.Equal(t, "/api/executor/v1/runs/stream", resp.StreamURL)
	assert.False(t, resp.CreatedAt.IsZero())

	// Pin the wire field names.
	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	for _, key := range []string{"id", "hierarchy_id", "task", "status", "stream_url", "created_at"} {
		assert.Contains(t, raw, key)
	}

	env.waitSettled(t, resp.ID)
}

func TestStartRunValidation(t *testing.T) {
	env := newTestEnv(t, quickScript())

	w := env.post(t, "/api/executor/v1/runs/start", map[string]any{"hierarchy_id": "pipeline"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.post(t, "/api/executor/v1/runs/start", StartRunRequest{HierarchyID: "pipeline", Task: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.post(t, "/api/executor/v1/runs/start", StartRunRequest{HierarchyID: "missing", Task: "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRunEndpoint(t *testing.T) {
	env := newTestEnv(t, quickScript())

	started := startRun(t, env, "do it")
	env.waitSettled(t, started.ID)

	w := env.post(t, "/api/executor/v1/runs/get", RunRequest{RunID: started.ID})
	require.Equal(t, http.StatusOK, w.Code)
	run := decodeRun(t, w)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, "done", run.Result)

	w = env.post(t, "/api/executor/v1/runs/get", RunRequest{RunID: 999})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRunsEndpoint(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{turns: [][]agent.Chunk{
		{&agent.TextChunk{Content: "one"}},
		{&agent.TextChunk{Content: "two"}},
	}})

	first := startRun(t, env, "a")
	env.waitSettled(t, first.ID)
	second := startRun(t, env, "b")
	env.waitSettled(t, second.ID)

	w := env.post(t, "/api/executor/v1/runs/list", ListRunsRequest{})
	require.Equal(t, http.StatusOK, w.Code)

	var resp ListRunsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Runs, 2)
	assert.Equal(t, second.ID, resp.Runs[0].ID, "newest first")

	w = env.post(t, "/api/executor/v1/runs/list", ListRunsRequest{Status: string(models.RunStatusFailed)})
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Total)
	assert.NotNil(t, resp.Runs)
}

func TestCancelRunEndpoint(t *testing.T) {
	env := newTestEnv(t, quickScript())

	started := startRun(t, env, "do it")
	env.waitSettled(t, started.ID)

	// Settled runs cannot be cancelled.
	w := env.post(t, "/api/executor/v1/runs/cancel", RunRequest{RunID: started.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.post(t, "/api/executor/v1/runs/cancel", RunRequest{RunID: 999})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t, quickScript())

	started := startRun(t, env, "do it")
	env.waitSettled(t, started.ID)

	w := env.post(t, "/api/executor/v1/runs/events", EventsRequest{RunID: started.ID})
	require.Equal(t, http.StatusOK, w.Code)

	var resp EventsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Events)
	assert.Equal(t, started.ID, resp.RunID)
	assert.Equal(t, len(resp.Events), resp.Count)
	assert.False(t, resp.HasMore)
	assert.Equal(t, "lifecycle.started", resp.Events[0].Event.Event.String())
	last := resp.Events[len(resp.Events)-1].Event
	assert.Equal(t, "lifecycle.completed", last.Event.String())

	w = env.post(t, "/api/executor/v1/runs/events", EventsRequest{RunID: 999})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunEndpointsAddressByID(t *testing.T) {
	env := newTestEnv(t, quickScript())

	started := startRun(t, env, "do it")
	env.waitSettled(t, started.ID)

	// Runs are addressed by a bare "id" field on the wire.
	w := env.post(t, "/api/executor/v1/runs/get", map[string]any{"id": started.ID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, started.ID, decodeRun(t, w).ID)

	w = env.post(t, "/api/executor/v1/runs/events", map[string]any{"id": started.ID})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.post(t, "/api/executor/v1/runs/get", map[string]any{"run_id": started.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventsEndpointPagination(t *testing.T) {
	env := newTestEnv(t, quickScript())

	started := startRun(t, env, "do it")
	env.waitSettled(t, started.ID)

	var all []events.Entry
	req := EventsRequest{RunID: started.ID, Limit: 2}
	for {
		w := env.post(t, "/api/executor/v1/runs/events", req)
		require.Equal(t, http.StatusOK, w.Code)

		var resp EventsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		all = append(all, resp.Events...)
		if !resp.HasMore {
			break
		}
		require.NotEmpty(t, resp.NextID)
		req.StartID = resp.NextID
	}

	for i, entry := range all {
		assert.Equal(t, int64(i+1), entry.Event.Sequence, "replay must be gapless")
	}
}

func TestStreamEndpointReplayFallback(t *testing.T) {
	env := newTestEnv(t, quickScript())

	started := startRun(t, env, "do it")
	env.waitSettled(t, started.ID)

	w := env.post(t, "/api/executor/v1/runs/stream", StreamRequest{RunID: started.ID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var eventNames []string
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventNames = append(eventNames, strings.TrimPrefix(line, "event: "))
		}
	}
	require.NotEmpty(t, eventNames)
	assert.Equal(t, "lifecycle.started", eventNames[0])
	assert.Equal(t, "system.close", eventNames[len(eventNames)-1], "the stream ends with the terminal close event")
}

func TestStreamEndpointUnknownRun(t *testing.T) {
	env := newTestEnv(t, quickScript())

	w := env.post(t, "/api/executor/v1/runs/stream", StreamRequest{RunID: 424242})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, quickScript())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["hierarchies"])
}

// pingStore is an event store with a checkable connection, like the Redis one.
type pingStore struct {
	events.Store
	err error
}

func (p *pingStore) Ping(context.Context) error { return p.err }

func getHealth(t *testing.T, env *testEnv) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestHealthEndpointEventLog(t *testing.T) {
	env := newTestEnvStore(t, quickScript(), &pingStore{Store: eventlog.NewMemoryStore()})

	w, body := getHealth(t, env)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	eventLog, ok := body["event_log"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "healthy", eventLog["status"])
}

func TestHealthEndpointEventLogDown(t *testing.T) {
	env := newTestEnvStore(t, quickScript(), &pingStore{
		Store: eventlog.NewMemoryStore(),
		err:   errors.New("connection refused"),
	})

	w, body := getHealth(t, env)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body["status"])
	eventLog, ok := body["event_log"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "unhealthy", eventLog["status"])
	assert.Contains(t, eventLog["error"], "connection refused")
}

func TestStreamBufferDefaults(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, nil, nil, 64)
	assert.Equal(t, 64, s.streamBuffer(0), "configured buffer applies when the client sends none")
	assert.Equal(t, 8, s.streamBuffer(8), "a client override wins")

	s = NewServer(nil, nil, nil, nil, nil, nil, 0)
	assert.Equal(t, events.DefaultSubscriberBuffer, s.streamBuffer(0))
}
