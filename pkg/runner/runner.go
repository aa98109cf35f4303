package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/crewrun/crewd/pkg/agent"
	"github.com/crewrun/crewd/pkg/config"
	"github.com/crewrun/crewd/pkg/events"
	"github.com/crewrun/crewd/pkg/models"
)

// Runner executes a single run end to end: it opens the run's event port,
// materializes the hierarchy, invokes the global supervisor, and settles the
// run with its terminal status, statistics and event-log TTL.
type Runner struct {
	bus        *events.Bus
	eventStore events.Store
	store      RunStore
	llm        agent.LLMClient
	tools      agent.ToolProvider
	settings   config.Settings
}

// NewRunner wires a runner from its collaborators.
func NewRunner(bus *events.Bus, eventStore events.Store, store RunStore, llm agent.LLMClient, tools agent.ToolProvider, settings config.Settings) *Runner {
	return &Runner{
		bus:        bus,
		eventStore: eventStore,
		store:      store,
		llm:        llm,
		tools:      tools,
		settings:   settings,
	}
}

// Execute runs one run to settlement. The caller (the pool worker) has
// already verified the run is still pending; Execute performs the pending ->
// running transition itself so a cancel racing the pickup loses cleanly.
func (r *Runner) Execute(ctx context.Context, run *models.Run, hierarchy *config.HierarchyConfig, token *CancelToken) {
	logger := slog.With("run_id", run.ID, "hierarchy_id", run.HierarchyID)

	started, err := r.store.MarkRunning(ctx, run.ID)
	if err != nil {
		logger.Error("Run pickup failed", "error", err)
		return
	}
	if !started {
		// Cancelled while pending. The run never started, so no events are
		// emitted for it at all.
		logger.Info("Skipping run cancelled while pending")
		return
	}

	r.bus.OpenRun(run.ID)
	system := models.SystemSource(run.ID)
	r.bus.Publish(ctx, run.ID, system, models.Lifecycle(models.ActionStarted), map[string]any{
		"hierarchy_id": run.HierarchyID,
		"task":         models.Preview(run.Task),
	})

	tracker := NewCallTracker(hierarchy, token)
	status, result, errMsg := r.execute(ctx, run, hierarchy, token, tracker, system, logger)

	switch status {
	case models.RunStatusCancelled:
		tracker.CloseOpen(models.CallStatusCancelled)
	case models.RunStatusFailed:
		tracker.CloseOpen(models.CallStatusFailed)
	}

	stats := tracker.Statistics()
	if err := r.store.Settle(ctx, run.ID, status, result, errMsg, stats); err != nil {
		logger.Error("Run settlement persist failed", "error", err)
	}

	terminal := map[string]any{"status": string(status)}
	if result != "" {
		terminal["result"] = models.Preview(result)
	}
	if errMsg != "" {
		terminal["error"] = errMsg
	}
	terminal["statistics"] = stats
	r.bus.Publish(ctx, run.ID, system, models.Lifecycle(terminalAction(status)), terminal)

	finalSeq := r.bus.CloseRun(run.ID)
	if r.eventStore != nil {
		if err := r.eventStore.SetTTL(ctx, run.ID, r.settings.EventLogTTL.Std()); err != nil {
			logger.Warn("Event log TTL arm failed", "error", err)
		}
	}

	logger.Info("Run settled",
		"status", string(status),
		"events", finalSeq,
		"total_calls", stats.TotalCalls,
		"blocked_calls", stats.BlockedCalls,
		"duration", durationSince(run.StartedAt))
}

// execute performs the build-and-invoke phase and classifies the outcome.
func (r *Runner) execute(ctx context.Context, run *models.Run, hierarchy *config.HierarchyConfig, token *CancelToken, tracker *CallTracker, system models.Source, logger *slog.Logger) (models.RunStatus, string, string) {
	tree, err := agent.Build(hierarchy, run.ID, agent.BuildDeps{
		Bus:            r.bus,
		LLM:            r.llm,
		Tools:          r.tools,
		Ledger:         tracker,
		Cancel:         token,
		MaxIterations:  r.settings.MaxIterations,
		DefaultModelID: r.settings.LLM.DefaultModelID,
	})
	if err != nil {
		logger.Error("Hierarchy build failed", "error", err)
		return models.RunStatusFailed, "", "hierarchy build failed: " + err.Error()
	}

	snapshot, err := json.Marshal(tree.Topology)
	if err == nil {
		if err := r.store.SaveTopology(ctx, run.ID, snapshot); err != nil {
			logger.Warn("Topology snapshot persist failed", "error", err)
		}
	}
	r.bus.Publish(ctx, run.ID, system,
		models.EventKind{Category: models.CategorySystem, Action: models.ActionTopology},
		map[string]any{"topology": tree.Topology})

	result, err := tree.Global.Invoke(ctx, run.Task)
	switch {
	case err == nil:
		return models.RunStatusCompleted, result, ""
	case errors.Is(err, agent.ErrRunCancelled), errors.Is(err, context.Canceled):
		return models.RunStatusCancelled, "", ""
	default:
		return models.RunStatusFailed, "", err.Error()
	}
}

func terminalAction(status models.RunStatus) string {
	switch status {
	case models.RunStatusCompleted:
		return models.ActionCompleted
	case models.RunStatusCancelled:
		return models.ActionCancelled
	default:
		return models.ActionFailed
	}
}

func durationSince(t *time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(*t)
}
