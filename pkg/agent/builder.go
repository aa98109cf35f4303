package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/crewrun/crewd/pkg/config"
	"github.com/crewrun/crewd/pkg/events"
	"github.com/crewrun/crewd/pkg/models"
)

// Hierarchy is a fully wired agent tree for one run: the global supervisor
// at the root, team supervisors exposed to it as tools, workers exposed to
// their team supervisor as tools.
type Hierarchy struct {
	Global    *Agent
	TeamNames []string
	Topology  models.Topology
}

// BuildDeps are the run-scoped collaborators every agent in the tree shares.
type BuildDeps struct {
	Bus    *events.Bus
	LLM    LLMClient
	Tools  ToolProvider
	Ledger DispatchLedger
	Cancel CancelCheck

	MaxIterations  int
	DefaultModelID string
}

// Build materializes a hierarchy config into a runnable agent tree bound to
// one run. Agent IDs are minted here unless the config pins them, and the
// resulting topology snapshot is returned alongside the tree.
func Build(cfg *config.HierarchyConfig, runID int64, deps BuildDeps) (*Hierarchy, error) {
	if deps.Bus == nil || deps.LLM == nil || deps.Ledger == nil || deps.Cancel == nil {
		return nil, fmt.Errorf("hierarchy %s: incomplete build dependencies", cfg.ID)
	}

	accumulator := NewContextAccumulator()

	// Sequential mode serializes team dispatch even when the global
	// supervisor requests several teams in one assistant turn.
	var teamGate *semaphore.Weighted
	if cfg.ExecutionMode == config.ExecutionModeSequential {
		teamGate = semaphore.NewWeighted(1)
	}

	topology := models.Topology{}
	teamNames := make([]string, 0, len(cfg.Teams))
	teamTools := make([]Tool, 0, len(cfg.Teams))

	globalID := mintAgentID("gsv", cfg.GlobalAgentID)
	globalHandler := NewCallbackHandler(deps.Bus, runID, models.Source{
		AgentID:   globalID,
		AgentType: models.AgentTypeGlobalSupervisor,
		AgentName: "global_supervisor",
	}, deps.Cancel)

	for i := range cfg.Teams {
		teamCfg := &cfg.Teams[i]
		supervisor, teamTopo, err := buildTeam(cfg, teamCfg, runID, deps)
		if err != nil {
			return nil, err
		}

		topology.Teams = append(topology.Teams, teamTopo)
		teamNames = append(teamNames, teamCfg.Name)
		teamTools = append(teamTools, teamTool(teamToolParams{
			hierarchy:   cfg,
			team:        teamCfg,
			supervisor:  supervisor,
			caller:      globalHandler,
			ledger:      deps.Ledger,
			cancel:      deps.Cancel,
			accumulator: accumulator,
			gate:        teamGate,
		}))
	}

	global, err := New(AgentOptions{
		ID:            globalID,
		Name:          "global_supervisor",
		Type:          models.AgentTypeGlobalSupervisor,
		SystemPrompt:  cfg.GlobalPrompt,
		Params:        config.ApplyLLMDefaults(cfg.GlobalLLM, deps.DefaultModelID),
		LLM:           deps.LLM,
		Tools:         teamTools,
		Handler:       globalHandler,
		Cancel:        deps.Cancel,
		MaxIterations: deps.MaxIterations,
		ParallelTools: cfg.ExecutionMode == config.ExecutionModeParallel,
	})
	if err != nil {
		return nil, err
	}

	topology.GlobalAgentID = globalID
	return &Hierarchy{Global: global, TeamNames: teamNames, Topology: topology}, nil
}

// buildTeam materializes one team: its supervisor agent with every worker
// wrapped as a dispatchable tool.
func buildTeam(h *config.HierarchyConfig, team *config.TeamConfig, runID int64, deps BuildDeps) (*Agent, models.TeamTopology, error) {
	supervisorID := mintAgentID("tsv", team.AgentID)
	supervisorHandler := NewCallbackHandler(deps.Bus, runID, models.Source{
		AgentID:   supervisorID,
		AgentType: models.AgentTypeTeamSupervisor,
		AgentName: team.Name,
		TeamName:  team.Name,
	}, deps.Cancel)

	teamTopo := models.TeamTopology{Name: team.Name, AgentID: supervisorID}
	workerTools := make([]Tool, 0, len(team.Workers))

	for i := range team.Workers {
		workerCfg := &team.Workers[i]
		worker, err := buildWorker(h, team, workerCfg, runID, deps)
		if err != nil {
			return nil, models.TeamTopology{}, err
		}

		teamTopo.Workers = append(teamTopo.Workers, models.WorkerTopology{
			Name:    workerCfg.Name,
			AgentID: worker.ID,
		})
		workerTools = append(workerTools, workerTool(team, workerCfg, worker, supervisorHandler, deps))
	}

	supervisor, err := New(AgentOptions{
		ID:            supervisorID,
		Name:          team.Name,
		Type:          models.AgentTypeTeamSupervisor,
		TeamName:      team.Name,
		SystemPrompt:  team.SupervisorPrompt,
		Params:        config.ApplyLLMDefaults(team.SupervisorLLM, deps.DefaultModelID),
		LLM:           deps.LLM,
		Tools:         workerTools,
		Handler:       supervisorHandler,
		Cancel:        deps.Cancel,
		MaxIterations: deps.MaxIterations,
	})
	if err != nil {
		return nil, models.TeamTopology{}, err
	}
	return supervisor, teamTopo, nil
}

// buildWorker materializes one worker agent with its configured external tools.
func buildWorker(h *config.HierarchyConfig, team *config.TeamConfig, worker *config.WorkerConfig, runID int64, deps BuildDeps) (*Agent, error) {
	workerID := mintAgentID("wrk", worker.AgentID)
	handler := NewCallbackHandler(deps.Bus, runID, models.Source{
		AgentID:   workerID,
		AgentType: models.AgentTypeWorker,
		AgentName: worker.Name,
		TeamName:  team.Name,
	}, deps.Cancel)

	var tools []Tool
	for _, name := range worker.Tools {
		if deps.Tools == nil {
			return nil, fmt.Errorf("worker %s/%s: no tool provider for tool %q", team.Name, worker.Name, name)
		}
		tool, err := deps.Tools.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("worker %s/%s: %w", team.Name, worker.Name, err)
		}
		tools = append(tools, tool)
	}

	return New(AgentOptions{
		ID:            workerID,
		Name:          worker.Name,
		Type:          models.AgentTypeWorker,
		TeamName:      team.Name,
		SystemPrompt:  worker.SystemPrompt,
		Params:        config.ApplyLLMDefaults(worker.LLM, deps.DefaultModelID),
		LLM:           deps.LLM,
		Tools:         tools,
		Handler:       handler,
		Cancel:        deps.Cancel,
		MaxIterations: deps.MaxIterations,
	})
}

type teamToolParams struct {
	hierarchy   *config.HierarchyConfig
	team        *config.TeamConfig
	supervisor  *Agent
	caller      *CallbackHandler
	ledger      DispatchLedger
	cancel      CancelCheck
	accumulator *ContextAccumulator
	gate        *semaphore.Weighted
}

// teamTool wraps a team supervisor as a tool on the global supervisor. The
// adapter is the team-dispatch safe point: cancellation and the dispatch
// ledger are consulted before the supervisor runs.
func teamTool(p teamToolParams) Tool {
	return Tool{
		Name:        toolName(p.team.Name),
		Description: fmt.Sprintf("Delegate a task to the %s team", p.team.Name),
		Run: func(ctx context.Context, task string) (string, error) {
			if p.gate != nil {
				if err := p.gate.Acquire(ctx, 1); err != nil {
					return "", err
				}
				defer p.gate.Release(1)
			}
			if err := p.cancel.Err(); err != nil {
				return "", err
			}

			callID, duplicate, err := p.ledger.Open(p.team.Name, "", task)
			if err != nil {
				return "", err
			}
			if duplicate {
				p.caller.Warning(ctx, map[string]any{
					"reason": "duplicate",
					"team":   p.team.Name,
					"task":   models.Preview(task),
				})
				return fmt.Sprintf("[%s] already executed; reuse previous result", p.team.Name), nil
			}

			p.caller.Dispatch(ctx, models.ActionTeam, map[string]any{
				"team":    p.team.Name,
				"task":    models.Preview(task),
				"call_id": callID,
			})

			prompt := task
			if p.hierarchy.SharesContext(p.team) {
				prompt = p.accumulator.Prefix() + task
			}

			result, err := p.supervisor.Invoke(ctx, prompt)
			if err != nil {
				p.ledger.Close(callID, callStatusFor(err), "")
				return "", err
			}

			p.ledger.Close(callID, models.CallStatusCompleted, result)
			p.accumulator.Append(p.team.Name, result)
			return fmt.Sprintf("[%s] %s", p.team.Name, result), nil
		},
	}
}

// workerTool wraps a worker as a tool on its team supervisor. This is the
// worker-dispatch safe point and where per-team duplicate blocking applies.
func workerTool(team *config.TeamConfig, workerCfg *config.WorkerConfig, worker *Agent, caller *CallbackHandler, deps BuildDeps) Tool {
	description := workerCfg.Role
	if description == "" {
		description = fmt.Sprintf("Delegate a task to the %s worker", workerCfg.Name)
	}

	return Tool{
		Name:        toolName(workerCfg.Name),
		Description: description,
		Run: func(ctx context.Context, task string) (string, error) {
			if err := deps.Cancel.Err(); err != nil {
				return "", err
			}

			callID, duplicate, err := deps.Ledger.Open(team.Name, workerCfg.Name, task)
			if err != nil {
				return "", err
			}
			if duplicate {
				caller.Warning(ctx, map[string]any{
					"reason": "duplicate",
					"worker": workerCfg.Name,
					"task":   models.Preview(task),
				})
				return fmt.Sprintf("[%s] already executed; reuse previous result", workerCfg.Name), nil
			}

			caller.Dispatch(ctx, models.ActionWorker, map[string]any{
				"worker":  workerCfg.Name,
				"task":    models.Preview(task),
				"call_id": callID,
			})

			result, err := worker.Invoke(ctx, task)
			if err != nil {
				deps.Ledger.Close(callID, callStatusFor(err), "")
				return "", err
			}

			deps.Ledger.Close(callID, models.CallStatusCompleted, result)
			return fmt.Sprintf("[%s] %s", workerCfg.Name, result), nil
		},
	}
}

// callStatusFor maps an invocation error to its ledger status.
func callStatusFor(err error) models.CallStatus {
	if err == nil {
		return models.CallStatusCompleted
	}
	if isCancellation(err) {
		return models.CallStatusCancelled
	}
	return models.CallStatusFailed
}

func isCancellation(err error) bool {
	return errors.Is(err, ErrRunCancelled) || errors.Is(err, context.Canceled)
}

// mintAgentID returns the pinned ID when the config provides one, otherwise
// a fresh prefixed identifier.
func mintAgentID(prefix, pinned string) string {
	if pinned != "" {
		return pinned
	}
	return prefix + "_" + uuid.NewString()[:8]
}

// toolName normalizes an agent name into a tool identifier the model can
// call reliably.
func toolName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, strings.ToLower(name))
}
