package config

import (
	"errors"
	"fmt"
)

// ErrInvalidHierarchy wraps all structural validation failures so callers
// can classify them with errors.Is.
var ErrInvalidHierarchy = errors.New("invalid hierarchy configuration")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidHierarchy, fmt.Sprintf(format, args...))
}

// Validate checks a hierarchy for structural problems. Runs are never
// created from configurations that fail this check.
func (h *HierarchyConfig) Validate() error {
	if h.ID == "" {
		return invalid("hierarchy id is required")
	}
	if h.GlobalPrompt == "" {
		return invalid("hierarchy %s: global_prompt is required", h.ID)
	}
	switch h.ExecutionMode {
	case ExecutionModeSequential, ExecutionModeParallel:
	case "":
		return invalid("hierarchy %s: execution_mode is required", h.ID)
	default:
		return invalid("hierarchy %s: unknown execution_mode %q", h.ID, h.ExecutionMode)
	}
	if len(h.Teams) == 0 {
		return invalid("hierarchy %s: at least one team is required", h.ID)
	}

	teamNames := make(map[string]bool, len(h.Teams))
	for i := range h.Teams {
		team := &h.Teams[i]
		if err := team.validate(h.ID); err != nil {
			return err
		}
		if teamNames[team.Name] {
			return invalid("hierarchy %s: duplicate team name %q", h.ID, team.Name)
		}
		teamNames[team.Name] = true
	}
	return nil
}

func (t *TeamConfig) validate(hierarchyID string) error {
	if t.Name == "" {
		return invalid("hierarchy %s: team name is required", hierarchyID)
	}
	if t.SupervisorPrompt == "" {
		return invalid("hierarchy %s: team %s: supervisor_prompt is required", hierarchyID, t.Name)
	}
	if len(t.Workers) == 0 {
		return invalid("hierarchy %s: team %s: at least one worker is required", hierarchyID, t.Name)
	}

	workerNames := make(map[string]bool, len(t.Workers))
	for i := range t.Workers {
		worker := &t.Workers[i]
		if worker.Name == "" {
			return invalid("hierarchy %s: team %s: worker name is required", hierarchyID, t.Name)
		}
		if worker.SystemPrompt == "" {
			return invalid("hierarchy %s: team %s: worker %s: system_prompt is required",
				hierarchyID, t.Name, worker.Name)
		}
		if workerNames[worker.Name] {
			return invalid("hierarchy %s: team %s: duplicate worker name %q",
				hierarchyID, t.Name, worker.Name)
		}
		workerNames[worker.Name] = true
	}
	return nil
}
