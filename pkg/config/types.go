// Package config defines the hierarchy configuration model, the YAML loader
// with environment expansion, structural validation, and the in-memory
// registry the run executor resolves hierarchies from.
package config

// ExecutionMode controls how the global supervisor drives its teams.
type ExecutionMode string

// Execution modes.
const (
	ExecutionModeSequential ExecutionMode = "sequential"
	ExecutionModeParallel   ExecutionMode = "parallel"
)

// LLMParams are per-agent inference parameters. Zero values select the
// service defaults (see ApplyDefaults).
type LLMParams struct {
	ModelID     string  `yaml:"model_id" json:"model_id,omitempty"`
	Temperature float32 `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens,omitempty"`
	TopP        float32 `yaml:"top_p" json:"top_p,omitempty"`
}

// HierarchyConfig describes a full three-tier agent hierarchy. It is
// immutable for the life of a run once the run leaves pending.
type HierarchyConfig struct {
	ID                   string        `yaml:"id" json:"id"`
	Name                 string        `yaml:"name" json:"name"`
	GlobalPrompt         string        `yaml:"global_prompt" json:"global_prompt"`
	GlobalLLM            LLMParams     `yaml:"global_llm" json:"global_llm"`
	GlobalAgentID        string        `yaml:"global_agent_id" json:"global_agent_id,omitempty"`
	ExecutionMode        ExecutionMode `yaml:"execution_mode" json:"execution_mode"`
	EnableContextSharing bool          `yaml:"enable_context_sharing" json:"enable_context_sharing"`
	Teams                []TeamConfig  `yaml:"teams" json:"teams"`
}

// TeamConfig describes one team: a supervisor plus its workers.
type TeamConfig struct {
	ID               string         `yaml:"id" json:"id"`
	Name             string         `yaml:"name" json:"name"`
	AgentID          string         `yaml:"agent_id" json:"agent_id,omitempty"`
	SupervisorPrompt string         `yaml:"supervisor_prompt" json:"supervisor_prompt"`
	SupervisorLLM    LLMParams      `yaml:"supervisor_llm" json:"supervisor_llm"`
	PreventDuplicate bool           `yaml:"prevent_duplicate" json:"prevent_duplicate"`
	ShareContext     bool           `yaml:"share_context" json:"share_context"`
	Workers          []WorkerConfig `yaml:"workers" json:"workers"`
}

// WorkerConfig describes one worker agent.
type WorkerConfig struct {
	ID           string    `yaml:"id" json:"id"`
	Name         string    `yaml:"name" json:"name"`
	AgentID      string    `yaml:"agent_id" json:"agent_id,omitempty"`
	Role         string    `yaml:"role" json:"role"`
	SystemPrompt string    `yaml:"system_prompt" json:"system_prompt"`
	LLM          LLMParams `yaml:"llm" json:"llm"`
	Tools        []string  `yaml:"tools" json:"tools,omitempty"`
}

// SharesContext reports whether a team at the given position observes prior
// teams' results. Any true flag wins: the global enable_context_sharing flag
// opts every team in, and a team's own share_context flag opts that team in
// even when the global flag is off.
func (h *HierarchyConfig) SharesContext(team *TeamConfig) bool {
	return h.EnableContextSharing || team.ShareContext
}

// Team returns the team with the given name, or nil.
func (h *HierarchyConfig) Team(name string) *TeamConfig {
	for i := range h.Teams {
		if h.Teams[i].Name == name {
			return &h.Teams[i]
		}
	}
	return nil
}
