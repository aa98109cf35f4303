package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrToolNotFound is returned by ToolProvider.Resolve for unknown names.
var ErrToolNotFound = errors.New("tool not found")

// ToolFunc executes a tool against a plain-text input.
type ToolFunc func(ctx context.Context, input string) (string, error)

// Tool is a callable handle exposed to an agent's LLM. Child agents are
// wrapped as tools the same way external tools are.
type Tool struct {
	Name        string
	Description string
	Run         ToolFunc
}

// ToolProvider resolves configured tool names to callable handles. The tool
// registry behind it is an external collaborator.
type ToolProvider interface {
	Resolve(name string) (Tool, error)
}

// StaticToolProvider is a fixed name→tool map, used for tests and for
// deployments with a compiled-in tool set.
type StaticToolProvider map[string]Tool

// Resolve implements ToolProvider.
func (p StaticToolProvider) Resolve(name string) (Tool, error) {
	tool, ok := p[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool, nil
}

// taskSchema is the parameter schema for child-agent tools: a single task
// string the supervisor delegates.
const taskSchema = `{"type":"object","properties":{"task":{"type":"string","description":"The task to delegate"}},"required":["task"]}`

// taskFromArgs extracts the delegated task from a tool call's JSON
// arguments. Arguments that are not an object with a task field are passed
// through verbatim so a model replying with bare text still dispatches.
func taskFromArgs(arguments string) string {
	var parsed struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal([]byte(arguments), &parsed); err == nil && parsed.Task != "" {
		return parsed.Task
	}
	return arguments
}
