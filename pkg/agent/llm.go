// Package agent implements the agent hierarchy: the LLM client contract,
// the callback handler that turns streaming chunks into typed run events,
// the tool abstraction, the agent conversation loop, and the hierarchy
// builder that wires supervisors and workers into a runnable tree.
package agent

import (
	"context"

	"github.com/crewrun/crewd/pkg/config"
)

// LLMClient is the provider-side streaming contract. Implementations wrap a
// concrete provider (Bedrock in production, scripted fakes in tests) behind
// a channel-based streaming API.
type LLMClient interface {
	// Generate sends a conversation to the LLM and returns a stream of
	// chunks. The channel is closed when the stream completes; provider
	// errors are delivered as ErrorChunk values.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)

	// Close releases the provider connection.
	Close() error
}

// GenerateInput is one LLM call: the system prompt, the conversation so far,
// the tools the model may call, and the inference parameters.
type GenerateInput struct {
	RunID    int64
	AgentID  string
	System   string
	Messages []Message
	Params   config.LLMParams
	Tools    []ToolDefinition
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation turn.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant messages requesting tool use
	ToolCallID string     // tool result messages
	ToolName   string     // tool result messages
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// ToolCall is the LLM's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Chunk is the closed sum of streaming frame types. The stream completing
// (channel close) is the "complete" frame.
type Chunk interface {
	chunkType() string
}

// TextChunk is a token chunk of the assistant's text response.
type TextChunk struct{ Content string }

// ReasoningChunk is a chunk of the model's reasoning trace.
type ReasoningChunk struct{ Content string }

// ToolCallChunk signals a fully-assembled tool invocation request.
type ToolCallChunk struct{ ID, Name, Arguments string }

// ErrorChunk signals a provider error; it terminates the call.
type ErrorChunk struct{ Message string }

func (c *TextChunk) chunkType() string      { return "text" }
func (c *ReasoningChunk) chunkType() string { return "reasoning" }
func (c *ToolCallChunk) chunkType() string  { return "tool_call" }
func (c *ErrorChunk) chunkType() string     { return "error" }
