package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/crewrun/crewd/pkg/config"
	"github.com/crewrun/crewd/pkg/models"
)

// Agent is one node of the hierarchy: it prompts an LLM with its system
// prompt and tools, loops on tool calls, and surfaces every observable step
// through its callback handler. Supervisors hold their children as tools;
// a worker's tools are its configured external tools. Children never
// reference their parent.
type Agent struct {
	ID       string
	Name     string
	Type     models.AgentType
	TeamName string

	systemPrompt  string
	params        config.LLMParams
	llm           LLMClient
	tools         []Tool
	toolIndex     map[string]*Tool
	handler       *CallbackHandler
	cancel        CancelCheck
	maxIterations int
	parallelTools bool
	logger        *slog.Logger
}

// AgentOptions configures a single agent instance.
type AgentOptions struct {
	ID            string
	Name          string
	Type          models.AgentType
	TeamName      string
	SystemPrompt  string
	Params        config.LLMParams
	LLM           LLMClient
	Tools         []Tool
	Handler       *CallbackHandler
	Cancel        CancelCheck
	MaxIterations int
	ParallelTools bool
}

// New creates an agent. Tool names must be unique; the builder guarantees
// this for configured hierarchies.
func New(opts AgentOptions) (*Agent, error) {
	if opts.LLM == nil {
		return nil, errors.New("agent: LLM client is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("agent: callback handler is required")
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = config.DefaultMaxIterations
	}

	index := make(map[string]*Tool, len(opts.Tools))
	tools := make([]Tool, len(opts.Tools))
	copy(tools, opts.Tools)
	for i := range tools {
		if _, dup := index[tools[i].Name]; dup {
			return nil, fmt.Errorf("agent %s: duplicate tool name %q", opts.Name, tools[i].Name)
		}
		index[tools[i].Name] = &tools[i]
	}

	return &Agent{
		ID:            opts.ID,
		Name:          opts.Name,
		Type:          opts.Type,
		TeamName:      opts.TeamName,
		systemPrompt:  opts.SystemPrompt,
		params:        opts.Params,
		llm:           opts.LLM,
		tools:         tools,
		toolIndex:     index,
		handler:       opts.Handler,
		cancel:        opts.Cancel,
		maxIterations: maxIterations,
		parallelTools: opts.ParallelTools,
		logger: slog.With(
			"agent_id", opts.ID,
			"agent_type", string(opts.Type),
			"agent_name", opts.Name,
		),
	}, nil
}

// Invoke runs the agent against a task and returns its final text.
// Lifecycle events bracket the invocation: started on entry, then exactly
// one of completed, failed or cancelled.
func (a *Agent) Invoke(ctx context.Context, task string) (string, error) {
	a.handler.Lifecycle(ctx, models.ActionStarted, map[string]any{"task": models.Preview(task)})

	result, err := a.converse(ctx, task)
	if err != nil {
		if errors.Is(err, ErrRunCancelled) || errors.Is(err, context.Canceled) {
			a.handler.Lifecycle(ctx, models.ActionCancelled, nil)
			return "", err
		}
		a.logger.Error("Agent invocation failed", "error", err)
		a.handler.Lifecycle(ctx, models.ActionFailed, map[string]any{"error": err.Error()})
		return "", err
	}

	a.handler.Lifecycle(ctx, models.ActionCompleted, map[string]any{"result": models.Preview(result)})
	return result, nil
}

// converse drives the prompt/tool loop until the LLM answers without tool
// calls or the iteration cap is reached.
func (a *Agent) converse(ctx context.Context, task string) (string, error) {
	messages := []Message{{Role: RoleUser, Content: task}}

	for iteration := 1; iteration <= a.maxIterations; iteration++ {
		if err := a.cancel.Err(); err != nil {
			return "", err
		}

		response, err := a.callLLM(ctx, messages)
		if err != nil {
			return "", err
		}

		if len(response.ToolCalls) == 0 {
			return response.Text, nil
		}

		messages = append(messages, Message{
			Role:      RoleAssistant,
			Content:   response.Text,
			ToolCalls: response.ToolCalls,
		})

		results, err := a.runToolCalls(ctx, response.ToolCalls)
		if err != nil {
			return "", err
		}
		messages = append(messages, results...)
	}

	return "", fmt.Errorf("agent %s: no final answer after %d iterations", a.Name, a.maxIterations)
}

// llmResponse is the fully-collected result of one streaming LLM call.
type llmResponse struct {
	Text      string
	Reasoning string
	ToolCalls []ToolCall
}

// callLLM performs one streaming call, feeding every chunk through the
// callback handler so subscribers observe token cadence in real time.
func (a *Agent) callLLM(ctx context.Context, messages []Message) (*llmResponse, error) {
	// Derived cancel so the producer goroutine behind Generate is cleaned
	// up when collection stops early.
	llmCtx, llmCancel := context.WithCancel(ctx)
	defer llmCancel()

	stream, err := a.llm.Generate(llmCtx, &GenerateInput{
		RunID:    a.handler.runID,
		AgentID:  a.ID,
		System:   a.systemPrompt,
		Messages: messages,
		Params:   a.params,
		Tools:    a.toolDefinitions(),
	})
	if err != nil {
		return nil, fmt.Errorf("LLM generate: %w", err)
	}
	defer a.handler.Reset()

	response := &llmResponse{}
	var text, reasoning []byte
	for chunk := range stream {
		if err := a.handler.HandleChunk(ctx, chunk); err != nil {
			return nil, err
		}
		switch c := chunk.(type) {
		case *TextChunk:
			text = append(text, c.Content...)
		case *ReasoningChunk:
			reasoning = append(reasoning, c.Content...)
		case *ToolCallChunk:
			response.ToolCalls = append(response.ToolCalls, ToolCall{
				ID:        c.ID,
				Name:      c.Name,
				Arguments: c.Arguments,
			})
		case *ErrorChunk:
			return nil, fmt.Errorf("LLM error: %s", c.Message)
		}
	}

	response.Text = string(text)
	response.Reasoning = string(reasoning)
	return response, nil
}

// runToolCalls executes the tool calls of one assistant turn. Execution is
// sequential unless the agent was built with ParallelTools (the global
// supervisor in parallel execution mode).
func (a *Agent) runToolCalls(ctx context.Context, calls []ToolCall) ([]Message, error) {
	results := make([]Message, len(calls))

	execute := func(i int) error {
		call := calls[i]
		tool, ok := a.toolIndex[call.Name]
		if !ok {
			return fmt.Errorf("agent %s: LLM requested unknown tool %q", a.Name, call.Name)
		}

		output, err := tool.Run(ctx, taskFromArgs(call.Arguments))
		if err != nil {
			return err
		}

		a.handler.ToolResult(ctx, call.Name, models.Preview(output))
		results[i] = Message{
			Role:       RoleTool,
			Content:    output,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		}
		return nil
	}

	if a.parallelTools && len(calls) > 1 {
		var g errgroup.Group
		for i := range calls {
			g.Go(func() error { return execute(i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return results, nil
	}

	for i := range calls {
		if err := execute(i); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (a *Agent) toolDefinitions() []ToolDefinition {
	if len(a.tools) == 0 {
		return nil
	}
	defs := make([]ToolDefinition, len(a.tools))
	for i, tool := range a.tools {
		defs[i] = ToolDefinition{
			Name:             tool.Name,
			Description:      tool.Description,
			ParametersSchema: taskSchema,
		}
	}
	return defs
}
