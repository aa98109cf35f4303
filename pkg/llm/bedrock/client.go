// Package bedrock implements the streaming LLM client on the AWS Bedrock
// Converse API: agent conversations are encoded into ConverseStream requests
// and the incremental event stream is translated back into chunk values.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/crewrun/crewd/pkg/agent"
)

// chunkBuffer is the producer-side buffer between the AWS event stream and
// the consumer's chunk channel.
const chunkBuffer = 32

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client the
// adapter needs. It matches *bedrockruntime.Client so tests can substitute
// a fake.
type RuntimeClient interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Client adapts Bedrock ConverseStream to the agent.LLMClient contract.
type Client struct {
	runtime RuntimeClient
}

// NewClient wraps a Bedrock runtime client.
func NewClient(runtime RuntimeClient) *Client {
	return &Client{runtime: runtime}
}

// Generate implements agent.LLMClient. The returned channel is fed by a
// goroutine that drains the AWS event stream; it is closed when the stream
// completes, fails, or the context is cancelled.
func (c *Client) Generate(ctx context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	request, err := buildRequest(input)
	if err != nil {
		return nil, err
	}

	out, err := c.runtime.ConverseStream(ctx, request)
	if err != nil {
		return nil, wrapError(err)
	}

	chunks := make(chan agent.Chunk, chunkBuffer)
	go pump(ctx, out.GetStream(), chunks)
	return chunks, nil
}

// Close implements agent.LLMClient. The AWS client holds no per-connection
// state worth releasing.
func (c *Client) Close() error { return nil }

// pump drains one AWS event stream into the chunk channel. Errors arrive as
// a final ErrorChunk; channel close always signals end of stream.
func pump(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, chunks chan<- agent.Chunk) {
	defer close(chunks)
	defer func() { _ = stream.Close() }()

	assembler := newToolAssembler()
	events := stream.Events()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				if err := stream.Err(); err != nil {
					emit(ctx, chunks, &agent.ErrorChunk{Message: err.Error()})
				}
				return
			}
			for _, chunk := range assembler.handle(event) {
				if !emit(ctx, chunks, chunk) {
					return
				}
			}
		}
	}
}

func emit(ctx context.Context, chunks chan<- agent.Chunk, chunk agent.Chunk) bool {
	select {
	case <-ctx.Done():
		return false
	case chunks <- chunk:
		return true
	}
}

// toolAssembler buffers per-block tool-use fragments until the block stops,
// then yields one fully-assembled ToolCallChunk.
type toolAssembler struct {
	blocks map[int32]*toolBuffer
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func newToolAssembler() *toolAssembler {
	return &toolAssembler{blocks: make(map[int32]*toolBuffer)}
}

func (a *toolAssembler) handle(event brtypes.ConverseStreamOutput) []agent.Chunk {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		a.blocks = make(map[int32]*toolBuffer)

	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if ev.Value.ContentBlockIndex == nil {
			return nil
		}
		if toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			tb := &toolBuffer{}
			if toolUse.Value.ToolUseId != nil {
				tb.id = *toolUse.Value.ToolUseId
			}
			if toolUse.Value.Name != nil {
				tb.name = *toolUse.Value.Name
			}
			a.blocks[*ev.Value.ContentBlockIndex] = tb
		}

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return []agent.Chunk{&agent.TextChunk{Content: delta.Value}}
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if text, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
				return []agent.Chunk{&agent.ReasoningChunk{Content: text.Value}}
			}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if ev.Value.ContentBlockIndex == nil || delta.Value.Input == nil {
				return nil
			}
			if tb := a.blocks[*ev.Value.ContentBlockIndex]; tb != nil {
				tb.fragments = append(tb.fragments, *delta.Value.Input)
			}
		}

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		if ev.Value.ContentBlockIndex == nil {
			return nil
		}
		if tb := a.blocks[*ev.Value.ContentBlockIndex]; tb != nil {
			delete(a.blocks, *ev.Value.ContentBlockIndex)
			return []agent.Chunk{&agent.ToolCallChunk{
				ID:        tb.id,
				Name:      tb.name,
				Arguments: tb.arguments(),
			}}
		}

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage != nil {
			slog.Debug("Bedrock token usage",
				"input_tokens", aws.ToInt32(ev.Value.Usage.InputTokens),
				"output_tokens", aws.ToInt32(ev.Value.Usage.OutputTokens))
		}
	}
	return nil
}

func (tb *toolBuffer) arguments() string {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		return "{}"
	}
	return joined
}

// buildRequest encodes one agent conversation into a ConverseStream input.
func buildRequest(input *agent.GenerateInput) (*bedrockruntime.ConverseStreamInput, error) {
	messages, err := encodeMessages(input.Messages)
	if err != nil {
		return nil, err
	}

	request := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(input.Params.ModelID),
		Messages: messages,
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(input.Params.MaxTokens)),
			Temperature: aws.Float32(input.Params.Temperature),
			TopP:        aws.Float32(input.Params.TopP),
		},
	}
	if input.System != "" {
		request.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: input.System},
		}
	}
	if len(input.Tools) > 0 {
		toolConfig, err := encodeTools(input.Tools)
		if err != nil {
			return nil, err
		}
		request.ToolConfig = toolConfig
	}
	return request, nil
}

// encodeMessages maps conversation turns to Bedrock messages. Tool results
// travel as user-role tool_result blocks; consecutive tool results are
// merged into one user message as the Converse API requires.
func encodeMessages(messages []agent.Message) ([]brtypes.Message, error) {
	var out []brtypes.Message
	for _, msg := range messages {
		switch msg.Role {
		case agent.RoleUser:
			out = append(out, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: msg.Content}},
			})

		case agent.RoleAssistant:
			var blocks []brtypes.ContentBlock
			if msg.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				input, err := toDocument(call.Arguments)
				if err != nil {
					return nil, fmt.Errorf("encode tool call %s: %w", call.Name, err)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(call.ID),
						Name:      aws.String(call.Name),
						Input:     input,
					},
				})
			}
			out = append(out, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})

		case agent.RoleTool:
			block := &brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				},
			}
			if n := len(out); n > 0 && out[n-1].Role == brtypes.ConversationRoleUser && isToolResultOnly(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, block)
			} else {
				out = append(out, brtypes.Message{
					Role:    brtypes.ConversationRoleUser,
					Content: []brtypes.ContentBlock{block},
				})
			}

		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	return out, nil
}

func isToolResultOnly(msg brtypes.Message) bool {
	for _, block := range msg.Content {
		if _, ok := block.(*brtypes.ContentBlockMemberToolResult); !ok {
			return false
		}
	}
	return len(msg.Content) > 0
}

func encodeTools(tools []agent.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	specs := make([]brtypes.Tool, 0, len(tools))
	for _, tool := range tools {
		schema, err := toDocument(tool.ParametersSchema)
		if err != nil {
			return nil, fmt.Errorf("encode tool schema %s: %w", tool.Name, err)
		}
		specs = append(specs, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schema},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: specs}, nil
}

func toDocument(raw string) (document.Interface, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, err
	}
	return document.NewLazyDocument(value), nil
}
