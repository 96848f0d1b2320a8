package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const claudeOAuthBeta = "claude-code-20250219,oauth-2025-04-20"

type messagesClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicOption configures an Anthropic-backed Provider.
type AnthropicOption func(*anthropicOptions)

type anthropicOptions struct {
	clientOpts []option.RequestOption
}

func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(o *anthropicOptions) {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			o.clientOpts = append(o.clientOpts, option.WithBaseURL(trimmed))
		}
	}
}

func WithAnthropicRequestOptions(opts ...option.RequestOption) AnthropicOption {
	return func(o *anthropicOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// AnthropicProvider implements Provider on top of the Messages API via
// the official Anthropic SDK client.
type AnthropicProvider struct {
	client messagesClient
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider authenticates with a plain Anthropic API key.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	o := anthropicOptions{clientOpts: []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}}
	for _, fn := range opts {
		fn(&o)
	}
	client := anthropic.NewClient(o.clientOpts...)
	return &AnthropicProvider{client: &client.Messages}
}

// NewClaudeProvider authenticates with an OAuth bearer token, the flow
// used by Claude subscription accounts rather than metered API keys.
func NewClaudeProvider(authToken string, opts ...AnthropicOption) *AnthropicProvider {
	o := anthropicOptions{clientOpts: []option.RequestOption{
		option.WithAuthToken(strings.TrimSpace(authToken)),
		option.WithHeader("anthropic-beta", claudeOAuthBeta),
		option.WithHeader("x-app", "cli"),
	}}
	for _, fn := range opts {
		fn(&o)
	}
	client := anthropic.NewClient(o.clientOpts...)
	return &AnthropicProvider{client: &client.Messages}
}

// newAnthropicProviderFromClient lets tests substitute a stub messagesClient.
func newAnthropicProviderFromClient(client messagesClient) *AnthropicProvider {
	return &AnthropicProvider{client: client}
}

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if strings.TrimSpace(req.Model) == "" {
		return CompletionResponse{}, errors.New("model is required")
	}
	if req.MaxTokens <= 0 {
		return CompletionResponse{}, errors.New("max tokens must be greater than zero")
	}

	messages, err := buildAnthropicMessages(req.Messages)
	if err != nil {
		return CompletionResponse{}, err
	}
	if len(messages) == 0 {
		return CompletionResponse{}, errors.New("at least one non-system message is required")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}

	msg, err := p.client.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	blocks := translateAnthropicBlocks(msg.Content)
	content := blocksText(blocks)
	if strings.TrimSpace(content) == "" && !hasToolUseBlock(blocks) {
		return CompletionResponse{}, errors.New("anthropic response contained no text")
	}

	modelName := string(msg.Model)
	if modelName == "" {
		modelName = req.Model
	}

	return CompletionResponse{
		Content: content,
		Blocks:  blocks,
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
		Model:      modelName,
		StopReason: string(msg.StopReason),
	}, nil
}

func buildAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		blocks, err := buildAnthropicContentBlocks(m)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(blocks...))
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case RoleSystem:
			continue
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func buildAnthropicContentBlocks(m Message) ([]anthropic.ContentBlockParamUnion, error) {
	if len(m.Blocks) == 0 {
		if m.Content == "" {
			return nil, nil
		}
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}, nil
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			}
		case "tool_use":
			var input any
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: decode tool_use input: %w", err)
				}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
		case "tool_result":
			blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
		default:
			return nil, fmt.Errorf("anthropic: unsupported content block type %q", b.Type)
		}
	}
	return blocks, nil
}

func buildAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if len(t.InputSchema) > 0 {
			var raw map[string]any
			if err := json.Unmarshal(t.InputSchema, &raw); err == nil {
				schema.ExtraFields = raw
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, tool)
	}
	return out
}

func translateAnthropicBlocks(content []anthropic.ContentBlockUnion) []ContentBlock {
	blocks := make([]ContentBlock, 0, len(content))
	for _, block := range content {
		switch block.Type {
		case "text":
			blocks = append(blocks, ContentBlock{Type: "text", Text: block.Text})
		case "tool_use":
			toolUse := block.AsToolUse()
			input, _ := json.Marshal(toolUse.Input)
			blocks = append(blocks, ContentBlock{
				Type:  "tool_use",
				ID:    toolUse.ID,
				Name:  toolUse.Name,
				Input: input,
			})
		}
	}
	return blocks
}

func blocksText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func hasToolUseBlock(blocks []ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == "tool_use" {
			return true
		}
	}
	return false
}
