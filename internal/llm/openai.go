package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type chatCompletionsClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type OpenAIOption func(*openAIOptions)

type openAIOptions struct {
	clientOpts []option.RequestOption
}

func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(o *openAIOptions) {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			o.clientOpts = append(o.clientOpts, option.WithBaseURL(trimmed))
		}
	}
}

func WithOpenAIRequestOptions(opts ...option.RequestOption) OpenAIOption {
	return func(o *openAIOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// OpenAIProvider implements Provider on top of the Chat Completions API
// via the official OpenAI SDK client.
type OpenAIProvider struct {
	client chatCompletionsClient
}

var _ Provider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	o := openAIOptions{clientOpts: []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}}
	for _, fn := range opts {
		fn(&o)
	}
	client := openai.NewClient(o.clientOpts...)
	return &OpenAIProvider{client: &client.Chat.Completions}
}

// NewCodexProvider points the OpenAI Chat Completions client at the
// ChatGPT backend used by Codex-style subscription accounts instead of
// metered API keys.
func NewCodexProvider(authToken, accountID string, opts ...OpenAIOption) *OpenAIProvider {
	o := openAIOptions{clientOpts: []option.RequestOption{
		option.WithBaseURL(defaultCodexEndpoint),
		option.WithAPIKey(strings.TrimSpace(authToken)),
		option.WithHeader("chatgpt-account-id", strings.TrimSpace(accountID)),
		option.WithHeader("originator", codexOriginator),
	}}
	for _, fn := range opts {
		fn(&o)
	}
	client := openai.NewClient(o.clientOpts...)
	return &OpenAIProvider{client: &client.Chat.Completions}
}

const (
	defaultCodexEndpoint = "https://chatgpt.com/backend-api"
	codexOriginator      = "tempokernel"
)

func newOpenAIProviderFromClient(client chatCompletionsClient) *OpenAIProvider {
	return &OpenAIProvider{client: client}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if strings.TrimSpace(req.Model) == "" {
		return CompletionResponse{}, errors.New("model is required")
	}
	if req.MaxTokens <= 0 {
		return CompletionResponse{}, errors.New("max tokens must be greater than zero")
	}

	messages := buildOpenAIMessages(req)
	if len(messages) == 0 {
		return CompletionResponse{}, errors.New("at least one message is required")
	}

	params := openai.ChatCompletionNewParams{
		Model:               req.Model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(req.MaxTokens)),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildOpenAITools(req.Tools)
	}

	resp, err := p.client.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("openai chat completions: %w", err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResponse{}, errors.New("openai response contained no choices")
	}

	choice := resp.Choices[0]
	blocks := translateOpenAIBlocks(choice)
	content := choice.Message.Content

	return CompletionResponse{
		Content: content,
		Blocks:  blocks,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		Model:      resp.Model,
		StopReason: choice.FinishReason,
	}, nil
}

func buildOpenAIMessages(req CompletionRequest) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		messages = append(messages, buildOpenAIMessage(m)...)
	}
	return messages
}

func buildOpenAIMessage(m Message) []openai.ChatCompletionMessageParamUnion {
	if len(m.Blocks) == 0 {
		switch m.Role {
		case RoleUser:
			return []openai.ChatCompletionMessageParamUnion{openai.UserMessage(m.Content)}
		case RoleAssistant:
			return []openai.ChatCompletionMessageParamUnion{openai.AssistantMessage(m.Content)}
		case RoleSystem:
			return []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(m.Content)}
		default:
			return nil
		}
	}

	var out []openai.ChatCompletionMessageParamUnion
	var text strings.Builder
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, b := range m.Blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
				ID:   b.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		case "tool_result":
			out = append(out, openai.ToolMessage(b.Content, b.ToolUseID))
		}
	}
	if len(toolCalls) > 0 {
		out = append([]openai.ChatCompletionMessageParamUnion{{
			OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toolCalls,
			},
		}}, out...)
	} else if text.Len() > 0 {
		out = append([]openai.ChatCompletionMessageParamUnion{openai.AssistantMessage(text.String())}, out...)
	}
	return out
}

func buildOpenAITools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(rawSchemaToMap(t.InputSchema)),
			},
		}
	}
	return out
}

func rawSchemaToMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

func translateOpenAIBlocks(choice openai.ChatCompletionChoice) []ContentBlock {
	blocks := make([]ContentBlock, 0, len(choice.Message.ToolCalls)+1)
	if choice.Message.Content != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		blocks = append(blocks, ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: []byte(tc.Function.Arguments),
		})
	}
	return blocks
}
