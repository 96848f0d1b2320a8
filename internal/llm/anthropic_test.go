package llm

import (
	"context"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type stubMessagesClient struct {
	lastParams anthropic.MessageNewParams
	resp       *anthropic.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestAnthropicCompleteTextOnly(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &anthropic.Message{
			Content: []anthropic.ContentBlockUnion{
				{Type: "text", Text: "hello there"},
			},
			Model:      "claude-3-5-sonnet-20241022",
			StopReason: anthropic.StopReasonEndTurn,
			Usage:      anthropic.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
	provider := newAnthropicProviderFromClient(stub)

	resp, err := provider.Complete(context.Background(), CompletionRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 256,
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello there" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if len(stub.lastParams.Messages) != 1 {
		t.Fatalf("expected one message forwarded, got %d", len(stub.lastParams.Messages))
	}
}

func TestAnthropicCompleteRequiresModel(t *testing.T) {
	provider := newAnthropicProviderFromClient(&stubMessagesClient{})
	_, err := provider.Complete(context.Background(), CompletionRequest{
		MaxTokens: 128,
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatalf("expected error for missing model")
	}
}

func TestAnthropicCompleteRequiresMaxTokens(t *testing.T) {
	provider := newAnthropicProviderFromClient(&stubMessagesClient{})
	_, err := provider.Complete(context.Background(), CompletionRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatalf("expected error for missing max tokens")
	}
}

func TestAnthropicCompleteToolUse(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &anthropic.Message{
			Content: []anthropic.ContentBlockUnion{
				{Type: "tool_use", ID: "call_1", Name: "lookup", Input: []byte(`{"query":"x"}`)},
			},
			Model:      "claude-3-5-sonnet-20241022",
			StopReason: anthropic.StopReasonToolUse,
		},
	}
	provider := newAnthropicProviderFromClient(stub)

	resp, err := provider.Complete(context.Background(), CompletionRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 256,
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
		Tools: []ToolDefinition{
			{Name: "lookup", Description: "look things up", InputSchema: []byte(`{"type":"object"}`)},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Blocks) != 1 || resp.Blocks[0].Type != "tool_use" {
		t.Fatalf("expected one tool_use block, got %+v", resp.Blocks)
	}
	if len(stub.lastParams.Tools) != 1 {
		t.Fatalf("expected tool forwarded to request")
	}
}

func TestAnthropicCompleteRejectsEmptyResponse(t *testing.T) {
	stub := &stubMessagesClient{resp: &anthropic.Message{}}
	provider := newAnthropicProviderFromClient(stub)

	_, err := provider.Complete(context.Background(), CompletionRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 128,
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatalf("expected error for empty response")
	}
}
