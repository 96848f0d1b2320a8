package llm

import (
	"context"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type stubChatCompletionsClient struct {
	lastParams openai.ChatCompletionNewParams
	resp       *openai.ChatCompletion
	err        error
}

func (s *stubChatCompletionsClient) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestOpenAICompleteTextOnly(t *testing.T) {
	stub := &stubChatCompletionsClient{
		resp: &openai.ChatCompletion{
			Model: "gpt-4o-mini",
			Choices: []openai.ChatCompletionChoice{
				{
					FinishReason: "stop",
					Message:      openai.ChatCompletionMessage{Content: "hi there"},
				},
			},
			Usage: openai.CompletionUsage{PromptTokens: 12, CompletionTokens: 4},
		},
	}
	provider := newOpenAIProviderFromClient(stub)

	resp, err := provider.Complete(context.Background(), CompletionRequest{
		Model:     "gpt-4o-mini",
		MaxTokens: 256,
		Messages:  []Message{{Role: RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi there" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if len(stub.lastParams.Messages) != 1 {
		t.Fatalf("expected one message forwarded, got %d", len(stub.lastParams.Messages))
	}
}

func TestOpenAICompleteRequiresModel(t *testing.T) {
	provider := newOpenAIProviderFromClient(&stubChatCompletionsClient{})
	_, err := provider.Complete(context.Background(), CompletionRequest{
		MaxTokens: 128,
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatalf("expected error for missing model")
	}
}

func TestOpenAICompleteRejectsEmptyChoices(t *testing.T) {
	provider := newOpenAIProviderFromClient(&stubChatCompletionsClient{resp: &openai.ChatCompletion{}})
	_, err := provider.Complete(context.Background(), CompletionRequest{
		Model:     "gpt-4o-mini",
		MaxTokens: 128,
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatalf("expected error for empty choices")
	}
}

func TestOpenAICompleteWithSystemPrompt(t *testing.T) {
	stub := &stubChatCompletionsClient{
		resp: &openai.ChatCompletion{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "ok"}},
			},
		},
	}
	provider := newOpenAIProviderFromClient(stub)

	_, err := provider.Complete(context.Background(), CompletionRequest{
		Model:        "gpt-4o-mini",
		MaxTokens:    64,
		SystemPrompt: "be terse",
		Messages:     []Message{{Role: RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stub.lastParams.Messages) != 2 {
		t.Fatalf("expected system + user message, got %d", len(stub.lastParams.Messages))
	}
}
