package agentapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempokernel.local/kernel/internal/llm"
)

type stubProvider struct {
	response llm.CompletionResponse
	err      error
	calls    int
}

func (s *stubProvider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.calls++
	return s.response, s.err
}

func TestHistoryWindowApplyBelowThresholdIsUnchanged(t *testing.T) {
	provider := &stubProvider{}
	window := HistoryWindow{Provider: provider, MaxRounds: 3, SummaryAt: 10}

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
	}

	out, err := window.Apply(context.Background(), history)
	require.NoError(t, err)
	require.Equal(t, history, out)
	require.Zero(t, provider.calls, "must not call the model when under the summary threshold")
}

func TestHistoryWindowApplyCollapsesOlderTurns(t *testing.T) {
	provider := &stubProvider{response: llm.CompletionResponse{Content: "they discussed onboarding"}}
	window := HistoryWindow{Provider: provider, SummaryModel: "cheap-model", MaxRounds: 2, SummaryAt: 4}

	history := make([]llm.Message, 0, 12)
	for i := 0; i < 6; i++ {
		history = append(history,
			llm.Message{Role: llm.RoleUser, Content: "turn"},
			llm.Message{Role: llm.RoleAssistant, Content: "reply"},
		)
	}

	out, err := window.Apply(context.Background(), history)
	require.NoError(t, err)
	require.Equal(t, 1, provider.calls)

	require.Equal(t, llm.RoleSystem, out[0].Role)
	require.Contains(t, out[0].Content, "they discussed onboarding")
	require.Len(t, out, 1+window.MaxRounds*2)
	require.Equal(t, history[len(history)-window.MaxRounds*2:], out[1:])
}

func TestHistoryWindowApplyPropagatesSummarizeError(t *testing.T) {
	provider := &stubProvider{err: assert.AnError}
	window := HistoryWindow{Provider: provider, MaxRounds: 1, SummaryAt: 2}

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "a"},
		{Role: llm.RoleAssistant, Content: "b"},
		{Role: llm.RoleUser, Content: "c"},
		{Role: llm.RoleAssistant, Content: "d"},
	}

	_, err := window.Apply(context.Background(), history)
	require.Error(t, err)
}
