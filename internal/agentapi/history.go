package agentapi

import (
	"context"
	"fmt"
	"strings"

	"tempokernel.local/kernel/internal/llm"
)

// HistoryWindow bounds how much conversation history rides along on
// every completion call: the last MaxRounds rounds ride verbatim, and
// once the accumulated message count passes SummaryAt, everything
// older than the verbatim tail is collapsed into a single system-role
// summary produced by a cheap model call, so a long-running chat
// doesn't grow its context linearly forever.
type HistoryWindow struct {
	Provider     llm.Provider
	SummaryModel string
	MaxRounds    int
	SummaryAt    int
}

// Apply returns the message list a completion call should see:
// history unchanged if it's still within SummaryAt, or a synthesized
// summary message followed by the most recent MaxRounds rounds
// otherwise. The returned slice is also what should be persisted as
// the new working history — the summarization is destructive, trading
// verbatim recall of old turns for a bounded context.
func (h HistoryWindow) Apply(ctx context.Context, history []llm.Message) ([]llm.Message, error) {
	if len(history) <= h.SummaryAt {
		return history, nil
	}

	tailLen := h.MaxRounds * 2
	if tailLen <= 0 || tailLen > len(history) {
		tailLen = len(history)
	}
	splitAt := len(history) - tailLen
	older, tail := history[:splitAt], history[splitAt:]
	if len(older) == 0 {
		return history, nil
	}

	summary, err := h.summarize(ctx, older)
	if err != nil {
		return nil, fmt.Errorf("history: summarize older turns: %w", err)
	}

	collapsed := make([]llm.Message, 0, len(tail)+1)
	collapsed = append(collapsed, llm.Message{Role: llm.RoleSystem, Content: summary})
	collapsed = append(collapsed, tail...)
	return collapsed, nil
}

func (h HistoryWindow) summarize(ctx context.Context, turns []llm.Message) (string, error) {
	var b strings.Builder
	for _, m := range turns {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := h.Provider.Complete(ctx, llm.CompletionRequest{
		Model:        h.SummaryModel,
		SystemPrompt: "Summarize this conversation excerpt in a few sentences, preserving names, decisions and open questions. Do not add commentary.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: b.String()},
		},
		MaxTokens:   400,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	return "Earlier conversation summary: " + strings.TrimSpace(resp.Content), nil
}
