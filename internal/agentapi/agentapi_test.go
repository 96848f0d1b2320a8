package agentapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"tempokernel.local/kernel/internal/llm"
	"tempokernel.local/kernel/internal/registry"
)

func TestExtractToolUseFiltersNonToolBlocks(t *testing.T) {
	blocks := []llm.ContentBlock{
		{Type: "text", Text: "let me check that"},
		{Type: "tool_use", ID: "call-1", Name: "search"},
		{Type: "tool_use", ID: "call-2", Name: "data_query"},
	}

	calls := extractToolUse(blocks)
	require.Len(t, calls, 2)
	require.Equal(t, "call-1", calls[0].ID)
	require.Equal(t, "call-2", calls[1].ID)
}

func TestExtractToolUseReturnsNilWithoutToolCalls(t *testing.T) {
	blocks := []llm.ContentBlock{{Type: "text", Text: "no tools needed"}}
	require.Nil(t, extractToolUse(blocks))
}

func TestUIRenderFromSchemaDefaultsComponent(t *testing.T) {
	render := uiRenderFromSchema(map[string]any{
		"title": "Results",
		"data":  map[string]any{"rows": 3},
	})
	require.Equal(t, "card", render.Component)
	require.Equal(t, "Results", render.Title)
	require.Equal(t, "replace", render.RenderMode)
	require.NotEmpty(t, render.UIID)
}

func TestUIRenderFromSchemaHonorsComponent(t *testing.T) {
	render := uiRenderFromSchema(map[string]any{"component": "smart_table"})
	require.Equal(t, "smart_table", render.Component)
}

func TestControllerToolDefinitionsIsPermissiveObjectSchema(t *testing.T) {
	// The registry itself is exercised end to end by internal/registry's
	// own tests; here we only check that an Entry translates into a
	// well-formed tool definition, without needing a live gorm.DB.
	nodes, err := registry.New(log.New(io.Discard, "", 0), nil)
	require.NoError(t, err)
	require.NoError(t, nodes.RegisterWebhook(context.Background(), "notify", "https://hooks.example.com/notify", "Notify", "sends a notification", nil))

	defs := (&Controller{nodes: nodes}).toolDefinitions()
	require.Len(t, defs, 1)
	require.Equal(t, "Notify", defs[0].Name)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(defs[0].InputSchema, &schema))
	require.Equal(t, "object", schema["type"])
	require.Equal(t, true, schema["additionalProperties"])
}
