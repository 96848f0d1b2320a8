// Package agentapi implements the Agent Controller of SPEC_FULL.md
// §4.8: the SSE-bound chat endpoint that runs a think-call-tool-respond
// loop against an LLM provider, dispatching tool calls through the
// kernel's own Dispatcher instead of a standalone tool-call client.
//
// The decision loop's shape — build messages, call the model, branch
// on whether it asked for a tool, execute and feed the result back in,
// repeat — is grounded on crab-gateway/internal/gateway/service.go's
// handleChannelMessage, generalized from a Discord-bot reply pipeline
// to a browser-facing SSE stream and from an ad-hoc HTTP tool client to
// the kernel's own session/dispatch machinery.
package agentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"tempokernel.local/kernel/internal/events"
	"tempokernel.local/kernel/internal/externalclients"
	"tempokernel.local/kernel/internal/ids"
	"tempokernel.local/kernel/internal/kernelerr"
	"tempokernel.local/kernel/internal/llm"
	"tempokernel.local/kernel/internal/metrics"
	"tempokernel.local/kernel/internal/registry"
	"tempokernel.local/kernel/internal/sse"
	"tempokernel.local/kernel/internal/tenancy"
)

const (
	historyBlackboardKey = "_chat_history"
	systemPrompt         = "You are the assistant embedded in a multi-tenant workflow kernel. Use the available tools to search records, run data queries, parse uploaded files and draft documents on the user's behalf. Reply directly when no tool is needed."
	defaultAssistantMsg  = "asst"
)

// Config holds the model and loop-bound settings the controller reads
// from the process config at construction time.
type Config struct {
	ProviderName      string
	ModelName         string
	SummaryModelName  string
	MaxToolIterations int
	ContextMaxRounds  int
	ContextSummaryAt  int
	FileParseTimeout  time.Duration
	LLMTimeout        time.Duration
}

// Controller wires an LLM provider, the tenant Dispatcher/Blackboard
// bundle and the data service into the chat decision loop.
type Controller struct {
	logger      *log.Logger
	tenants     *tenancy.Registry
	eventRepo   *events.Repository
	nodes       *registry.Registry
	models      *llm.Registry
	dataService *externalclients.DataServiceClient
	metrics     *metrics.Registry
	cfg         Config
}

func New(logger *log.Logger, tenants *tenancy.Registry, eventRepo *events.Repository, nodes *registry.Registry, models *llm.Registry, dataService *externalclients.DataServiceClient, metricsRegistry *metrics.Registry, cfg Config) *Controller {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "anthropic"
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 6
	}
	if cfg.ContextMaxRounds <= 0 {
		cfg.ContextMaxRounds = 6
	}
	if cfg.ContextSummaryAt <= 0 {
		cfg.ContextSummaryAt = 10
	}
	if cfg.FileParseTimeout <= 0 {
		cfg.FileParseTimeout = 60 * time.Second
	}
	return &Controller{
		logger:      logger,
		tenants:     tenants,
		eventRepo:   eventRepo,
		nodes:       nodes,
		models:      models,
		dataService: dataService,
		metrics:     metricsRegistry,
		cfg:         cfg,
	}
}

// ChatFile is one attachment on a chat turn, already uploaded via the
// upload-signature endpoint's object-store POST policy.
type ChatFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ChatMessage is one turn of the request body's message list; only the
// final entry is normally new, earlier entries are ignored in favor of
// the server-held history keyed by SessionID.
type ChatMessage struct {
	Role    string     `json:"role"`
	Content string     `json:"content"`
	Files   []ChatFile `json:"files,omitempty"`
}

// ChatRequest is the decoded body of POST /api/agent/chat.
type ChatRequest struct {
	TenantID  string        `json:"-"`
	UserID    string        `json:"-"`
	TraceID   string        `json:"-"`
	SessionID string        `json:"session_id"`
	Messages  []ChatMessage `json:"messages"`
}

// HandleChat drives one turn of the chat loop end to end, writing SSE
// frames to w as it goes. It always leaves exactly one session_init
// frame first and exactly one done frame last, even when it returns an
// error partway through — the error itself is reported as an error
// frame before done, not as an HTTP-layer failure, once the stream has
// started.
func (c *Controller) HandleChat(ctx context.Context, w http.ResponseWriter, req ChatRequest) error {
	if len(req.Messages) == 0 {
		return kernelerr.New(kernelerr.KindBadRequest, req.TraceID, "messages must not be empty")
	}
	latest := req.Messages[len(req.Messages)-1]

	writer, err := sse.New(c.logger, w)
	if err != nil {
		return kernelerr.Wrap(kernelerr.KindInternal, req.TraceID, err)
	}
	defer writer.Close()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = ids.NewUUID()
	}
	if err := writer.WriteSessionInit(sessionID); err != nil {
		return nil
	}

	bundle := c.tenants.Get(req.TenantID)
	provider, ok := c.models.Get(c.cfg.ProviderName)
	if !ok {
		_ = writer.WriteError(string(kernelerr.KindInternal), "no model provider configured", false)
		return writer.WriteDone(sessionID)
	}

	history, err := c.loadHistory(ctx, bundle, sessionID)
	if err != nil {
		_ = writer.WriteError(string(kernelerr.KindInternal), "failed to load conversation history", false)
		return writer.WriteDone(sessionID)
	}

	userMsg, err := c.absorbAttachments(ctx, req.TenantID, sessionID, latest, writer)
	if err != nil {
		_ = writer.WriteError(string(kernelerr.KindUpstreamError), err.Error(), true)
		return writer.WriteDone(sessionID)
	}
	history = append(history, userMsg)

	window := HistoryWindow{
		Provider:     provider,
		SummaryModel: c.cfg.SummaryModelName,
		MaxRounds:    c.cfg.ContextMaxRounds,
		SummaryAt:    c.cfg.ContextSummaryAt,
	}
	llmMessages, err := window.Apply(ctx, history)
	if err != nil {
		c.logger.Printf("agentapi: history summarization failed, falling back to full history: %v", err)
		llmMessages = history
	}

	tools := c.toolDefinitions()
	messageID := ids.NewUUID()
	outcome := "replied"

	for iteration := 0; iteration < c.cfg.MaxToolIterations; iteration++ {
		_ = writer.WriteThinking(sse.Thinking{Phase: sse.PhasePlan, Status: "running", Progress: 10})

		completion, err := provider.Complete(ctx, llm.CompletionRequest{
			Model:        c.cfg.ModelName,
			SystemPrompt: systemPrompt,
			Messages:     llmMessages,
			Tools:        tools,
			MaxTokens:    2048,
		})
		if err != nil {
			outcome = "error"
			_ = writer.WriteError(string(kernelerr.KindUpstreamError), fmt.Sprintf("model call failed: %v", err), true)
			break
		}

		toolCalls := extractToolUse(completion.Blocks)
		if len(toolCalls) == 0 {
			_ = writer.WriteThinking(sse.Thinking{Phase: sse.PhaseFinalize, Status: "success", Progress: 100})
			_ = writer.WriteMessage(messageID, "full", completion.Content)
			llmMessages = append(llmMessages, llm.Message{Role: llm.RoleAssistant, Content: completion.Content})
			break
		}

		assistantMsg := llm.Message{Role: llm.RoleAssistant, Content: completion.Content, Blocks: toolCalls}
		llmMessages = append(llmMessages, assistantMsg)

		var toolResults []llm.ContentBlock
		for _, call := range toolCalls {
			result := c.runTool(ctx, req.TenantID, sessionID, call, writer)
			toolResults = append(toolResults, result)
		}
		llmMessages = append(llmMessages, llm.Message{Role: llm.RoleUser, Blocks: toolResults})

		if iteration == c.cfg.MaxToolIterations-1 {
			outcome = "error"
			_ = writer.WriteError(string(kernelerr.KindInternal), "exceeded maximum tool iterations", false)
		}
	}

	if err := c.saveHistory(ctx, bundle, sessionID, llmMessages); err != nil {
		c.logger.Printf("agentapi: failed to persist chat history for session %s: %v", sessionID, err)
	}
	if c.metrics != nil {
		c.metrics.AgentTurns.WithLabelValues(outcome).Inc()
	}
	return writer.WriteDone(sessionID)
}

func extractToolUse(blocks []llm.ContentBlock) []llm.ContentBlock {
	var out []llm.ContentBlock
	for _, b := range blocks {
		if b.Type == "tool_use" {
			out = append(out, b)
		}
	}
	return out
}

// runTool executes one tool_use block against the tenant's Dispatcher
// as a single-node session and translates the resulting NodeResult
// back into a tool_result content block for the model.
func (c *Controller) runTool(ctx context.Context, tenantID, chatSessionID string, call llm.ContentBlock, writer *sse.Writer) llm.ContentBlock {
	runID := ids.NewUUID()
	_ = writer.WriteToolStart(sse.ToolEvent{RunID: runID, Tool: call.Name, Title: call.Name})

	var params map[string]any
	if len(call.Input) > 0 {
		_ = json.Unmarshal(call.Input, &params)
	}

	bundle := c.tenants.Get(tenantID)
	toolSessionID, err := bundle.Manager.StartSingleNode(ctx, call.Name, params)
	if err != nil {
		_ = writer.WriteToolDone(sse.ToolEvent{RunID: runID, Tool: call.Name, Title: call.Name, Status: "failed"})
		return llm.ContentBlock{Type: "tool_result", ToolUseID: call.ID, Content: fmt.Sprintf("failed to start tool session: %v", err), IsError: true}
	}
	if err := bundle.Dispatcher.Dispatch(ctx, tenantID, toolSessionID, events.TypeCmdExecute, nil); err != nil {
		_ = writer.WriteToolDone(sse.ToolEvent{RunID: runID, Tool: call.Name, Title: call.Name, Status: "failed"})
		return llm.ContentBlock{Type: "tool_result", ToolUseID: call.ID, Content: fmt.Sprintf("tool execution failed: %v", err), IsError: true}
	}

	status, message, uiSchema := c.latestResult(ctx, tenantID, toolSessionID)
	if uiSchema != nil {
		_ = writer.WriteUIRender(uiRenderFromSchema(uiSchema))
	}

	frameStatus := "success"
	isError := status == "error"
	if isError {
		frameStatus = "failed"
	}
	_ = writer.WriteToolDone(sse.ToolEvent{RunID: runID, Tool: call.Name, Title: call.Name, Status: frameStatus})

	return llm.ContentBlock{Type: "tool_result", ToolUseID: call.ID, Content: message, IsError: isError}
}

// latestResult finds the most recent EVENT_RESULT/EVENT_ERROR recorded
// for a single-node tool session, since Dispatch itself only reports
// success or failure of the state-machine advance, not the node's own
// NodeResult payload.
func (c *Controller) latestResult(ctx context.Context, tenantID, sessionID string) (status, message string, uiSchema map[string]any) {
	envs, err := c.eventRepo.ForSession(ctx, tenantID, sessionID, 0)
	if err != nil {
		return "error", fmt.Sprintf("could not read tool result: %v", err), nil
	}
	for i := len(envs) - 1; i >= 0; i-- {
		e := envs[i]
		if e.Type != events.TypeEventResult && e.Type != events.TypeEventError {
			continue
		}
		var payload struct {
			Status   string         `json:"status"`
			Message  string         `json:"message"`
			UISchema map[string]any `json:"ui_schema"`
		}
		if err := e.DecodePayload(&payload); err != nil {
			continue
		}
		return payload.Status, payload.Message, payload.UISchema
	}
	return "error", "tool produced no result", nil
}

func uiRenderFromSchema(schema map[string]any) sse.UIRender {
	component, _ := schema["component"].(string)
	if component == "" {
		component = "card"
	}
	title, _ := schema["title"].(string)
	data, _ := schema["data"].(map[string]any)
	return sse.UIRender{
		UIID:       ids.NewUUID(),
		RenderMode: "replace",
		Component:  component,
		Title:      title,
		Data:       data,
	}
}

// toolDefinitions exposes every registered node as an LLM tool. The
// registry's ListAll entries carry no parameter schema (a webhook's
// registered ParamSchema is not exposed through them), so every tool
// advertises a permissive object schema; a specific skill's
// own prompt tells the model which fields it expects.
func (c *Controller) toolDefinitions() []llm.ToolDefinition {
	entries := c.nodes.ListAll()
	out := make([]llm.ToolDefinition, 0, len(entries))
	for _, e := range entries {
		out = append(out, llm.ToolDefinition{
			Name:        e.Name,
			Description: e.Description,
			InputSchema: json.RawMessage(`{"type":"object","additionalProperties":true}`),
		})
	}
	return out
}

// absorbAttachments turns a chat turn's file list into text the model
// can read: it parses each file through the data service, bounded by
// FileParseTimeout, and downgrades to a plain notice if parsing does
// not finish in time.
func (c *Controller) absorbAttachments(ctx context.Context, tenantID, sessionID string, msg ChatMessage, writer *sse.Writer) (llm.Message, error) {
	content := msg.Content
	for _, f := range msg.Files {
		_ = writer.WriteThinking(sse.Thinking{Phase: sse.PhaseTool, Status: "running", Step: "file_parser", Content: "reading " + f.Name})

		parsed, err := c.parseAttachment(ctx, tenantID, f)
		if err != nil {
			content += fmt.Sprintf("\n\n[attachment %q could not be parsed in time: %v]", f.Name, err)
			continue
		}
		content += fmt.Sprintf("\n\n[attachment %q]\n%s", f.Name, parsed)
	}
	return llm.Message{Role: llm.RoleUser, Content: content}, nil
}

func (c *Controller) parseAttachment(ctx context.Context, tenantID string, f ChatFile) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.FileParseTimeout)
	defer cancel()

	taskID, err := c.dataService.ParseFile(timeoutCtx, externalclients.ParseRequest{
		ObjectURL: f.URL,
		Filename:  f.Name,
		TenantID:  tenantID,
	})
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		task, err := c.dataService.GetTask(timeoutCtx, taskID)
		if err != nil {
			return "", err
		}
		switch fmt.Sprint(task["status"]) {
		case "done", "success":
			return fmt.Sprint(task["result"]), nil
		case "error", "failed":
			return "", fmt.Errorf("parsing failed")
		}
		select {
		case <-timeoutCtx.Done():
			return "", timeoutCtx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Controller) loadHistory(ctx context.Context, bundle *tenancy.Bundle, sessionID string) ([]llm.Message, error) {
	raw, ok, err := bundle.Blackboard.Get(ctx, sessionID, historyBlackboardKey)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var history []llm.Message
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	return history, nil
}

func (c *Controller) saveHistory(ctx context.Context, bundle *tenancy.Bundle, sessionID string, history []llm.Message) error {
	return bundle.Blackboard.Set(ctx, sessionID, historyBlackboardKey, history)
}
