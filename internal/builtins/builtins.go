// Package builtins provides the kernel's own node implementations —
// thin adapters from a registry.BuiltinNode.Execute call onto the fixed
// external collaborator (the data service) rather
// than any NLP, parsing, or generation logic of the kernel's own. The
// prompt templates and heuristics behind any one skill are the agent's
// concern, not this package's; these nodes only shuttle a request to the
// service that actually does the work and shape its answer for the
// blackboard and the SSE UI.
package builtins

import (
	"context"
	"fmt"
	"time"

	"tempokernel.local/kernel/internal/externalclients"
	"tempokernel.local/kernel/internal/registry"
)

// RegisterAll wires the kernel's built-in node set into reg. Node ids
// are the same string a flow's state_node_map or an agent tool call uses
// to address the node: builtin://search, builtin://data_query,
// builtin://file_parser and builtin://document_writer.
func RegisterAll(ctx context.Context, reg *registry.Registry, ds *externalclients.DataServiceClient) error {
	nodes := []registry.BuiltinNode{
		NewSearchNode(ds),
		NewDataQueryNode(ds),
		NewFileParserNode(ds),
		NewDocumentWriterNode(),
	}
	for _, n := range nodes {
		if err := reg.RegisterBuiltin(ctx, n.Name(), n); err != nil {
			return fmt.Errorf("builtins: register %s: %w", n.Name(), err)
		}
	}
	return nil
}

// SearchNode runs a lexical/semantic lookup against the data service.
type SearchNode struct {
	ds *externalclients.DataServiceClient
}

func NewSearchNode(ds *externalclients.DataServiceClient) *SearchNode { return &SearchNode{ds: ds} }

func (n *SearchNode) Name() string        { return "search" }
func (n *SearchNode) Description() string { return "Searches ingested records for a query string" }

func (n *SearchNode) Execute(ctx context.Context, sessionID, tenantID string, params map[string]any, bb registry.BlackboardHandle) (registry.NodeResult, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return registry.NodeResult{}, fmt.Errorf("search: params.query is required")
	}
	limit := 10
	if v, ok := params["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	results, err := n.ds.Query(ctx, externalclients.QueryRequest{
		Query:    query,
		TenantID: tenantID,
		Limit:    limit,
	})
	if err != nil {
		return registry.NodeResult{}, fmt.Errorf("search: %w", err)
	}

	if err := bb.Set(ctx, sessionID, "_last_search_count", len(results)); err != nil {
		return registry.NodeResult{}, fmt.Errorf("search: record result count: %w", err)
	}

	return registry.NodeResult{
		Status:  "success",
		Message: fmt.Sprintf("found %d matching record(s)", len(results)),
		UISchema: map[string]any{
			"component": "smart_table",
			"title":     "Search results",
			"data":      map[string]any{"rows": results},
		},
	}, nil
}

// DataQueryNode runs a structured/hybrid query against the data service.
type DataQueryNode struct {
	ds *externalclients.DataServiceClient
}

func NewDataQueryNode(ds *externalclients.DataServiceClient) *DataQueryNode {
	return &DataQueryNode{ds: ds}
}

func (n *DataQueryNode) Name() string        { return "data_query" }
func (n *DataQueryNode) Description() string { return "Runs a filtered query against the data service" }

func (n *DataQueryNode) Execute(ctx context.Context, sessionID, tenantID string, params map[string]any, bb registry.BlackboardHandle) (registry.NodeResult, error) {
	query, _ := params["query"].(string)
	mode, _ := params["mode"].(string)
	filters, _ := params["filters"].(map[string]any)

	results, err := n.ds.Query(ctx, externalclients.QueryRequest{
		Query:    query,
		Mode:     mode,
		Filters:  filters,
		TenantID: tenantID,
	})
	if err != nil {
		return registry.NodeResult{}, fmt.Errorf("data_query: %w", err)
	}

	artifactID := sessionID + ":data_query:" + query
	if err := bb.Set(ctx, sessionID, "_last_query_artifact", artifactID); err != nil {
		return registry.NodeResult{}, fmt.Errorf("data_query: record artifact ref: %w", err)
	}

	return registry.NodeResult{
		Status:    "success",
		Message:   fmt.Sprintf("query returned %d row(s)", len(results)),
		Artifacts: map[string]any{artifactID: results},
		UISchema: map[string]any{
			"component": "smart_table",
			"title":     "Query results",
			"data":      map[string]any{"rows": results},
		},
	}, nil
}

// fileParsePollInterval and fileParsePollTimeout bound how long the
// file_parser node waits inline for the data service's async parse task
// before giving up; the agent controller's own 60s attachment timeout is
// the outer bound a caller should also enforce.
const (
	fileParsePollInterval = 2 * time.Second
	fileParsePollTimeout  = 45 * time.Second
)

// FileParserNode submits an uploaded object for parsing and polls the
// data service's async task until it settles or the poll budget runs out.
type FileParserNode struct {
	ds *externalclients.DataServiceClient
}

func NewFileParserNode(ds *externalclients.DataServiceClient) *FileParserNode {
	return &FileParserNode{ds: ds}
}

func (n *FileParserNode) Name() string        { return "file_parser" }
func (n *FileParserNode) Description() string { return "Parses an uploaded file into structured text" }

func (n *FileParserNode) Execute(ctx context.Context, sessionID, tenantID string, params map[string]any, bb registry.BlackboardHandle) (registry.NodeResult, error) {
	objectURL, _ := params["object_url"].(string)
	filename, _ := params["filename"].(string)
	if objectURL == "" {
		return registry.NodeResult{}, fmt.Errorf("file_parser: params.object_url is required")
	}

	taskID, err := n.ds.ParseFile(ctx, externalclients.ParseRequest{
		ObjectURL: objectURL,
		Filename:  filename,
		TenantID:  tenantID,
	})
	if err != nil {
		return registry.NodeResult{}, fmt.Errorf("file_parser: %w", err)
	}

	deadline := time.Now().Add(fileParsePollTimeout)
	ticker := time.NewTicker(fileParsePollInterval)
	defer ticker.Stop()

	for {
		task, err := n.ds.GetTask(ctx, taskID)
		if err != nil {
			return registry.NodeResult{}, fmt.Errorf("file_parser: poll task %s: %w", taskID, err)
		}
		switch fmt.Sprint(task["status"]) {
		case "done", "success":
			artifactID := sessionID + ":file:" + filename
			if err := bb.Set(ctx, sessionID, "_last_file_artifact", artifactID); err != nil {
				return registry.NodeResult{}, fmt.Errorf("file_parser: record artifact ref: %w", err)
			}
			return registry.NodeResult{
				Status:    "success",
				Message:   fmt.Sprintf("parsed %s", filename),
				Artifacts: map[string]any{artifactID: task["result"]},
				UISchema: map[string]any{
					"component": "document_preview",
					"title":     filename,
					"data":      task["result"],
				},
			}, nil
		case "error", "failed":
			return registry.NodeResult{Status: "error", Message: fmt.Sprintf("file parsing failed for %s", filename)}, nil
		}

		if time.Now().After(deadline) {
			return registry.NodeResult{Status: "error", Message: fmt.Sprintf("timed out waiting for %s to parse", filename)}, nil
		}
		select {
		case <-ctx.Done():
			return registry.NodeResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DocumentWriterNode persists a caller-supplied document body as an
// artifact and hands it back for preview; it performs no generation of
// its own, that step already happened by the time this node runs.
type DocumentWriterNode struct{}

func NewDocumentWriterNode() *DocumentWriterNode { return &DocumentWriterNode{} }

func (n *DocumentWriterNode) Name() string        { return "document_writer" }
func (n *DocumentWriterNode) Description() string { return "Stores a generated document as a session artifact" }

func (n *DocumentWriterNode) Execute(ctx context.Context, sessionID, tenantID string, params map[string]any, bb registry.BlackboardHandle) (registry.NodeResult, error) {
	title, _ := params["title"].(string)
	body, _ := params["body"].(string)
	if body == "" {
		return registry.NodeResult{}, fmt.Errorf("document_writer: params.body is required")
	}
	if title == "" {
		title = "Untitled document"
	}

	artifactID := sessionID + ":document:" + title
	if err := bb.Set(ctx, sessionID, "_last_document_artifact", artifactID); err != nil {
		return registry.NodeResult{}, fmt.Errorf("document_writer: record artifact ref: %w", err)
	}

	return registry.NodeResult{
		Status:    "success",
		Message:   fmt.Sprintf("wrote document %q (%d bytes)", title, len(body)),
		Artifacts: map[string]any{artifactID: body},
		UISchema: map[string]any{
			"component": "document_preview",
			"title":     title,
			"data":      map[string]any{"body": body},
		},
	}, nil
}
