// Package externalclients holds thin HTTP wrappers around the services
// the kernel treats as fixed external collaborators: the file-parsing
// data service and the object store backing direct uploads. Neither
// service's own implementation lives in this repository.
package externalclients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const defaultDataServiceTimeout = 120 * time.Second

// DataServiceClient wraps the file-parsing / semantic-query data
// service ("Tonglu" in the original system) used by the search,
// data_query and file_parser builtin nodes.
type DataServiceClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

type DataServiceOption func(*DataServiceClient)

func WithDataServiceHTTPClient(client *http.Client) DataServiceOption {
	return func(c *DataServiceClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func NewDataServiceClient(baseURL string, logger *log.Logger, opts ...DataServiceOption) *DataServiceClient {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c := &DataServiceClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: defaultDataServiceTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type QueryRequest struct {
	Query    string         `json:"query"`
	Mode     string         `json:"mode"`
	Filters  map[string]any `json:"filters,omitempty"`
	TenantID string         `json:"tenant_id"`
	Limit    int            `json:"limit"`
}

type QueryResult struct {
	Results []map[string]any `json:"results"`
}

// Query issues a semantic + structured query against the data service.
func (c *DataServiceClient) Query(ctx context.Context, req QueryRequest) ([]map[string]any, error) {
	if req.Mode == "" {
		req.Mode = "hybrid"
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}

	var parsed QueryResult
	if err := c.post(ctx, "/api/query", req, &parsed); err != nil {
		return nil, err
	}
	return parsed.Results, nil
}

type IngestRequest struct {
	Data       any            `json:"data"`
	TenantID   string         `json:"tenant_id"`
	SchemaType string         `json:"schema_type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type ingestResponse struct {
	RecordID string `json:"record_id"`
}

// Ingest submits structured or free-text data and returns its record id.
func (c *DataServiceClient) Ingest(ctx context.Context, req IngestRequest) (string, error) {
	var parsed ingestResponse
	if err := c.post(ctx, "/api/ingest/text", req, &parsed); err != nil {
		return "", err
	}
	return parsed.RecordID, nil
}

// GetRecord fetches a previously ingested record by id.
func (c *DataServiceClient) GetRecord(ctx context.Context, recordID string) (map[string]any, error) {
	var parsed map[string]any
	if err := c.get(ctx, "/api/records/"+recordID, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

type ParseRequest struct {
	ObjectURL string `json:"object_url"`
	Filename  string `json:"filename"`
	TenantID  string `json:"tenant_id"`
}

type parseResponse struct {
	TaskID string `json:"task_id"`
}

// ParseFile submits a previously uploaded object for asynchronous
// parsing and returns the task id GetTask polls for completion.
func (c *DataServiceClient) ParseFile(ctx context.Context, req ParseRequest) (string, error) {
	var parsed parseResponse
	if err := c.post(ctx, "/api/parse", req, &parsed); err != nil {
		return "", err
	}
	return parsed.TaskID, nil
}

// GetTask polls the status of an asynchronous file-parsing task.
func (c *DataServiceClient) GetTask(ctx context.Context, taskID string) (map[string]any, error) {
	var parsed map[string]any
	if err := c.get(ctx, "/api/tasks/"+taskID, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// HealthCheck reports whether the data service is reachable.
func (c *DataServiceClient) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *DataServiceClient) post(ctx context.Context, path string, body, into any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal data service request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build data service request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	return c.do(req, into)
}

func (c *DataServiceClient) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build data service request: %w", err)
	}
	return c.do(req, into)
}

func (c *DataServiceClient) do(req *http.Request, into any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call data service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		message := strings.TrimSpace(string(body))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		c.logger.Printf("data service warning path=%s status=%d msg=%s", req.URL.Path, resp.StatusCode, message)
		return fmt.Errorf("data service status %d: %s", resp.StatusCode, message)
	}

	if into == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(into); err != nil {
		return fmt.Errorf("decode data service response: %w", err)
	}
	return nil
}
