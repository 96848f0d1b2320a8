package externalclients

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestDataServiceQueryDefaultsModeAndLimit(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"id": "rec_1"}},
		})
	}))
	defer server.Close()

	client := NewDataServiceClient(server.URL, discardLogger())
	results, err := client.Query(context.Background(), QueryRequest{Query: "华为的合同", TenantID: "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0]["id"] != "rec_1" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if gotBody["mode"] != "hybrid" {
		t.Fatalf("expected default mode hybrid, got %v", gotBody["mode"])
	}
	if gotBody["limit"].(float64) != 20 {
		t.Fatalf("expected default limit 20, got %v", gotBody["limit"])
	}
}

func TestDataServiceIngestReturnsRecordID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"record_id": "rec_42"})
	}))
	defer server.Close()

	client := NewDataServiceClient(server.URL, discardLogger())
	id, err := client.Ingest(context.Background(), IngestRequest{Data: "hello", TenantID: "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "rec_42" {
		t.Fatalf("unexpected record id: %s", id)
	}
}

func TestDataServiceNonOKStatusReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := NewDataServiceClient(server.URL, discardLogger())
	_, err := client.GetTask(context.Background(), "task_1")
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestDataServiceHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewDataServiceClient(server.URL, discardLogger())
	if !client.HealthCheck(context.Background()) {
		t.Fatalf("expected healthy")
	}
}
