package externalclients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestObjectStoreObjectURL(t *testing.T) {
	client := NewObjectStoreClient("https://oss.example.com", "my-bucket")
	got := client.ObjectURL("/uploads/file.png")
	want := "https://oss.example.com/my-bucket/uploads/file.png"
	if got != want {
		t.Fatalf("unexpected url: got=%s want=%s", got, want)
	}
}

func TestObjectStoreExistsTrue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD request, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewObjectStoreClient(server.URL, "bucket")
	ok, err := client.Exists(context.Background(), "uploads/a.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected object to exist")
	}
}

func TestObjectStoreExistsFalse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewObjectStoreClient(server.URL, "bucket")
	ok, err := client.Exists(context.Background(), "missing.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected object to be missing")
	}
}
