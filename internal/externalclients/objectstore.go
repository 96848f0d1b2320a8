package externalclients

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultObjectStoreTimeout = 30 * time.Second

// ObjectStoreClient wraps the pieces of the object store the kernel
// itself calls directly: canonical URL construction, and an existence
// check by object key that no kernel code path currently calls. Issuing signed
// upload policies is local cryptography (uploadapi), not a call
// against this client — the object store never receives kernel
// traffic during that step.
type ObjectStoreClient struct {
	endpoint   string
	bucket     string
	httpClient *http.Client
}

type ObjectStoreOption func(*ObjectStoreClient)

func WithObjectStoreHTTPClient(client *http.Client) ObjectStoreOption {
	return func(c *ObjectStoreClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func NewObjectStoreClient(endpoint, bucket string, opts ...ObjectStoreOption) *ObjectStoreClient {
	c := &ObjectStoreClient{
		endpoint:   strings.TrimSuffix(strings.TrimSpace(endpoint), "/"),
		bucket:     strings.TrimSpace(bucket),
		httpClient: &http.Client{Timeout: defaultObjectStoreTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ObjectURL returns the canonical URL for a key in this store's bucket.
func (c *ObjectStoreClient) ObjectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", c.endpoint, c.bucket, strings.TrimPrefix(key, "/"))
}

// Exists issues a HEAD request against the object key and reports
// whether the store has it.
func (c *ObjectStoreClient) Exists(ctx context.Context, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.ObjectURL(key), nil)
	if err != nil {
		return false, fmt.Errorf("build object store request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("call object store: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
