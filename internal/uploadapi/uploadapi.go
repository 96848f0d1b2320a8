// Package uploadapi implements the direct-upload signature endpoint:
// given a filename and target directory, it returns a short-lived
// object-store POST policy the browser can submit the file bytes to
// directly, so the kernel process itself never receives the upload.
package uploadapi

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"tempokernel.local/kernel/internal/externalclients"
	"tempokernel.local/kernel/internal/ids"
	"tempokernel.local/kernel/internal/kernelerr"
)

const (
	defaultExpireSeconds = 300
	maxExpireSeconds     = 3600
)

// Config carries the object-store credentials and defaults the signer
// needs. AccessKeySecret never leaves this process.
type Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	AccessKeySecret string
	MaxUploadSize   int64
}

type Handler struct {
	logger *log.Logger
	cfg    Config
	store  *externalclients.ObjectStoreClient
	now    func() time.Time
}

func New(logger *log.Logger, cfg Config, store *externalclients.ObjectStoreClient) *Handler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Handler{logger: logger, cfg: cfg, store: store, now: time.Now}
}

type signatureRequest struct {
	Filename      string `json:"filename"`
	ContentType   string `json:"content_type"`
	Dir           string `json:"dir"`
	ExpireSeconds int    `json:"expire_seconds"`
	ContentLength int64  `json:"content_length"`
}

type signaturePolicy struct {
	Method            string            `json:"method"`
	URL               string            `json:"url"`
	Fields            map[string]string `json:"fields"`
	ObjectURL         string            `json:"object_url"`
	ExpireAt          time.Time         `json:"expire_at"`
	SuccessActionCode int               `json:"success_action_status"`
}

// ServeHTTP handles POST /api/oss/post-signature.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	traceID := strings.TrimSpace(r.Header.Get("X-Trace-Id"))
	if traceID == "" {
		traceID = ids.New()
	}
	tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-Id"))
	if tenantID == "" {
		writeKernelError(w, kernelerr.New(kernelerr.KindUnauthorized, traceID, "X-Tenant-Id header is required"))
		return
	}

	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	var req signatureRequest
	if err := dec.Decode(&req); err != nil {
		writeKernelError(w, kernelerr.New(kernelerr.KindBadRequest, traceID, fmt.Sprintf("invalid json: %v", err)))
		return
	}

	policy, kerr := h.sign(tenantID, traceID, req)
	if kerr != nil {
		writeKernelError(w, kerr)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (h *Handler) sign(tenantID, traceID string, req signatureRequest) (signaturePolicy, *kernelerr.Error) {
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		return signaturePolicy{}, kernelerr.New(kernelerr.KindBadRequest, traceID, "filename is required")
	}
	if h.cfg.MaxUploadSize > 0 && req.ContentLength > h.cfg.MaxUploadSize {
		return signaturePolicy{}, kernelerr.New(kernelerr.KindBadRequest, traceID, fmt.Sprintf(
			"upload of %s exceeds the maximum allowed size of %s",
			humanize.Bytes(uint64(req.ContentLength)),
			humanize.Bytes(uint64(h.cfg.MaxUploadSize)),
		))
	}

	expireSeconds := req.ExpireSeconds
	if expireSeconds <= 0 {
		expireSeconds = defaultExpireSeconds
	}
	if expireSeconds > maxExpireSeconds {
		expireSeconds = maxExpireSeconds
	}

	dir := strings.Trim(strings.TrimSpace(req.Dir), "/")
	if dir == "" {
		dir = tenantID
	}
	key := path.Join(dir, ids.NewUUID()+"-"+path.Base(filename))

	expireAt := h.now().Add(time.Duration(expireSeconds) * time.Second)
	successStatus := 201

	maxSize := h.cfg.MaxUploadSize
	if maxSize <= 0 {
		maxSize = 100 << 20
	}

	policyDoc := map[string]any{
		"expiration": expireAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		"conditions": []any{
			map[string]string{"bucket": h.cfg.Bucket},
			[]any{"content-length-range", 0, maxSize},
			[]any{"eq", "$key", key},
			[]any{"eq", "$success_action_status", strconv.Itoa(successStatus)},
		},
	}
	if req.ContentType != "" {
		policyDoc["conditions"] = append(policyDoc["conditions"].([]any), []any{"eq", "$Content-Type", req.ContentType})
	}

	encodedPolicy, err := json.Marshal(policyDoc)
	if err != nil {
		return signaturePolicy{}, kernelerr.Wrap(kernelerr.KindInternal, traceID, err)
	}
	policyBase64 := base64.StdEncoding.EncodeToString(encodedPolicy)
	signature := signPolicy(h.cfg.AccessKeySecret, policyBase64)

	fields := map[string]string{
		"key":                   key,
		"policy":                policyBase64,
		"OSSAccessKeyId":        h.cfg.AccessKeyID,
		"signature":             signature,
		"success_action_status": strconv.Itoa(successStatus),
	}
	if req.ContentType != "" {
		fields["Content-Type"] = req.ContentType
	}

	objectURL := ""
	if h.store != nil {
		objectURL = h.store.ObjectURL(key)
	}

	return signaturePolicy{
		Method:            http.MethodPost,
		URL:               h.cfg.Endpoint,
		Fields:            fields,
		ObjectURL:         objectURL,
		ExpireAt:          expireAt,
		SuccessActionCode: successStatus,
	}, nil
}

func signPolicy(secret, policyBase64 string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(policyBase64))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeKernelError(w http.ResponseWriter, err *kernelerr.Error) {
	if err == nil {
		err = kernelerr.New(kernelerr.KindInternal, "", "unknown error")
	}
	writeJSON(w, err.HTTPStatus(), map[string]any{
		"code":      err.Kind,
		"message":   err.Message,
		"trace_id":  err.TraceID,
		"retryable": err.Retryable,
	})
}
