// Package registry implements the Node Registry of SPEC_FULL.md §4.4:
// resolving a node_ref string to either an in-process builtin node or
// an external webhook descriptor, with gorm-backed persistence so
// peer instances converge on the same webhook registrations.
//
// Grounded on tempo_os/kernel/node_registry.py's builtin/webhook split
// and crab-gateway/internal/toolclient/client.go's HTTP tool-call
// idiom for the webhook execution path.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// NodeResult is what a builtin node's Execute or a webhook's callback
// eventually produces, per SPEC_FULL.md §6's event schema.
type NodeResult struct {
	Status    string         `json:"status"` // success | error | need_user_input | aborted
	Message   string         `json:"message,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
	UISchema  map[string]any `json:"ui_schema,omitempty"`
}

// BuiltinNode is an in-process, synchronously executable node.
type BuiltinNode interface {
	Name() string
	Description() string
	Execute(ctx context.Context, sessionID, tenantID string, params map[string]any, bb BlackboardHandle) (NodeResult, error)
}

// BlackboardHandle is the narrow slice of the Blackboard a builtin
// node needs: reading/writing state and polling the abort signal.
type BlackboardHandle interface {
	Get(ctx context.Context, sessionID, key string) (string, bool, error)
	Set(ctx context.Context, sessionID, key string, value any) error
	GetSignal(ctx context.Context, sessionID, name string) (bool, error)
}

// WebhookInfo describes an external, HTTP-dispatched node.
type WebhookInfo struct {
	NodeID      string
	Name        string
	Endpoint    string
	Description string
	ParamSchema json.RawMessage
}

// ErrNotFound is returned when a node_ref cannot be resolved.
var ErrNotFound = fmt.Errorf("registry: node not found")

type nodeRow struct {
	NodeID      string `gorm:"primaryKey;size:191"`
	NodeType    string `gorm:"size:32;not null"` // builtin | webhook
	Name        string `gorm:"size:191;not null"`
	Description string `gorm:"type:text"`
	Endpoint    string `gorm:"size:512"`
	ParamSchema string `gorm:"type:text"`
	UpdatedAt   time.Time
}

func (nodeRow) TableName() string { return "node_registrations" }

// Registry unifies builtin and webhook node resolution and mirrors
// every registration into the database; a peer instance's Reload
// restores the webhook registrations from it, while builtin nodes are
// registered by each process itself.
type Registry struct {
	logger *log.Logger
	db     *gorm.DB

	mu       sync.RWMutex
	builtins map[string]BuiltinNode
	webhooks map[string]WebhookInfo
}

func New(logger *log.Logger, db *gorm.DB) (*Registry, error) {
	if db != nil {
		if err := db.AutoMigrate(&nodeRow{}); err != nil {
			return nil, fmt.Errorf("migrate node registry: %w", err)
		}
	}
	return &Registry{
		logger:   logger,
		db:       db,
		builtins: make(map[string]BuiltinNode),
		webhooks: make(map[string]WebhookInfo),
	}, nil
}

// RegisterBuiltin registers an in-process node under id, upserting a
// durable row for it. Reload reads back webhook rows only, so a peer
// does not gain this builtin from the row.
func (r *Registry) RegisterBuiltin(ctx context.Context, id string, node BuiltinNode) error {
	r.mu.Lock()
	r.builtins[id] = node
	r.mu.Unlock()

	if r.db == nil {
		return nil
	}
	row := nodeRow{
		NodeID:      id,
		NodeType:    "builtin",
		Name:        node.Name(),
		Description: node.Description(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("persist builtin registration: %w", err)
	}
	r.logger.Printf("registry: registered builtin node id=%s name=%s", id, node.Name())
	return nil
}

// RegisterWebhook registers an external webhook node under id.
func (r *Registry) RegisterWebhook(ctx context.Context, id, endpoint, name, description string, paramSchema json.RawMessage) error {
	if name == "" {
		name = id
	}
	info := WebhookInfo{NodeID: id, Name: name, Endpoint: endpoint, Description: description, ParamSchema: paramSchema}
	r.mu.Lock()
	r.webhooks[id] = info
	r.mu.Unlock()

	if r.db == nil {
		return nil
	}
	row := nodeRow{
		NodeID:      id,
		NodeType:    "webhook",
		Name:        name,
		Description: description,
		Endpoint:    endpoint,
		ParamSchema: string(paramSchema),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("persist webhook registration: %w", err)
	}
	r.logger.Printf("registry: registered webhook node id=%s endpoint=%s", id, endpoint)
	return nil
}

// Reload repopulates the webhook table from the database; builtin
// nodes are process-local and are never reloaded this way, they must
// be re-registered by the process that owns their code.
func (r *Registry) Reload(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	var rows []nodeRow
	if err := r.db.WithContext(ctx).Where("node_type = ?", "webhook").Find(&rows).Error; err != nil {
		return fmt.Errorf("reload node registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.webhooks[row.NodeID] = WebhookInfo{
			NodeID:      row.NodeID,
			Name:        row.Name,
			Endpoint:    row.Endpoint,
			Description: row.Description,
			ParamSchema: json.RawMessage(row.ParamSchema),
		}
	}
	return nil
}

// IsBuiltin reports whether a node_ref uses the builtin:// scheme.
func IsBuiltin(nodeRef string) bool {
	return strings.HasPrefix(nodeRef, "builtin://")
}

// Resolved is the outcome of resolving a node_ref: exactly one of
// Builtin or Webhook is set.
type Resolved struct {
	Builtin BuiltinNode
	Webhook *WebhookInfo
}

// Resolve maps a node_ref string ("builtin://id" or "http(s)://...")
// to an executor descriptor. Resolution failure is reported to the
// caller as ErrNotFound; per SPEC_FULL.md §4.4 this is fatal for the
// transition attempting it.
func (r *Registry) Resolve(nodeRef string) (Resolved, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch {
	case strings.HasPrefix(nodeRef, "builtin://"):
		id := strings.TrimPrefix(nodeRef, "builtin://")
		node, ok := r.builtins[id]
		if !ok {
			return Resolved{}, fmt.Errorf("%w: builtin %q", ErrNotFound, id)
		}
		return Resolved{Builtin: node}, nil
	case strings.HasPrefix(nodeRef, "http://") || strings.HasPrefix(nodeRef, "https://"):
		for _, wh := range r.webhooks {
			if wh.Endpoint == nodeRef {
				info := wh
				return Resolved{Webhook: &info}, nil
			}
		}
		// No pre-registered match: treat the ref itself as an ad-hoc
		// endpoint, matching the original's resolve_ref fallback.
		info := WebhookInfo{NodeID: "adhoc", Name: "adhoc", Endpoint: nodeRef}
		return Resolved{Webhook: &info}, nil
	default:
		return Resolved{}, fmt.Errorf("%w: unrecognized node_ref %q", ErrNotFound, nodeRef)
	}
}

// Entry is a listing row returned by ListAll.
type Entry struct {
	NodeID      string `json:"node_id"`
	NodeType    string `json:"node_type"`
	Name        string `json:"name"`
	Endpoint    string `json:"endpoint,omitempty"`
	Description string `json:"description,omitempty"`
}

// ListAll returns every registered node, builtin and webhook alike.
func (r *Registry) ListAll() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.builtins)+len(r.webhooks))
	for id, node := range r.builtins {
		out = append(out, Entry{NodeID: id, NodeType: "builtin", Name: node.Name(), Description: node.Description()})
	}
	for id, wh := range r.webhooks {
		out = append(out, Entry{NodeID: id, NodeType: "webhook", Name: wh.Name, Endpoint: wh.Endpoint, Description: wh.Description})
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builtins) + len(r.webhooks)
}
