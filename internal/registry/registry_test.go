package registry

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tempokernel.local/kernel/internal/db"
)

type stubNode struct {
	name string
}

func (s *stubNode) Name() string        { return s.name }
func (s *stubNode) Description() string { return "stub node" }
func (s *stubNode) Execute(context.Context, string, string, map[string]any, BlackboardHandle) (NodeResult, error) {
	return NodeResult{Status: "success"}, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	gdb, err := db.OpenGorm("sqlite", path)
	require.NoError(t, err)

	reg, err := New(log.New(io.Discard, "", 0), gdb)
	require.NoError(t, err)
	return reg
}

func TestRegistryResolveBuiltin(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterBuiltin(ctx, "echo", &stubNode{name: "echo"}))

	resolved, err := reg.Resolve("builtin://echo")
	require.NoError(t, err)
	require.NotNil(t, resolved.Builtin)
	require.Nil(t, resolved.Webhook)
	require.Equal(t, "echo", resolved.Builtin.Name())
}

func TestRegistryResolveUnknownBuiltin(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Resolve("builtin://missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryResolveRegisteredWebhook(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	schema, _ := json.Marshal(map[string]any{"type": "object"})
	require.NoError(t, reg.RegisterWebhook(ctx, "notify", "https://hooks.example.com/notify", "Notify", "sends a notification", schema))

	resolved, err := reg.Resolve("https://hooks.example.com/notify")
	require.NoError(t, err)
	require.Nil(t, resolved.Builtin)
	require.NotNil(t, resolved.Webhook)
	require.Equal(t, "notify", resolved.Webhook.NodeID)
}

func TestRegistryResolveAdhocWebhook(t *testing.T) {
	reg := newTestRegistry(t)
	resolved, err := reg.Resolve("https://unregistered.example.com/hook")
	require.NoError(t, err)
	require.NotNil(t, resolved.Webhook)
	require.Equal(t, "adhoc", resolved.Webhook.NodeID)
}

func TestRegistryReloadFromDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	gdb, err := db.OpenGorm("sqlite", path)
	require.NoError(t, err)
	logger := log.New(io.Discard, "", 0)

	first, err := New(logger, gdb)
	require.NoError(t, err)
	require.NoError(t, first.RegisterWebhook(context.Background(), "notify", "https://hooks.example.com/notify", "Notify", "", nil))

	second, err := New(logger, gdb)
	require.NoError(t, err)
	require.NoError(t, second.Reload(context.Background()))

	resolved, err := second.Resolve("https://hooks.example.com/notify")
	require.NoError(t, err)
	require.Equal(t, "notify", resolved.Webhook.NodeID)
}

func TestRegistryListAll(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.RegisterBuiltin(ctx, "echo", &stubNode{name: "echo"}))
	require.NoError(t, reg.RegisterWebhook(ctx, "notify", "https://hooks.example.com/notify", "Notify", "", nil))

	entries := reg.ListAll()
	require.Len(t, entries, 2)
	require.Equal(t, 2, reg.Len())
}
