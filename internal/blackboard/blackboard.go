// Package blackboard implements the per-session, per-tenant shared
// state store of SPEC_FULL.md §4.2, backed by Redis hashes the way
// tempo_os/memory/blackboard.py backs it with Redis, adapted to the
// dependency-injected constructor idiom the rest of this codebase
// uses (NewX(logger, deps...)).
package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const artifactTTLSeconds = 7 * 24 * 3600

// Blackboard is scoped to one tenant; every key it touches is
// namespaced "{prefix}:{tenantId}:...".
type Blackboard struct {
	logger     *log.Logger
	rdb        *redis.Client
	prefix     string
	tenantID   string
	sessionTTL int
}

func New(logger *log.Logger, rdb *redis.Client, prefix, tenantID string, sessionTTLSeconds int) *Blackboard {
	return &Blackboard{logger: logger, rdb: rdb, prefix: prefix, tenantID: tenantID, sessionTTL: sessionTTLSeconds}
}

func (b *Blackboard) TenantID() string { return b.tenantID }

func (b *Blackboard) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:session:%s", b.prefix, b.tenantID, sessionID)
}

func (b *Blackboard) artifactKey(artifactID string) string {
	return fmt.Sprintf("%s:%s:artifact:%s", b.prefix, b.tenantID, artifactID)
}

func (b *Blackboard) artifactSetKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:session:%s:artifacts", b.prefix, b.tenantID, sessionID)
}

func (b *Blackboard) resultsKey(sessionID, tool string) string {
	return fmt.Sprintf("%s:%s:results:%s:%s", b.prefix, b.tenantID, sessionID, tool)
}

// Set writes a state variable for a session and refreshes its TTL to
// max(currentTTL, sessionDefault), matching the write-refresh policy
// of the original Python implementation.
func (b *Blackboard) Set(ctx context.Context, sessionID, key string, value any) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	redisKey := b.sessionKey(sessionID)
	if err := b.rdb.HSet(ctx, redisKey, key, encoded).Err(); err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return b.refreshTTL(ctx, redisKey)
}

func (b *Blackboard) refreshTTL(ctx context.Context, redisKey string) error {
	ttl, err := b.rdb.TTL(ctx, redisKey).Result()
	if err != nil {
		return fmt.Errorf("read ttl: %w", err)
	}
	target := b.sessionTTL
	if int(ttl.Seconds()) > target {
		target = int(ttl.Seconds())
	}
	return b.rdb.Expire(ctx, redisKey, time.Duration(target) * time.Second).Err()
}

// Get reads a single state field for a session; ok is false if unset.
func (b *Blackboard) Get(ctx context.Context, sessionID, key string) (string, bool, error) {
	raw, err := b.rdb.HGet(ctx, b.sessionKey(sessionID), key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state: %w", err)
	}
	return raw, true, nil
}

// GetAll returns every state field for a session.
func (b *Blackboard) GetAll(ctx context.Context, sessionID string) (map[string]string, error) {
	m, err := b.rdb.HGetAll(ctx, b.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get all state: %w", err)
	}
	return m, nil
}

// Delete removes a single state key from a session.
func (b *Blackboard) Delete(ctx context.Context, sessionID, key string) error {
	return b.rdb.HDel(ctx, b.sessionKey(sessionID), key).Err()
}

// SetSignal sets a boolean signal flag (e.g. "abort") on a session.
func (b *Blackboard) SetSignal(ctx context.Context, sessionID, name string, value bool) error {
	return b.Set(ctx, sessionID, "signal:"+name, value)
}

// GetSignal reads a boolean signal flag; defaults to false when unset.
func (b *Blackboard) GetSignal(ctx context.Context, sessionID, name string) (bool, error) {
	raw, ok, err := b.Get(ctx, sessionID, "signal:"+name)
	if err != nil || !ok {
		return false, err
	}
	return raw == "true" || raw == `"true"`, nil
}

// WriteArtifact stores an immutable artifact and adds its id to the
// session's artifact set. Artifact identifiers double as the
// NodeResult.artifacts map key per SPEC_FULL.md §4.2.
func (b *Blackboard) WriteArtifact(ctx context.Context, sessionID, artifactID string, value any) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	if err := b.rdb.Set(ctx, b.artifactKey(artifactID), encoded, artifactTTLSeconds * time.Second).Err(); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	setKey := b.artifactSetKey(sessionID)
	if err := b.rdb.SAdd(ctx, setKey, artifactID).Err(); err != nil {
		return fmt.Errorf("index artifact: %w", err)
	}
	return b.refreshTTL(ctx, setKey)
}

// ReadArtifact retrieves a previously written artifact by id.
func (b *Blackboard) ReadArtifact(ctx context.Context, artifactID string) (string, bool, error) {
	raw, err := b.rdb.Get(ctx, b.artifactKey(artifactID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read artifact: %w", err)
	}
	return raw, true, nil
}

// ListArtifacts returns every artifact id written for a session.
func (b *Blackboard) ListArtifacts(ctx context.Context, sessionID string) ([]string, error) {
	ids, err := b.rdb.SMembers(ctx, b.artifactSetKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return ids, nil
}

// AppendResult accumulates a tool result onto a per-(session,tool)
// list so repeated calls within one ReAct loop remain visible to
// later turns, per SPEC_FULL.md §2C.
func (b *Blackboard) AppendResult(ctx context.Context, sessionID, tool string, data any) (int64, error) {
	encoded, err := encodeValue(data)
	if err != nil {
		return 0, err
	}
	key := b.resultsKey(sessionID, tool)
	n, err := b.rdb.RPush(ctx, key, encoded).Result()
	if err != nil {
		return 0, fmt.Errorf("append result: %w", err)
	}
	if err := b.rdb.Expire(ctx, key, time.Duration(b.sessionTTL) * time.Second).Err(); err != nil {
		return n, fmt.Errorf("expire results: %w", err)
	}
	return n, nil
}

// GetResults returns up to limit of the most recent accumulated tool results.
func (b *Blackboard) GetResults(ctx context.Context, sessionID, tool string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	return b.rdb.LRange(ctx, b.resultsKey(sessionID, tool), -limit, -1).Result()
}

// ClearSession removes all state, artifact-set membership and
// accumulated results for a session (the artifacts themselves outlive
// their own TTL independently, matching the original's clear_session).
func (b *Blackboard) ClearSession(ctx context.Context, sessionID string) error {
	pipe := b.rdb.Pipeline()
	pipe.Del(ctx, b.sessionKey(sessionID))
	pipe.Del(ctx, b.artifactSetKey(sessionID))
	iter := b.rdb.Scan(ctx, 0, b.resultsKey(sessionID, "*"), 0).Iterator()
	for iter.Next(ctx) {
		pipe.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// ListSessions returns every session id currently tracked for this
// tenant (admin/registry introspection, SPEC_FULL.md §2C).
func (b *Blackboard) ListSessions(ctx context.Context) ([]string, error) {
	pattern := fmt.Sprintf("%s:%s:session:*", b.prefix, b.tenantID)
	seen := map[string]struct{}{}
	iter := b.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		suffix := key[len(fmt.Sprintf("%s:%s:session:", b.prefix, b.tenantID)):]
		if suffix == "" {
			continue
		}
		if idx := indexOfColon(suffix); idx >= 0 {
			continue
		}
		seen[suffix] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

func indexOfColon(s string) int {
	for i, r := range s {
		if r == ':' {
			return i
		}
	}
	return -1
}

func encodeValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode value: %w", err)
		}
		return string(b), nil
	}
}
