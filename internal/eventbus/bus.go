// Package eventbus implements the tenant-scoped publish/subscribe
// contract of SPEC_FULL.md §4.1 over Redis Pub/Sub, the fast
// key/value store donated by goadesign-goa-ai's dependency stack.
//
// Channels are keyed "{prefix}:{tenantId}:events". publish returns
// only once Redis has accepted the message; subscribe yields events
// published after the subscription starts until the caller cancels
// its context — there is no replay of missed events, that is served
// from the event repository instead.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"tempokernel.local/kernel/internal/events"
)

type Bus struct {
	logger *log.Logger
	rdb    *redis.Client
	prefix string
}

func New(logger *log.Logger, rdb *redis.Client, channelPrefix string) *Bus {
	return &Bus{logger: logger, rdb: rdb, prefix: channelPrefix}
}

func (b *Bus) channel(tenantID string) string {
	return fmt.Sprintf("%s:%s:events", b.prefix, tenantID)
}

// Publish accepts the event into the underlying transport before
// returning. It never blocks on subscriber processing.
func (b *Bus) Publish(ctx context.Context, tenantID string, event events.Envelope) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(tenantID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscription is a live, per-task cursor over one tenant's channel.
type Subscription struct {
	sub *redis.PubSub
	ch  <-chan *redis.Message
}

// Subscribe opens a subscription for tenantID. The caller must call
// Close (or cancel ctx) exactly once to release the connection
// deterministically, per SPEC_FULL.md §5's per-task ownership rule.
func (b *Bus) Subscribe(ctx context.Context, tenantID string) *Subscription {
	sub := b.rdb.Subscribe(ctx, b.channel(tenantID))
	return &Subscription{sub: sub, ch: sub.Channel()}
}

// Next blocks until the next event arrives, ctx is cancelled, or the
// subscription is closed. ok is false once the channel is drained.
func (s *Subscription) Next(ctx context.Context) (events.Envelope, bool, error) {
	select {
	case <-ctx.Done():
		return events.Envelope{}, false, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return events.Envelope{}, false, nil
		}
		var e events.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			return events.Envelope{}, true, fmt.Errorf("decode event: %w", err)
		}
		return e, true, nil
	}
}

func (s *Subscription) Close() error {
	return s.sub.Close()
}
