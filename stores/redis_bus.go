package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/netguard"
)

// RedisBus fans rule-change events out to every engine instance over a
// Redis pub/sub channel. Delivery is best effort; local caches expire on
// TTL anyway, so a lost event only delays convergence.
type RedisBus struct {
	client  *redis.Client
	channel string
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRedisBus(client *redis.Client, namespace string) *RedisBus {
	if namespace == "" {
		namespace = "netguard"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:  client,
		channel: fmt.Sprintf("%s:rule-events", namespace),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *RedisBus) Publish(ctx context.Context, ev netguard.InvalidationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return &netguard.TransientError{Op: "redis publish", Err: err}
	}
	return nil
}

// Subscribe delivers events to fn on a background goroutine until Close.
// Malformed payloads are skipped.
func (b *RedisBus) Subscribe(fn func(netguard.InvalidationEvent)) {
	sub := b.client.Subscribe(b.ctx, b.channel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-b.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev netguard.InvalidationEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				fn(ev)
			}
		}
	}()
}

// Close stops every subscription started from this bus.
func (b *RedisBus) Close() { b.cancel() }
