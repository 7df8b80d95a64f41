package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// PubSub is the minimal Redis Pub/Sub contract RedisBus needs;
// infra.GoRedisAdapter satisfies it.
type PubSub interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus fans presence events out across relay processes via Redis
// Pub/Sub. In-process subscribers receive events through the same Redis
// subscription; they are delivered to directly only when a publish to
// Redis fails.
type RedisBus struct {
	mu      sync.RWMutex
	pubsub  PubSub
	channel string
	local   map[int]presenceHandler
	nextID  int
	unsub   func()
	closed  bool
}

// NewRedisBus creates a presence bus backed by Redis Pub/Sub on the given
// channel (e.g. "pairbridge:presence").
func NewRedisBus(client PubSub, channel string) (*RedisBus, error) {
	if channel == "" {
		channel = "pairbridge:presence"
	}
	b := &RedisBus{pubsub: client, channel: channel, local: make(map[int]presenceHandler)}

	unsub, err := client.Subscribe(context.Background(), channel, func(data []byte) {
		var evt presenceEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("router: malformed presence event from redis", "error", err)
			return
		}
		b.deliverLocal(context.Background(), evt)
	})
	if err != nil {
		return nil, err
	}
	b.unsub = unsub
	return b, nil
}

func (b *RedisBus) Publish(ctx context.Context, evt presenceEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("router: failed to marshal presence event", "error", err)
		return
	}
	if err := b.pubsub.Publish(ctx, b.channel, data); err != nil {
		slog.Warn("router: presence publish failed, delivering locally only", "error", err)
		b.deliverLocal(ctx, evt)
	}
}

func (b *RedisBus) Subscribe(handler presenceHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.local[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.local, id)
	}
}

func (b *RedisBus) deliverLocal(ctx context.Context, evt presenceEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, h := range b.local {
		go h(ctx, evt)
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.unsub != nil {
		b.unsub()
	}
	return nil
}
