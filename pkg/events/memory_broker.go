package events

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker for single-node deployments and tests.
// Publish delivers to matching subscribers synchronously on the caller's
// goroutine.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs []*memorySub
}

type memorySub struct {
	ctx      context.Context
	patterns []string
	handler  Handler
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, event Event) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	subs := make([]*memorySub, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		for _, pattern := range sub.patterns {
			if ok, _ := path.Match(pattern, channel); ok {
				_ = sub.handler(ctx, channel, event)
				break
			}
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, patterns []string, handler Handler) error {
	b.mu.Lock()
	b.subs = append(b.subs, &memorySub{ctx: ctx, patterns: patterns, handler: handler})
	b.mu.Unlock()
	return nil
}
