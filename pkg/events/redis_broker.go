package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"unitynets-realtime/pkg/logger"
)

// RedisBroker is the pub/sub transport behind every realtime subscription:
// signal-channel observation, conversation list refresh, and per-conversation
// message streams all ride on it.
type RedisBroker struct {
	Client *goredis.Client
	log    *logger.Logger
}

func NewRedisBroker(addr, password string, db int, log *logger.Logger) *RedisBroker {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisBroker{Client: rdb, log: log}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, event Event) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.Client.Publish(ctx, channel, data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, patterns []string, handler Handler) error {
	pubsub := b.Client.PSubscribe(ctx, patterns...)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.log.Errorf("events: unmarshal on %s: %v", msg.Channel, err)
					continue
				}
				if err := handler(ctx, msg.Channel, event); err != nil {
					b.log.Errorf("events: handler on %s: %v", msg.Channel, err)
				}
			}
		}
	}()

	return nil
}

func (b *RedisBroker) Close() error {
	return b.Client.Close()
}
