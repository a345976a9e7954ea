package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mwork/credit-ledger/internal/domain/credit"
)

// RedisPublisher publishes ledger events to UserEventsChannel.
type RedisPublisher struct {
	redis   *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{redis: client, channel: UserEventsChannel}
}

// Notify implements credit.Notifier.
func (p *RedisPublisher) Notify(ctx context.Context, event credit.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.redis.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}
