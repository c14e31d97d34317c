package push

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DoyleJ11/cha-panelas/internal/logging"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

const relayChannel = "cha:push"

// Publisher is what the HTTP layer needs to announce a change.
type Publisher interface {
	Publish(ctx context.Context, kind string) error
}

// RedisRelay publishes events on a redis channel and feeds every event seen
// on that channel into the local hub, so all replicas notify their own
// subscribers. Local delivery happens only through the subscription.
type RedisRelay struct {
	rdb *redis.Client
	hub *Hub
	log *zap.Logger
}

func NewRedisRelay(url string, h *Hub, log *zap.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisRelay{rdb: redis.NewClient(opts), hub: h, log: logging.OrNop(log)}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, kind string) error {
	payload, err := json.Marshal(types.PushMessage{Type: kind})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, relayChannel, payload).Err()
}

// Run forwards relayed events to the hub until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, relayChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", relayChannel, err)
	}
	r.log.Info("push relay subscribed", zap.String("channel", relayChannel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg types.PushMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil || msg.Type == "" {
				r.log.Debug("dropping relayed payload", zap.String("payload", m.Payload))
				continue
			}
			r.hub.Send(ctx, Publish{Msg: msg})
		}
	}
}

func (r *RedisRelay) Close() error { return r.rdb.Close() }
