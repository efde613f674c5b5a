package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisRelay implements Relay over Redis Pub/Sub with one channel per lab.
type RedisRelay struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisRelay(url string, log zerolog.Logger) (*RedisRelay, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("realtime: redis url: %w", err)
	}
	return NewRedisRelayFromClient(redis.NewClient(opt), log), nil
}

func NewRedisRelayFromClient(rdb *redis.Client, log zerolog.Logger) *RedisRelay {
	return &RedisRelay{rdb: rdb, log: log}
}

func (r *RedisRelay) Publish(ctx context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, labChannel(d.LabID), data).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context, fn func(Delivery)) error {
	ps := r.rdb.PSubscribe(ctx, "lab:*")
	defer func() { _ = ps.Close() }()
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("realtime: redis subscribe: %w", err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("relay: bad delivery")
				continue
			}
			fn(d)
		}
	}
}

func (r *RedisRelay) Close() error { return r.rdb.Close() }

func labChannel(lab string) string { return "lab:" + lab }
