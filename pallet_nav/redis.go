package pallet_nav

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisTransport receives detection frames over Redis pub/sub. Each topic is
// a channel.
type RedisTransport struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logrus.Entry
}

// NewRedisTransport connects, subscribes to topics and starts forwarding
// messages into in.
func NewRedisTransport(ctx context.Context, cfg PerceptionConfig, in *Ingestor, topics []string, log *logrus.Entry) (*RedisTransport, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("%w: perception.redis_addr must be set", ErrInvalidConfig)
	}
	if log == nil {
		log = discardLogger()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	pubsub := rdb.Subscribe(ctx, topics...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("subscribe %v: %w", topics, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &RedisTransport{
		rdb:    rdb,
		pubsub: pubsub,
		cancel: cancel,
		log:    log.WithField("component", "redis_transport"),
	}
	t.wg.Add(1)
	go t.forward(runCtx, in)
	return t, nil
}

func (t *RedisTransport) forward(ctx context.Context, in *Ingestor) {
	defer t.wg.Done()
	ch := t.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = in.Ingest(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Publish sends payload on the channel named topic.
func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.rdb.Publish(ctx, topic, payload).Err()
}

// Close unsubscribes and closes the client.
func (t *RedisTransport) Close() error {
	t.cancel()
	err := t.pubsub.Close()
	t.wg.Wait()
	if cerr := t.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}
