package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drawlens/drawdiff/internal/config"
	"github.com/drawlens/drawdiff/internal/observability"
)

// RedisChannel is a Redis-list backed channel for multi-process deployments.
// Publish pushes onto the topic list; consumers move messages to a
// per-topic processing list with BRPOPLPUSH and remove them on Ack, so a
// crashed consumer leaves its in-flight message recoverable.
type RedisChannel struct {
	client      *redis.Client
	prefix      string
	maxAttempts int
	logger      *observability.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
}

// NewRedisChannel connects to Redis and verifies the connection.
func NewRedisChannel(cfg config.QueueConfig, logger *observability.Logger) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	ctx, channelCancel := context.WithCancel(context.Background())
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RedisChannel{
		client:      client,
		prefix:      cfg.Prefix,
		maxAttempts: maxAttempts,
		logger:      logger,
		ctx:         ctx,
		cancel:      channelCancel,
	}, nil
}

// Publish enqueues a payload on a topic.
func (c *RedisChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	data, err := encodeEnvelope(newEnvelope(payload))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.client.LPush(ctx, c.key(topic), data).Err()
}

// Consume starts a blocking pop loop on the topic. The returned channel is
// closed when ctx or the channel itself is closed.
func (c *RedisChannel) Consume(ctx context.Context, topic string) (<-chan Delivery, error) {
	out := make(chan Delivery)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		for {
			if c.ctx.Err() != nil || ctx.Err() != nil {
				return
			}
			data, err := c.client.BRPopLPush(ctx, c.key(topic), c.processingKey(topic), 2*time.Second).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil || c.ctx.Err() != nil {
					return
				}
				c.logger.WithComponent("queue").Warn().
					Str("topic", topic).Err(err).Msg("queue pop failed, backing off")
				time.Sleep(time.Second)
				continue
			}

			env, err := decodeEnvelope([]byte(data))
			if err != nil {
				c.logger.WithComponent("queue").Error().
					Str("topic", topic).Err(err).Msg("dropping undecodable message")
				c.client.LRem(context.Background(), c.processingKey(topic), 1, data)
				continue
			}

			select {
			case out <- c.delivery(topic, data, env):
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops all consumer loops and closes the Redis connection.
func (c *RedisChannel) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisChannel) delivery(topic, raw string, env envelope) Delivery {
	return Delivery{
		Payload: env.Body,
		Attempt: env.Attempt,
		ack: func() error {
			return c.client.LRem(context.Background(), c.processingKey(topic), 1, raw).Err()
		},
		nack: func() error {
			ctx := context.Background()
			if err := c.client.LRem(ctx, c.processingKey(topic), 1, raw).Err(); err != nil {
				return err
			}
			if env.Attempt >= c.maxAttempts {
				return c.client.LPush(ctx, c.key(topic+DeadLetterSuffix), raw).Err()
			}
			env.Attempt++
			data, err := encodeEnvelope(env)
			if err != nil {
				return err
			}
			return c.client.LPush(ctx, c.key(topic), data).Err()
		},
	}
}

func (c *RedisChannel) key(topic string) string {
	return c.prefix + topic
}

func (c *RedisChannel) processingKey(topic string) string {
	return c.prefix + topic + ".processing"
}
