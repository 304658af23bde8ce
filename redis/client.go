// Package redis wraps the asynq client and server used for background work:
// webhook-triggered history syncs, periodic watch renewal and the proactive
// token refresh sweep.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/inlethq/inlet/redis/tasks"
)

// Config holds Redis connection and worker parameters.
type Config struct {
	Addr          string
	Password      string
	DB            int
	Workers       int
	MaxRetries    int
	RetryInterval time.Duration
}

func (c Config) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	}
}

// Client wraps asynq enqueueing. It implements the web layer's Dispatcher.
type Client struct {
	client *asynq.Client
	ping   *goredis.Client
}

func NewClient(cfg Config) (*Client, error) {
	ping := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ping.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Client{
		client: asynq.NewClient(cfg.redisOpt()),
		ping:   ping,
	}, nil
}

// DispatchSync enqueues a history sync for the integration. Uniqueness keyed
// on the payload collapses webhook redelivery bursts into one pending task.
func (c *Client) DispatchSync(ctx context.Context, integrationID, cursor string) error {
	task, err := tasks.NewHistorySyncTask(integrationID, cursor)
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(5),
		asynq.Timeout(2*time.Minute),
		asynq.Unique(time.Minute),
	)
	if err != nil && err != asynq.ErrDuplicateTask {
		return fmt.Errorf("enqueue history sync: %w", err)
	}

	return nil
}

// Ping reports transport health for the /health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.ping.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if err := c.client.Close(); err != nil {
		return err
	}

	return c.ping.Close()
}
