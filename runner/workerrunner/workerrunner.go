// Package workerrunner runs the queue worker: history syncs dispatched by
// webhooks plus the scheduled watch-renewal and token-refresh jobs.
package workerrunner

import (
	"context"
	"fmt"

	"github.com/inlethq/inlet/redis"
	"github.com/inlethq/inlet/redis/tasks"
	"github.com/inlethq/inlet/runner"
)

type workerrunner struct {
	core    *runner.Core
	srv     *redis.Server
	handler *tasks.Handler
}

func New(ctx context.Context, cfg *runner.Config) (runner.Runner, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("%w: redis-addr", runner.ErrMissingConfig)
	}

	core, err := runner.NewCore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	handler := tasks.NewHandler(
		core.Sync,
		core.Watches,
		core.Integrations,
		core.Registry,
		core.Refresher,
		core.Logger,
	)

	srv := redis.NewServer(redis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Workers:  cfg.Workers,
	}, core.Logger)

	return &workerrunner{
		core:    core,
		srv:     srv,
		handler: handler,
	}, nil
}

func (w *workerrunner) Run(ctx context.Context) error {
	return w.srv.Start(ctx, w.handler)
}

func (w *workerrunner) Close(context.Context) error {
	return w.core.Close()
}
