// Package webrunner runs the HTTP surface: OAuth connect/callback, status and
// event queries, and the provider push endpoints.
package webrunner

import (
	"context"

	"go.uber.org/multierr"

	"github.com/inlethq/inlet/ingest"
	"github.com/inlethq/inlet/redis"
	"github.com/inlethq/inlet/runner"
	"github.com/inlethq/inlet/web"
	"github.com/inlethq/inlet/web/handlers"
)

type webrunner struct {
	core  *runner.Core
	queue *redis.Client
	srv   *web.Server
}

func New(ctx context.Context, cfg *runner.Config) (runner.Runner, error) {
	core, err := runner.NewCore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ans := webrunner{core: core}

	// Without a queue, syncs run on the request goroutine. Fine for
	// development, not for production traffic.
	var dispatcher handlers.Dispatcher
	if cfg.RedisAddr != "" {
		queue, err := redis.NewClient(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			_ = core.Close()

			return nil, err
		}

		ans.queue = queue
		dispatcher = queue
	} else {
		core.Logger.Warn("redis address not set, running syncs inline")

		dispatcher = ingest.NewInlineDispatcher(core.Sync)
	}

	group := handlers.NewHandlerGroup(handlers.Dependencies{
		Logger:       core.Logger,
		Integrations: core.Integrations,
		Events:       core.Events,
		Registry:     core.Registry,
		Watches:      core.Watches,
		Dispatcher:   dispatcher,
		Cipher:       core.Cipher,
		Telemetry:    runner.Telemetry(cfg.DisableTelemetry),
	})

	checks := map[string]web.HealthChecker{
		"postgres": core.DB.PingContext,
	}
	if ans.queue != nil {
		checks["redis"] = ans.queue.Ping
	}

	ans.srv = web.New(group, cfg.Addr, core.Logger, checks)

	return &ans, nil
}

func (w *webrunner) Run(ctx context.Context) error {
	return w.srv.Start(ctx)
}

func (w *webrunner) Close(context.Context) error {
	var err error

	if w.queue != nil {
		err = multierr.Append(err, w.queue.Close())
	}

	return multierr.Append(err, w.core.Close())
}
