package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/inlethq/inlet/redis/tasks"
)

// Cron specs for the scheduled jobs. Watches last days, tokens last about an
// hour, so renewal runs hourly and the refresh sweep every five minutes.
const (
	watchRenewSpec   = "@every 1h"
	refreshSweepSpec = "@every 5m"
)

// Server runs the asynq worker pool and the periodic-task scheduler.
type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	logger    *zap.Logger
}

func NewServer(cfg Config, logger *zap.Logger) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}

	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Minute
	}

	srv := asynq.NewServer(
		cfg.redisOpt(),
		asynq.Config{
			Concurrency: cfg.Workers,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				if n >= cfg.MaxRetries {
					logger.Warn("task exhausted retries",
						zap.String("type", task.Type()),
						zap.Error(err))

					return -1 * time.Second
				}

				// Exponential backoff capped at the retry interval.
				delay := time.Duration(1<<uint(n)) * time.Second
				if delay > cfg.RetryInterval {
					delay = cfg.RetryInterval
				}

				return delay
			},
		},
	)

	scheduler := asynq.NewScheduler(cfg.redisOpt(), &asynq.SchedulerOpts{})

	return &Server{
		server:    srv,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Start runs workers and scheduled jobs until the context is canceled.
func (s *Server) Start(ctx context.Context, handler *tasks.Handler) error {
	mux := asynq.NewServeMux()
	handler.Register(mux)

	if _, err := s.scheduler.Register(watchRenewSpec, tasks.NewWatchRenewTask()); err != nil {
		return fmt.Errorf("register watch renewal schedule: %w", err)
	}

	if _, err := s.scheduler.Register(refreshSweepSpec, tasks.NewRefreshSweepTask()); err != nil {
		return fmt.Errorf("register refresh sweep schedule: %w", err)
	}

	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if err := s.server.Start(mux); err != nil {
		s.scheduler.Shutdown()
		return fmt.Errorf("start worker server: %w", err)
	}

	<-ctx.Done()

	s.logger.Info("shutting down worker server")
	s.scheduler.Shutdown()
	s.server.Shutdown()

	return nil
}
