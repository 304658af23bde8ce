package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/inlethq/inlet/runner"
	"github.com/inlethq/inlet/runner/migraterunner"
	"github.com/inlethq/inlet/runner/webrunner"
	"github.com/inlethq/inlet/runner/workerrunner"
)

func main() {
	_ = godotenv.Load() // Load .env file if present

	ctx, cancel := context.WithCancel(context.Background())

	cfg := runner.ParseConfig()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan

		log.Println("Received signal, shutting down...")

		cancel()
	}()

	runnerInstance, err := runnerFactory(ctx, cfg)
	if err != nil {
		cancel()
		os.Stderr.WriteString(err.Error() + "\n")

		_ = runner.Telemetry(cfg.DisableTelemetry).Close()

		os.Exit(1)
	}

	if err := runnerInstance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		os.Stderr.WriteString(err.Error() + "\n")

		_ = runnerInstance.Close(ctx)
		_ = runner.Telemetry(cfg.DisableTelemetry).Close()

		cancel()

		os.Exit(1)
	}

	_ = runnerInstance.Close(ctx)
	_ = runner.Telemetry(cfg.DisableTelemetry).Close()

	cancel()

	os.Exit(0)
}

func runnerFactory(ctx context.Context, cfg *runner.Config) (runner.Runner, error) {
	switch cfg.RunMode {
	case runner.RunModeWeb:
		return webrunner.New(ctx, cfg)
	case runner.RunModeWorker:
		return workerrunner.New(ctx, cfg)
	case runner.RunModeMigrate:
		return migraterunner.New(cfg)
	default:
		return nil, fmt.Errorf("%w: %d", runner.ErrInvalidRunMode, cfg.RunMode)
	}
}
