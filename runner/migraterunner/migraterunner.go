// Package migraterunner applies database migrations and exits.
package migraterunner

import (
	"context"
	"fmt"

	"github.com/inlethq/inlet/postgres"
	"github.com/inlethq/inlet/runner"
)

type migraterunner struct {
	mig *postgres.MigrationRunner
}

func New(cfg *runner.Config) (runner.Runner, error) {
	if cfg.Dsn == "" {
		return nil, fmt.Errorf("%w: dsn", runner.ErrMissingConfig)
	}

	logger, err := runner.NewLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}

	return &migraterunner{mig: postgres.NewMigrationRunner(cfg.Dsn, logger)}, nil
}

func (m *migraterunner) Run(context.Context) error {
	return m.mig.Up()
}

func (m *migraterunner) Close(context.Context) error {
	return nil
}
