package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

const defaultMigrationsDir = "scripts/migrations"

// MigrationRunner applies the schema migrations in scripts/migrations using
// golang-migrate. Files follow {version}_{description}.up.sql /.down.sql and
// applied versions are tracked in the schema_migrations table.
type MigrationRunner struct {
	dsn           string
	migrationsDir string
	logger        *zap.Logger
	timeout       time.Duration
}

func NewMigrationRunner(dsn string, logger *zap.Logger) *MigrationRunner {
	return &MigrationRunner{
		dsn:           dsn,
		migrationsDir: defaultMigrationsDir,
		logger:        logger,
		timeout:       30 * time.Second,
	}
}

func (m *MigrationRunner) SetMigrationsDir(dir string) error {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("invalid directory path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("directory not accessible: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", absPath)
	}

	m.migrationsDir = absPath

	return nil
}

// Up applies all pending migrations.
func (m *MigrationRunner) Up() error {
	migrator, db, err := m.open()
	if err != nil {
		return err
	}
	defer db.Close()

	m.logger.Info("applying migrations", zap.String("dir", m.migrationsDir))

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("schema already up to date")
			return nil
		}

		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}

	m.logger.Info("migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))

	return nil
}

// Down rolls back the most recent migration.
func (m *MigrationRunner) Down() error {
	migrator, db, err := m.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrator.Steps(-1); err != nil {
		return fmt.Errorf("roll back migration: %w", err)
	}

	return nil
}

func (m *MigrationRunner) open() (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("pgx", m.dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		MigrationsTable:  "schema_migrations",
		StatementTimeout: m.timeout,
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migration driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance("file://"+m.migrationsDir, "postgres", driver)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrator: %w", err)
	}

	return migrator, db, nil
}
