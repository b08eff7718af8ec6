// Package migrations wires golang-migrate execution for the registry schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/perchbot/perch/internal/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the migrations located at migrationsDir are applied to the
// Postgres instance reachable via dsn. A nil logger disables informational
// logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	return execute(ctx, dsn, migrationsDir, logger, func(m *migrate.Migrate) error {
		return m.Up()
	}, "apply")
}

// ApplyFS ensures the migrations embedded in fsys are applied to the
// Postgres instance reachable via dsn. Binaries carry the schema via
// go:embed so self-migration needs no SQL directory on disk.
func ApplyFS(ctx context.Context, dsn string, fsys fs.FS, logger *log.Logger) error {
	return run(ctx, dsn, "embedded", logger, func(m *migrate.Migrate) error {
		return m.Up()
	}, "apply", iofsMigrate(fsys))
}

// RollbackFS reverts the given number of steps using migrations embedded in
// fsys.
func RollbackFS(ctx context.Context, dsn string, fsys fs.FS, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive")
	}
	return run(ctx, dsn, "embedded", logger, func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	}, "rollback", iofsMigrate(fsys))
}

func iofsMigrate(fsys fs.FS) func(database.Driver) (*migrate.Migrate, error) {
	return func(driver database.Driver) (*migrate.Migrate, error) {
		src, err := iofs.New(fsys, ".")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return migrate.NewWithInstance("iofs", src, "pgx5", driver)
	}
}

// Rollback reverts the given number of migration steps.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive")
	}
	return execute(ctx, dsn, migrationsDir, logger, func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	}, "rollback")
}

func execute(ctx context.Context, dsn, migrationsDir string, logger *log.Logger, op func(*migrate.Migrate) error, opName string) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, resolvedDir, logger, op, opName, func(driver database.Driver) (*migrate.Migrate, error) {
		return migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", driver)
	})
}

func run(ctx context.Context, dsn, pathLabel string, logger *log.Logger, op func(*migrate.Migrate) error, opName string, newMigrate func(database.Driver) (*migrate.Migrate, error)) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := newMigrate(driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	if logger != nil {
		logger.Printf("running database migrations: op=%s path=%s", opName, pathLabel)
	}

	if err := op(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", pathLabel)
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, "failed", pathLabel)
		return fmt.Errorf("%s migrations: %w", opName, err)
	}

	if logger != nil {
		logger.Printf("database migrations %s completed", opName)
	}
	recordMigrationMetric(ctx, "applied", pathLabel)

	return nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("registry.migrations")
		counter, err := meter.Int64Counter("perch_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
	}
	if path != "" {
		attrs = append(attrs, attribute.String("migrations_path", path))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
