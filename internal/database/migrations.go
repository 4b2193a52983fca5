package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"

	"github.com/dental-scribe-server/internal/domain"
)

var migrationFile = regexp.MustCompile(`^(\d+)_[a-z0-9_]+\.(up|down)\.sql$`)

// MigrationStatus describes where the schema stands against the migration
// files on disk.
type MigrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
	Latest  uint `json:"latest"`
	Pending int  `json:"pending"`
}

// ScanMigrations checks the migrations directory and returns its versions in
// order. Every version needs an up and a down file, and versions run 1..n
// without gaps. Other files are ignored.
func ScanMigrations(dir string) ([]uint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	seen := make(map[uint]map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := migrationFile.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		if seen[uint(v)] == nil {
			seen[uint(v)] = make(map[string]bool)
		}
		if seen[uint(v)][m[2]] {
			return nil, fmt.Errorf("migration %d has more than one %s file", v, m[2])
		}
		seen[uint(v)][m[2]] = true
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("no migrations in %s", dir)
	}

	versions := make([]uint, 0, len(seen))
	for v, dirs := range seen {
		if !dirs["up"] || !dirs["down"] {
			return nil, fmt.Errorf("migration %d needs both up and down files", v)
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	for i, v := range versions {
		if v != uint(i+1) {
			return nil, fmt.Errorf("migration versions must run from 1 without gaps, found %d at position %d", v, i+1)
		}
	}
	return versions, nil
}

// migrateLogger routes golang-migrate's own messages through logrus.
type migrateLogger struct {
	log *logrus.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf("migrate: "+format, v...)
}

func (l migrateLogger) Verbose() bool {
	return l.log.IsLevelEnabled(logrus.DebugLevel)
}

// MigrationRunner applies the schema under DatabaseConfig.MigrationsPath.
type MigrationRunner struct {
	migrate  *migrate.Migrate
	versions []uint
	log      *logrus.Logger
}

// NewMigrationRunner validates the migrations directory, then opens it
// against databaseURL.
func NewMigrationRunner(databaseURL string, config domain.DatabaseConfig, logger *logrus.Logger) (*MigrationRunner, error) {
	dir := config.MigrationsPath
	if dir == "" {
		dir = "./migrations"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving migrations path: %w", err)
	}
	versions, err := ScanMigrations(abs)
	if err != nil {
		return nil, err
	}

	m, err := migrate.New("file://"+filepath.ToSlash(abs), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating migration instance: %w", err)
	}
	m.Log = migrateLogger{log: logger}

	return &MigrationRunner{migrate: m, versions: versions, log: logger}, nil
}

// Up applies every pending migration.
func (mr *MigrationRunner) Up(ctx context.Context) error {
	stop := mr.stopOnCancel(ctx)
	defer stop()

	if err := mr.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations up: %w", err)
	}
	return mr.logStatus("Schema is up to date")
}

// Down rolls back steps migrations, never past version 0.
func (mr *MigrationRunner) Down(ctx context.Context, steps int) error {
	if steps < 1 {
		return fmt.Errorf("steps must be at least 1, got %d", steps)
	}
	status, err := mr.Status()
	if err != nil {
		return err
	}
	if status.Version == 0 {
		mr.log.Info("No migrations to roll back")
		return nil
	}
	if uint(steps) > status.Version {
		steps = int(status.Version)
	}

	stop := mr.stopOnCancel(ctx)
	defer stop()

	if err := mr.migrate.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back %d migration(s): %w", steps, err)
	}
	return mr.logStatus("Migrations rolled back")
}

// Status reports the applied version against the newest file on disk. A
// database that was never migrated is at version 0.
func (mr *MigrationRunner) Status() (*MigrationStatus, error) {
	latest := mr.versions[len(mr.versions)-1]
	status := &MigrationStatus{Latest: latest}

	version, dirty, err := mr.migrate.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return nil, fmt.Errorf("reading migration version: %w", err)
	default:
		status.Version, status.Dirty = version, dirty
	}
	if status.Version < latest {
		status.Pending = int(latest - status.Version)
	}
	return status, nil
}

// Close releases the source and database handles.
func (mr *MigrationRunner) Close() error {
	sourceErr, dbErr := mr.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("closing migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}
	return nil
}

// stopOnCancel asks golang-migrate to stop after the current migration
// when ctx ends.
func (mr *MigrationRunner) stopOnCancel(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			select {
			case mr.migrate.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (mr *MigrationRunner) logStatus(msg string) error {
	status, err := mr.Status()
	if err != nil {
		return err
	}
	mr.log.WithFields(logrus.Fields{
		"version": status.Version,
		"latest":  status.Latest,
		"pending": status.Pending,
		"dirty":   status.Dirty,
	}).Info(msg)
	return nil
}
