package db

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// ErrKeyValueDSN is returned by Migrate for a "host=... user=..." DSN,
// which the pgx driver accepts but the migrator cannot parse.
var ErrKeyValueDSN = errors.New("migrations need a postgres:// URL, not a key/value DSN")

// Migrate applies the pending posts schema migrations from dir.
func Migrate(dsn, dir string) error {
	if !isURL(dsn) {
		return fmt.Errorf("migrate %s: %w", sanitizeDSN(dsn), ErrKeyValueDSN)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("migrate: resolve %q: %w", dir, err)
	}

	slog.Info("applying migrations", "source", abs, "dsn", sanitizeDSN(dsn))
	m, err := migrate.New("file://"+filepath.ToSlash(abs), dsn)
	if err != nil {
		return fmt.Errorf("migrate new (source %s): %w", abs, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up (source %s): %w", abs, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrate version: %w", err)
	}
	if dirty {
		return fmt.Errorf("migrate: schema version %d is dirty, fix it by hand and force the version", version)
	}
	slog.Info("migrations applied", "source", abs, "version", version)
	return nil
}
