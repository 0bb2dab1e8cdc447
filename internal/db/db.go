// Package db connects the binaries to the posts database and applies its
// schema migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
)

// Connect opens the shared pool and verifies connectivity. The worker and
// the read path both draw from it, so it is sized for Concurrency inserts
// plus concurrent reads.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping %s: %w", sanitizeDSN(dsn), err)
	}

	slog.Info("database connected", "dsn", sanitizeDSN(dsn))
	return db, nil
}

// Healthy returns nil when the database is reachable and the posts table
// exists. A reachable database without the schema cannot serve reads or
// accept inserts, so it is not healthy.
func Healthy(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, queryPostsTableExists); err != nil {
		return fmt.Errorf("posts table: %w", err)
	}
	return nil
}

const queryPostsTableExists = `SELECT 1 FROM posts LIMIT 0`

var kvPassword = regexp.MustCompile(`(?i)(password\s*=\s*)('(?:[^'\\]|\\.)*'|\S+)`)

// sanitizeDSN masks the password of a DSN for logging. Both URL and
// key/value forms are handled.
func sanitizeDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return kvPassword.ReplaceAllString(dsn, "${1}xxxxx")
	}
	return u.Redacted()
}

// isURL reports whether dsn is a postgres:// or postgresql:// URL.
func isURL(dsn string) bool {
	u, err := url.Parse(dsn)
	if err != nil {
		return false
	}
	return (u.Scheme == "postgres" || u.Scheme == "postgresql") && u.Host != ""
}
