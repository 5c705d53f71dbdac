package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// schemaMigrations lists every migration in apply order. The schema version
// lives in sqlite's user_version pragma; each entry bumps it by one.
var schemaMigrations = []string{
	initialSchema,
}

// runMigrations applies any migrations beyond the database's current
// user_version, each in its own transaction.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(schemaMigrations); i++ {
		if err := applyMigration(ctx, db, i+1, schemaMigrations[i]); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqlStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
	}
	// PRAGMA doesn't take placeholders.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("migration %d: bump version: %w", version, err)
	}
	return tx.Commit()
}

// sqlStatements splits a migration script on semicolons, dropping empty and
// comment-only chunks.
func sqlStatements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		stmt := strings.TrimSpace(chunk)
		if stmt == "" || isCommentOnly(stmt) {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

func isCommentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
