package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"solana-settlement/internal/storage/postgres"
)

const createVersionTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version     TEXT PRIMARY KEY,
		applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// RunPostgresMigrations applies embedded SQL files in lexical order, each at most once.
// Applied versions are tracked in schema_migrations. Returns the files applied by this call.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) ([]string, error) {
	if _, err := pool.Exec(ctx, createVersionTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := sqlFiles(PostgresFS, "postgres")
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, file := range files {
		var done bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, file,
		).Scan(&done); err != nil {
			return applied, fmt.Errorf("check migration %s: %w", file, err)
		}
		if done {
			continue
		}

		data, err := fs.ReadFile(PostgresFS, "postgres/"+file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("begin migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) != "" {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				tx.Rollback(ctx)
				return applied, fmt.Errorf("apply migration %s: %w", file, err)
			}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, file); err != nil {
			tx.Rollback(ctx)
			return applied, fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", file, err)
		}
		applied = append(applied, file)
	}

	return applied, nil
}

// sqlFiles lists the .sql files of an embedded directory in lexical order.
func sqlFiles(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
