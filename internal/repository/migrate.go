package repository

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
)

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ApplyMigrations executes SQL files against db in lexicographical order, one
// transaction per file.
func ApplyMigrations(ctx context.Context, db txBeginner, filesystem fs.FS) error {
	return eachMigration(filesystem, func(name, stmt string) error {
		return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, stmt)
			return err
		})
	})
}

// ApplySQLiteMigrations is ApplyMigrations for database/sql handles.
func ApplySQLiteMigrations(ctx context.Context, db *sql.DB, filesystem fs.FS) error {
	return eachMigration(filesystem, func(name, stmt string) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func eachMigration(filesystem fs.FS, apply func(name, stmt string) error) error {
	entries, err := fs.ReadDir(filesystem, ".")
	if err != nil {
		return fmt.Errorf("repository: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		body, err := fs.ReadFile(filesystem, entry.Name())
		if err != nil {
			return fmt.Errorf("repository: read migration %s: %w", entry.Name(), err)
		}
		if len(body) == 0 {
			continue
		}
		if err := apply(entry.Name(), string(body)); err != nil {
			return fmt.Errorf("repository: execute migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}
