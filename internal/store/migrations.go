package store

import (
	"context"
	"embed"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

const schemaVersionsDDL = `CREATE TABLE IF NOT EXISTS kv_schema_versions (
	name TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// RunMigrations brings the kv_entries schema up to date. Each file under
// migrations/ runs once, in name order, inside its own transaction, and is
// recorded in kv_schema_versions.
func (p *Postgres) RunMigrations(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaVersionsDDL); err != nil {
		return fmt.Errorf("create kv_schema_versions: %w", err)
	}
	files, err := schemaFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("list schema files: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		name := f.Name()
		var done bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM kv_schema_versions WHERE name = $1)`, name).Scan(&done); err != nil {
			return fmt.Errorf("check schema %s: %w", name, err)
		}
		if done {
			continue
		}
		ddl, err := schemaFS.ReadFile(path.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("read schema %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
			if stmt := strings.TrimSpace(string(ddl)); stmt != "" {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO kv_schema_versions (name) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply schema %s: %w", name, err)
		}
		log.Printf("store: applied schema %s", name)
	}
	return nil
}
