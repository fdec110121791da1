// AngelaMos | 2026
// migrate.go

package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded migrations for driver that are not yet
// recorded in schema_migrations, in file name order, and returns the
// versions it applied.
func Migrate(
	ctx context.Context,
	db *sqlx.DB,
	driver string,
	logger *slog.Logger,
) ([]string, error) {
	dir := path.Join("migrations", driver)
	files, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations for %q: %w", driver, err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	var versions []string
	if err := db.SelectContext(ctx, &versions,
		`SELECT version FROM schema_migrations`); err != nil {
		return nil, fmt.Errorf("query migrations: %w", err)
	}

	applied := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		applied[v] = struct{}{}
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name() < files[j].Name()
	})

	var ran []string
	for _, file := range files {
		name := file.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		if _, ok := applied[name]; ok {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, path.Join(dir, name))
		if err != nil {
			return ran, fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return ran, fmt.Errorf("apply migration %s: %w", name, err)
		}

		record := db.Rebind(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		)
		if _, err := db.ExecContext(ctx, record, name, time.Now().UTC()); err != nil {
			return ran, fmt.Errorf("record migration %s: %w", name, err)
		}

		logger.Info("applied migration", "version", name, "driver", driver)
		ran = append(ran, name)
	}

	return ran, nil
}
