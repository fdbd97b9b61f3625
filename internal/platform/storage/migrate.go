package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLockKey serialises concurrent migrators (several indexer
// processes starting at once).
const migrationLockKey int64 = 0x6272_6964_6765

// MigrationRecord tracks applied migrations.
type MigrationRecord struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

func (r MigrationRecord) String() string {
	return fmt.Sprintf("%03d %s (%s)", r.Version, r.Name, r.AppliedAt.Format(time.DateTime))
}

// Migrate runs all pending database migrations. It is safe to call on every
// start.
func (db *DB) Migrate(ctx context.Context) error {
	return db.withMigrationLock(ctx, func(conn *pgxpool.Conn) error {
		if err := ensureMigrationsTable(ctx, conn); err != nil {
			return fmt.Errorf("ensure migrations table: %w", err)
		}

		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return fmt.Errorf("get applied migrations: %w", err)
		}

		pending, err := pendingMigrations(applied)
		if err != nil {
			return fmt.Errorf("get pending migrations: %w", err)
		}

		for _, mig := range pending {
			if err := applyMigration(ctx, conn, mig); err != nil {
				return fmt.Errorf("apply migration %s: %w", mig.name, err)
			}
		}
		return nil
	})
}

// MigrateDown rolls back the last N migrations.
func (db *DB) MigrateDown(ctx context.Context, steps int) error {
	return db.withMigrationLock(ctx, func(conn *pgxpool.Conn) error {
		if err := ensureMigrationsTable(ctx, conn); err != nil {
			return fmt.Errorf("ensure migrations table: %w", err)
		}
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return fmt.Errorf("get applied migrations: %w", err)
		}

		// newest first
		sort.Slice(applied, func(i, j int) bool {
			return applied[i].Version > applied[j].Version
		})
		steps = min(steps, len(applied))

		for _, mig := range applied[:steps] {
			if err := rollbackMigration(ctx, conn, mig.Version, mig.Name); err != nil {
				return fmt.Errorf("rollback migration %s: %w", mig.Name, err)
			}
		}
		return nil
	})
}

// AppliedMigrations lists the migrations recorded in schema_migrations.
func (db *DB) AppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return nil, fmt.Errorf("ensure migrations table: %w", err)
	}
	return appliedMigrations(ctx, conn)
}

type migration struct {
	version int
	name    string
	sql     string
}

func (db *DB) withMigrationLock(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	return fn(conn)
}

func ensureMigrationsTable(ctx context.Context, conn *pgxpool.Conn) error {
	sql := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	_, err := conn.Exec(ctx, sql)
	return err
}

func appliedMigrations(ctx context.Context, conn *pgxpool.Conn) ([]MigrationRecord, error) {
	sql := `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`
	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (MigrationRecord, error) {
		var r MigrationRecord
		err := row.Scan(&r.Version, &r.Name, &r.AppliedAt)
		return r, err
	})
}

func pendingMigrations(applied []MigrationRecord) ([]migration, error) {
	appliedSet := make(map[int]bool)
	for _, a := range applied {
		appliedSet[a.Version] = true
	}

	var migrations []migration

	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return nil
		}

		// e.g. "001_bridge_schema.up.sql"
		base := filepath.Base(path)
		parts := strings.SplitN(base, "_", 2)
		if len(parts) < 2 {
			return nil
		}

		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			return nil
		}

		if appliedSet[version] {
			return nil
		}

		content, err := fs.ReadFile(migrationsFS, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		migrations = append(migrations, migration{
			version: version,
			name:    strings.TrimSuffix(base, ".up.sql"),
			sql:     string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, mig migration) error {
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.sql); err != nil {
			return fmt.Errorf("execute sql: %w", err)
		}

		recordSQL := `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`
		if _, err := tx.Exec(ctx, recordSQL, mig.version, mig.name); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		return nil
	})
}

func rollbackMigration(ctx context.Context, conn *pgxpool.Conn, version int, name string) error {
	downFile := fmt.Sprintf("migrations/%s.down.sql", name)

	content, err := fs.ReadFile(migrationsFS, downFile)
	if err != nil {
		return fmt.Errorf("read down migration: %w", err)
	}

	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("execute rollback: %w", err)
		}

		deleteSQL := `DELETE FROM schema_migrations WHERE version = $1`
		if _, err := tx.Exec(ctx, deleteSQL, version); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		return nil
	})
}
