package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/postgres/*.up.sql migrations/sqlite/*.up.sql
var migrations embed.FS

type migrationFile struct {
	version int
	name    string
	sql     string
}

// MigrateUp applies all pending migrations for the connection's dialect.
// Applied versions are tracked in schema_migrations; each file runs in its
// own transaction.
func (db *DB) MigrateUp(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER NOT NULL PRIMARY KEY,
			name       TEXT    NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations: %w", err)
	}

	files, err := loadMigrations(db.driver)
	if err != nil {
		return err
	}

	for _, f := range files {
		var count int
		if err := db.conn.GetContext(ctx, &count, db.rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), f.version); err != nil {
			return fmt.Errorf("failed to check migration %d: %w", f.version, err)
		}
		if count > 0 {
			continue
		}
		if err := db.applyMigration(ctx, f); err != nil {
			return fmt.Errorf("failed to apply %s: %w", f.name, err)
		}
	}
	return nil
}

// MigrationVersion returns the highest applied migration version, 0 if none.
func (db *DB) MigrationVersion(ctx context.Context) (int, error) {
	var version int
	if err := db.conn.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"); err != nil {
		return 0, fmt.Errorf("failed to query migration version: %w", err)
	}
	return version, nil
}

func (db *DB) applyMigration(ctx context.Context, f migrationFile) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(f.sql) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		db.rebind("INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)"),
		f.version, f.name, time.Now().UTC(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func loadMigrations(driver string) ([]migrationFile, error) {
	dir := path.Join("migrations", driver)
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations for driver %q: %w", driver, err)
	}

	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		content, err := migrations.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		var version int
		if _, err := fmt.Sscanf(e.Name(), "%d_", &version); err != nil || version == 0 {
			return nil, fmt.Errorf("migration %s has no numeric version prefix", e.Name())
		}
		files = append(files, migrationFile{version: version, name: e.Name(), sql: string(content)})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// splitStatements breaks a migration on ";" at line ends. Migrations do not
// contain procedural bodies, so this is enough for both dialects.
func splitStatements(sqlText string) []string {
	var stmts []string
	for _, part := range strings.Split(sqlText, ";\n") {
		part = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), ";"))
		if part == "" || isCommentOnly(part) {
			continue
		}
		stmts = append(stmts, part)
	}
	return stmts
}

func isCommentOnly(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
