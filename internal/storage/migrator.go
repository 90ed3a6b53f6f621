package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version UInt32,
	name String,
	applied_at DateTime DEFAULT now()
) ENGINE = MergeTree() ORDER BY version`

// migration is one embedded file named NNN_name.sql.
type migration struct {
	version    int
	name       string
	statements []string
}

func loadMigrations() ([]migration, error) {
	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, file := range files {
		base := strings.TrimSuffix(path.Base(file), ".sql")
		num, name, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil {
			slog.Warn("skipping migration with unexpected name", "file", file)
			continue
		}
		body, err := migrationFS.ReadFile(file)
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: version, name: name, statements: splitStatements(string(body))})
	}

	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, nil
}

// migrate applies embedded migrations not yet in schema_migrations and
// returns how many ran.
func (c *Client) migrate(ctx context.Context) (int, error) {
	if err := c.conn.Exec(ctx, createMigrationsTable); err != nil {
		return 0, &OpError{Op: "create", Table: "schema_migrations", Err: err}
	}
	migrations, err := loadMigrations()
	if err != nil {
		return 0, fmt.Errorf("storage: load migrations: %w", err)
	}
	done, err := c.appliedVersions(ctx)
	if err != nil {
		return 0, &OpError{Op: "read", Table: "schema_migrations", Err: err}
	}

	applied := 0
	for _, m := range migrations {
		if done[m.version] {
			continue
		}
		slog.Info("applying migration", "version", m.version, "name", m.name)
		for _, stmt := range m.statements {
			if err := c.conn.Exec(ctx, stmt); err != nil {
				return applied, &OpError{Op: fmt.Sprintf("migration %03d_%s", m.version, m.name), Err: err}
			}
		}
		if err := c.conn.Exec(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", uint32(m.version), m.name); err != nil {
			return applied, &OpError{Op: "record migration", Table: "schema_migrations", Err: err}
		}
		applied++
	}
	return applied, nil
}

func (c *Client) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := c.conn.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := map[int]bool{}
	for rows.Next() {
		var v uint32
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[int(v)] = true
	}
	return done, rows.Err()
}

// splitStatements cuts a SQL script at semicolons that sit outside quotes.
// A doubled quote inside a literal is an escaped quote. Pieces holding only
// comments or whitespace are dropped.
func splitStatements(script string) []string {
	var (
		out   []string
		start int
		quote byte
	)
	emit := func(end int) {
		if stmt := strings.TrimSpace(script[start:end]); hasCode(stmt) {
			out = append(out, stmt)
		}
		start = end + 1
	}

	for i := 0; i < len(script); i++ {
		ch := script[i]
		switch {
		case quote != 0:
			if ch == quote {
				if i+1 < len(script) && script[i+1] == quote {
					i++
				} else {
					quote = 0
				}
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == ';':
			emit(i)
		}
	}
	emit(len(script))
	return out
}

func hasCode(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}
