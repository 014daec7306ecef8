package schema

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/kbolake/kbolake/pkg/duck"
)

// RunMigrations executes all embedded SQL migration files in filename order
// (0001_*.sql, 0002_*.sql, ...). Every statement is idempotent, so running
// against an already-migrated warehouse is a no-op.
func RunMigrations(ctx context.Context, log *slog.Logger, conn duck.Connection) error {
	entries, err := MigrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrationFiles []fs.DirEntry
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry)
		}
	}

	sort.Slice(migrationFiles, func(i, j int) bool {
		return migrationFiles[i].Name() < migrationFiles[j].Name()
	})

	if len(migrationFiles) == 0 {
		log.Warn("no migration files found")
		return nil
	}

	for _, entry := range migrationFiles {
		content, err := MigrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		statements := splitSQLStatements(string(content))
		for i, stmt := range statements {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration %s (statement %d): %w", entry.Name(), i+1, err)
			}
		}

		log.Debug("applied migration", "file", entry.Name(), "statements", len(statements))
	}

	log.Info("migrations complete", "count", len(migrationFiles))
	return nil
}

// splitSQLStatements splits SQL content on semicolons, skipping blank lines
// and -- comments.
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}

	return statements
}
