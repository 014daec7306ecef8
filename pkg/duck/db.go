package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DB is a handle to the warehouse. Implementations are the local file-backed
// database used by tests and single-node runs, and the DuckLake catalog used
// in production.
type DB interface {
	Catalog() string
	Schema() string
	Close() error
	Conn(ctx context.Context) (Connection, error)
}

// Connection is a single warehouse connection. The import engine opens
// exactly one per façade call and closes it on exit.
type Connection interface {
	DB() DB
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

type localDB struct {
	dbPath  string
	db      *sql.DB
	catalog string
	schema  string
}

type localConn struct {
	conn    *sql.Conn
	db      *localDB
	writeMu sync.Mutex // serializes all write operations
}

// NewDB opens a file-backed DuckDB database. scratchDir, when non-empty,
// redirects the home, extension, secret, and temp directories there before
// anything else touches the filesystem; on ephemeral hosts only the scratch
// location is writable.
func NewDB(ctx context.Context, log *slog.Logger, dbPath, scratchDir string) (*localDB, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := configureScratch(ctx, db, scratchDir); err != nil {
		db.Close()
		return nil, err
	}

	row := db.QueryRowContext(ctx, "SELECT current_database() AS catalog, current_schema() AS schema")
	var catalog, schema string
	err = row.Scan(&catalog, &schema)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get current database and schema: %w", err)
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf("USE %s", catalog))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to use database: %w", err)
	}

	return &localDB{
		dbPath:  dbPath,
		db:      db,
		catalog: catalog,
		schema:  schema,
	}, nil
}

// configureScratch points every directory DuckDB may write to at a writable
// scratch location. Must run before any INSTALL or ATTACH.
func configureScratch(ctx context.Context, db *sql.DB, scratchDir string) error {
	if scratchDir == "" {
		return nil
	}
	scratchDir, err := filepath.Abs(scratchDir)
	if err != nil {
		return fmt.Errorf("failed to resolve scratch directory: %w", err)
	}
	for _, sub := range []string{"extensions", "secrets", "tmp"} {
		if err := os.MkdirAll(filepath.Join(scratchDir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
	}
	settings := []struct {
		name string
		path string
	}{
		{"home_directory", scratchDir},
		{"extension_directory", filepath.Join(scratchDir, "extensions")},
		{"secret_directory", filepath.Join(scratchDir, "secrets")},
		{"temp_directory", filepath.Join(scratchDir, "tmp")},
	}
	for _, s := range settings {
		stmt := fmt.Sprintf("SET %s = '%s'", s.name, escapeSingleQuotes(s.path))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set %s: %w", s.name, err)
		}
	}
	return nil
}

func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

func (d *localDB) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "USE "+d.catalog); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to use database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "SET schema = "+d.schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set schema: %w", err)
	}

	return &localConn{
		conn: conn,
		db:   d,
	}, nil
}

func (d *localDB) Catalog() string {
	return d.catalog
}

func (d *localDB) Schema() string {
	return d.schema
}

func (d *localDB) Close() error {
	return d.db.Close()
}

func (c *localConn) DB() DB {
	return c.db
}

func (c *localConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.ExecContext(ctx, query, args...)
}

func (c *localConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *localConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *localConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

func (c *localConn) Close() error {
	return c.conn.Close()
}
