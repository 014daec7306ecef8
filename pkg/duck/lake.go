package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
)

// Lake is a DuckLake-backed warehouse: a DuckDB process attached to a
// shared catalog (sqlite or postgres) with file or S3 data storage.
type Lake struct {
	log     *slog.Logger
	db      *sql.DB
	catalog string
	schema  string
}

type lakeConn struct {
	conn    *sql.Conn
	db      *Lake
	writeMu sync.Mutex
}

// S3Config holds configuration for S3-compatible storage (AWS S3, MinIO).
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // empty for AWS, "http://localhost:9000" style for MinIO
	Region          string
	UseSSL          bool
	URLStyle        string // "path" or "virtual"
}

// NewLake attaches a DuckLake catalog and returns a warehouse handle.
//
// Catalog URI formats:
//   - file://: local SQLite catalog
//   - postgres:// or postgresql://: PostgreSQL catalog (converted to libpq
//     format for the ducklake connector)
//   - libpq key=value pairs, passed through as-is
//
// Storage URI formats:
//   - file://: local directory
//   - s3://: S3-compatible storage; s3cfg required unless the default AWS
//     credential chain should be used
//
// scratchDir, when non-empty, redirects every writable DuckDB directory
// before the first INSTALL or ATTACH (required on ephemeral filesystems).
func NewLake(ctx context.Context, log *slog.Logger, catalogName, catalogURI, storageURI, scratchDir string, s3cfg *S3Config) (*Lake, error) {
	if err := validateCatalogURI(catalogURI); err != nil {
		return nil, err
	}
	if err := validateStorageURI(storageURI); err != nil {
		return nil, err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := configureScratch(ctx, db, scratchDir); err != nil {
		db.Close()
		return nil, err
	}

	catalogConnStr, isPostgres, err := catalogConnString(catalogURI)
	if err != nil {
		db.Close()
		return nil, err
	}

	storagePath, useS3, err := resolveStoragePath(storageURI)
	if err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "FORCE INSTALL ducklake FROM core_nightly"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to install ducklake from nightly: %w", err)
	}
	if _, err := db.ExecContext(ctx, "LOAD ducklake"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load ducklake: %w", err)
	}

	extensions := []string{}
	if isPostgres {
		extensions = append(extensions, "postgres")
	} else {
		extensions = append(extensions, "sqlite")
	}
	if useS3 {
		extensions = append(extensions, "httpfs", "aws")
	}
	for _, ext := range extensions {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("INSTALL '%s'", ext)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to install extension %s: %w", ext, err)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("LOAD '%s'", ext)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load extension %s: %w", ext, err)
		}
	}

	if useS3 {
		if err := createS3Secret(ctx, db, log, s3cfg); err != nil {
			db.Close()
			return nil, err
		}
	}

	var attachSQL string
	if isPostgres {
		attachSQL = fmt.Sprintf("ATTACH 'ducklake:postgres:%s' AS %s (DATA_PATH '%s')", catalogConnStr, catalogName, storagePath)
	} else {
		attachSQL = fmt.Sprintf("ATTACH 'ducklake:sqlite:%s' AS %s (DATA_PATH '%s')", catalogConnStr, catalogName, storagePath)
	}

	if isPostgres {
		// The catalog database may still be starting; retry the attach.
		var attachErr error
		maxAttempts := 8
		retryDelay := 500 * time.Millisecond
		for i := range maxAttempts {
			_, attachErr = db.ExecContext(ctx, attachSQL)
			if attachErr == nil {
				break
			}
			if i < maxAttempts-1 {
				log.Debug("postgres not ready, retrying attach", "attempt", i+1, "error", RedactedCatalogURI(attachErr.Error()))
				timer := time.NewTimer(retryDelay)
				select {
				case <-ctx.Done():
					timer.Stop()
					db.Close()
					return nil, fmt.Errorf("context cancelled while waiting for postgres: %w", ctx.Err())
				case <-timer.C:
				}
				retryDelay *= 2
			}
		}
		if attachErr != nil {
			db.Close()
			return nil, fmt.Errorf("failed to attach ducklake after %d attempts: %w", maxAttempts, attachErr)
		}
	} else {
		if _, err := db.ExecContext(ctx, attachSQL); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to attach ducklake: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("USE %s", catalogName)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to use catalog: %w", err)
	}

	row := db.QueryRowContext(ctx, "SELECT current_database() AS catalog, current_schema() AS schema")
	var catalog, schema string
	if err := row.Scan(&catalog, &schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get current database and schema: %w", err)
	}

	return &Lake{
		log:     log,
		db:      db,
		catalog: catalogName,
		schema:  schema,
	}, nil
}

func catalogConnString(catalogURI string) (connStr string, isPostgres bool, err error) {
	if catalogPath, found := strings.CutPrefix(catalogURI, "file://"); found {
		catalogPath, err = filepath.Abs(catalogPath)
		if err != nil {
			return "", false, fmt.Errorf("failed to get absolute path for catalog: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(catalogPath), 0o755); err != nil {
			return "", false, fmt.Errorf("failed to create catalog directory: %w", err)
		}
		return catalogPath, false, nil
	}

	if strings.HasPrefix(catalogURI, "postgres://") || strings.HasPrefix(catalogURI, "postgresql://") {
		parsedURI, err := url.Parse(catalogURI)
		if err != nil {
			return "", false, fmt.Errorf("failed to parse postgres URI: %w", err)
		}
		var parts []string
		if parsedURI.Hostname() != "" {
			parts = append(parts, fmt.Sprintf("host=%s", parsedURI.Hostname()))
		}
		if parsedURI.Port() != "" {
			parts = append(parts, fmt.Sprintf("port=%s", parsedURI.Port()))
		}
		if parsedURI.User != nil {
			if username := parsedURI.User.Username(); username != "" {
				parts = append(parts, fmt.Sprintf("user=%s", username))
			}
			if password, ok := parsedURI.User.Password(); ok {
				parts = append(parts, fmt.Sprintf("password=%s", password))
			}
		}
		if parsedURI.Path != "" {
			dbname := strings.TrimPrefix(parsedURI.Path, "/")
			parts = append(parts, fmt.Sprintf("dbname=%s", dbname))
		}
		if parsedURI.RawQuery != "" {
			queryParams, err := url.ParseQuery(parsedURI.RawQuery)
			if err == nil {
				for key, values := range queryParams {
					if len(values) > 0 {
						parts = append(parts, fmt.Sprintf("%s=%s", key, values[0]))
					}
				}
			}
		}
		return strings.Join(parts, " "), true, nil
	}

	if strings.Contains(catalogURI, "host=") && strings.Contains(catalogURI, "dbname=") {
		// Already libpq format; the ducklake postgres connector takes it directly.
		return catalogURI, true, nil
	}

	return "", false, fmt.Errorf("catalog URI must be file:// or postgres:// or postgresql://")
}

func resolveStoragePath(storageURI string) (path string, useS3 bool, err error) {
	if p, found := strings.CutPrefix(storageURI, "file://"); found {
		p, err = filepath.Abs(p)
		if err != nil {
			return "", false, fmt.Errorf("failed to get absolute path for storage: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return "", false, fmt.Errorf("failed to create storage directory: %w", err)
		}
		return p, false, nil
	}
	if strings.HasPrefix(storageURI, "s3://") {
		return storageURI, true, nil
	}
	return "", false, fmt.Errorf("storage URI must be file:// or s3://")
}

func createS3Secret(ctx context.Context, db *sql.DB, log *slog.Logger, cfg *S3Config) error {
	if cfg == nil {
		return fmt.Errorf("S3 configuration is required when using s3:// storage URI")
	}

	secretSQL := "CREATE SECRET IF NOT EXISTS s3_secret (TYPE s3"
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		secretSQL += fmt.Sprintf(", KEY_ID '%s'", escapeSingleQuotes(cfg.AccessKeyID))
		secretSQL += fmt.Sprintf(", SECRET '%s'", escapeSingleQuotes(cfg.SecretAccessKey))
	} else {
		// No explicit credentials: fall back to the default AWS chain
		// (IAM roles, env vars, instance metadata).
		secretSQL += ", PROVIDER credential_chain"
	}
	if cfg.Endpoint != "" {
		// The secret ENDPOINT wants host:port, not a full URL.
		endpoint := cfg.Endpoint
		endpoint = strings.TrimPrefix(endpoint, "http://")
		endpoint = strings.TrimPrefix(endpoint, "https://")
		secretSQL += fmt.Sprintf(", ENDPOINT '%s'", endpoint)
	}
	if cfg.Region != "" {
		secretSQL += fmt.Sprintf(", REGION '%s'", cfg.Region)
	}

	isMinIO := cfg.Endpoint != "" && !strings.Contains(cfg.Endpoint, "amazonaws.com")

	urlStyle := cfg.URLStyle
	if urlStyle == "" {
		urlStyle = "path"
	}
	useSSL := cfg.UseSSL
	if isMinIO {
		useSSL = false
	} else if cfg.Endpoint == "" {
		useSSL = true
	}

	secretSQL += fmt.Sprintf(", URL_STYLE '%s'", urlStyle)
	secretSQL += fmt.Sprintf(", USE_SSL %t", useSSL)
	secretSQL += ")"

	if _, err := db.ExecContext(ctx, secretSQL); err != nil {
		return fmt.Errorf("failed to create S3 secret: %w", err)
	}

	log.Info("configured S3 storage", "endpoint", cfg.Endpoint, "region", cfg.Region)
	return nil
}

func (l *Lake) Catalog() string {
	return l.catalog
}

func (l *Lake) Schema() string {
	return l.schema
}

func (l *Lake) Close() error {
	return l.db.Close()
}

func (l *Lake) Conn(ctx context.Context) (Connection, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "USE "+l.catalog); err != nil {
		conn.Close()
		return nil, fmt.Errorf("USE failed: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "SET schema = "+l.schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("SET schema failed: %w", err)
	}
	return &lakeConn{
		conn: conn,
		db:   l,
	}, nil
}

func (c *lakeConn) DB() DB {
	return c.db
}

func (c *lakeConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.ExecContext(ctx, query, args...)
}

func (c *lakeConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *lakeConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *lakeConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

func (c *lakeConn) Close() error {
	return c.conn.Close()
}

func validateCatalogURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("catalog URI is required")
	}

	if path, found := strings.CutPrefix(uri, "file://"); found {
		if path == "" {
			return fmt.Errorf("catalog URI file:// path cannot be empty")
		}
		return nil
	}

	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return fmt.Errorf("invalid postgres URI format: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("postgres URI must include a host")
		}
		if parsed.Path == "" || parsed.Path == "/" {
			return fmt.Errorf("postgres URI must include a database name in the path")
		}
		return nil
	}

	if strings.Contains(uri, "host=") && strings.Contains(uri, "dbname=") {
		return nil
	}

	return fmt.Errorf("catalog URI must start with file://, postgres://, postgresql://, or be in libpq format (got: %q)", RedactedCatalogURI(uri))
}

func validateStorageURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("storage URI is required")
	}

	if path, found := strings.CutPrefix(uri, "file://"); found {
		if path == "" {
			return fmt.Errorf("storage URI file:// path cannot be empty")
		}
		return nil
	}

	if strings.HasPrefix(uri, "s3://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return fmt.Errorf("invalid s3:// URI format: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("s3:// URI must include a bucket name (e.g., s3://bucket-name/path)")
		}
		bucket := parsed.Host
		if len(bucket) < 3 || len(bucket) > 63 {
			return fmt.Errorf("s3 bucket name must be between 3 and 63 characters")
		}
		return nil
	}

	return fmt.Errorf("storage URI must start with file:// or s3:// (got: %q)", uri)
}

// RedactedCatalogURI redacts passwords from postgres:// URIs and libpq
// connection strings for logging.
func RedactedCatalogURI(uri string) string {
	if uri == "" {
		return uri
	}

	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return "[REDACTED: invalid URI]"
		}
		if parsed.User != nil {
			if _, hasPassword := parsed.User.Password(); hasPassword {
				username := parsed.User.Username()
				parsed.User = url.UserPassword(username, "REDACTED")
			}
		}
		return parsed.String()
	}

	if strings.Contains(uri, "password=") {
		parts := strings.Fields(uri)
		var redactedParts []string
		for _, part := range parts {
			if strings.HasPrefix(part, "password=") {
				redactedParts = append(redactedParts, "password=REDACTED")
			} else {
				redactedParts = append(redactedParts, part)
			}
		}
		return strings.Join(redactedParts, " ")
	}

	return uri
}

// RedactedStorageURI redacts potentially sensitive query parameters from
// s3:// storage URIs for logging.
func RedactedStorageURI(uri string) string {
	if uri == "" {
		return uri
	}

	if strings.HasPrefix(uri, "s3://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return "[REDACTED: invalid URI]"
		}
		if parsed.RawQuery != "" {
			query, err := url.ParseQuery(parsed.RawQuery)
			if err == nil {
				sensitiveKeys := []string{"accesskey", "secretkey", "password", "token", "credential"}
				for key := range query {
					keyLower := strings.ToLower(key)
					for _, sensitive := range sensitiveKeys {
						if strings.Contains(keyLower, sensitive) {
							query[key] = []string{"REDACTED"}
						}
					}
				}
				parsed.RawQuery = query.Encode()
			}
		}
		return parsed.String()
	}

	return uri
}
