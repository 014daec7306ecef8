// Command importer runs the registry lake import engine: the HTTP façade
// the durable runtime drives, the Prometheus listener, and the stale-lock
// sweeper, over a local DuckDB file or an attached DuckLake catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/kbolake/kbolake/pkg/duck"
	"github.com/kbolake/kbolake/pkg/importer"
	"github.com/kbolake/kbolake/pkg/logger"
	"github.com/kbolake/kbolake/pkg/metrics"
	"github.com/kbolake/kbolake/pkg/schema"
	"github.com/kbolake/kbolake/pkg/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var (
		listenAddr     = pflag.String("listen-addr", ":8080", "HTTP listen address (IMPORTER_LISTEN_ADDR)")
		metricsAddr    = pflag.String("metrics-addr", ":9090", "Prometheus listen address, empty to disable (IMPORTER_METRICS_ADDR)")
		dbPath         = pflag.String("db-path", "kbolake.duckdb", "local DuckDB file path (IMPORTER_DB_PATH)")
		catalogName    = pflag.String("catalog-name", "kbolake", "DuckLake catalog name (DUCKLAKE_CATALOG_NAME)")
		catalogURI     = pflag.String("catalog-uri", "", "DuckLake catalog URI, enables DuckLake mode (DUCKLAKE_CATALOG_URI)")
		storageURI     = pflag.String("storage-uri", "", "DuckLake storage URI, file:// or s3:// (DUCKLAKE_STORAGE_URI)")
		scratchDir     = pflag.String("scratch-dir", os.TempDir(), "writable scratch directory for DuckDB (IMPORTER_SCRATCH_DIR)")
		batchSize      = pflag.Int("batch-size", importer.DefaultBatchSize, "rows per import batch (BATCH_SIZE)")
		staleThreshold = pflag.Duration("stale-threshold", importer.DefaultStaleThreshold, "running batches older than this are reset (IMPORTER_STALE_THRESHOLD)")
		sweepInterval  = pflag.Duration("sweep-interval", importer.DefaultSweepInterval, "stale-lock sweep interval (IMPORTER_SWEEP_INTERVAL)")
		verbose        = pflag.BoolP("verbose", "v", false, "enable debug logging (IMPORTER_VERBOSE)")
	)
	pflag.Parse()

	overrideString(listenAddr, "IMPORTER_LISTEN_ADDR")
	overrideString(metricsAddr, "IMPORTER_METRICS_ADDR")
	overrideString(dbPath, "IMPORTER_DB_PATH")
	overrideString(catalogName, "DUCKLAKE_CATALOG_NAME")
	overrideString(catalogURI, "DUCKLAKE_CATALOG_URI")
	overrideString(storageURI, "DUCKLAKE_STORAGE_URI")
	overrideString(scratchDir, "IMPORTER_SCRATCH_DIR")
	overrideInt(batchSize, "BATCH_SIZE")
	overrideDuration(staleThreshold, "IMPORTER_STALE_THRESHOLD")
	overrideDuration(sweepInterval, "IMPORTER_SWEEP_INTERVAL")
	overrideBool(verbose, "IMPORTER_VERBOSE")

	log := logger.New(*verbose)
	log.Info("starting importer", "version", version, "commit", commit, "date", date)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openWarehouse(ctx, log, *catalogName, *catalogURI, *storageURI, *dbPath, *scratchDir)
	if err != nil {
		return err
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	if err := schema.RunMigrations(ctx, log, conn); err != nil {
		conn.Close()
		return err
	}
	conn.Close()

	engine := importer.New(log, db, importer.WithBatchSize(*batchSize))

	cfg := server.DefaultConfig()
	cfg.ListenAddr = *listenAddr
	cfg.MetricsAddr = *metricsAddr
	srv, err := server.New(log, cfg, engine)
	if err != nil {
		return err
	}

	sweeper := importer.NewSweeper(log, db, engine.Store(), nil, *staleThreshold, *sweepInterval)
	go sweeper.Run(ctx)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info("metrics server listening", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// openWarehouse attaches a DuckLake catalog when one is configured,
// otherwise opens the local DuckDB file.
func openWarehouse(ctx context.Context, log *slog.Logger, catalogName, catalogURI, storageURI, dbPath, scratchDir string) (duck.DB, error) {
	if catalogURI == "" {
		log.Info("opening local warehouse", "path", dbPath)
		return duck.NewDB(ctx, log, dbPath, scratchDir)
	}

	s3cfg, err := duck.PrepareS3ConfigForStorageURI(ctx, log, storageURI)
	if err != nil {
		return nil, err
	}
	return duck.NewLake(ctx, log, catalogName, catalogURI, storageURI, scratchDir, s3cfg)
}

func overrideString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func overrideDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
