package staging

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kbolake/kbolake/pkg/archive"
	"github.com/kbolake/kbolake/pkg/duck"
)

var codeCSVColumns = []string{"Category", "Code", "Language", "Description"}

// refreshCodes rebuilds the codes and nace_codes lookup tables from the
// archive's code.csv. The file is a complete dump, so the tables are replaced
// wholesale inside one transaction.
func refreshCodes(ctx context.Context, log *slog.Logger, conn duck.Connection, a *archive.Archive) error {
	f, err := a.OpenCSV("code.csv")
	if err != nil {
		return err
	}
	defer f.Close()

	idx, err := headerIndex(f.Header, codeCSVColumns)
	if err != nil {
		return fmt.Errorf("code.csv: %w", err)
	}

	tmp, err := os.CreateTemp("", "codes_*.csv")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := csv.NewWriter(tmp)
	var rows int64
	for {
		rec, err := f.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: code.csv: %v", archive.ErrArchiveInvalid, err)
		}
		out := make([]string, len(idx))
		for i, p := range idx {
			if p < len(rec) {
				out[i] = strings.TrimSpace(rec[p])
			}
		}
		if err := w.Write(out); err != nil {
			return fmt.Errorf("failed to write temp CSV: %w", err)
		}
		rows++
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush temp CSV: %w", err)
	}

	return duck.Retry(ctx, log, "refresh codes", func() error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Error("failed to rollback codes refresh", "error", err)
			}
		}()

		if _, err := tx.ExecContext(ctx, "DELETE FROM codes"); err != nil {
			return fmt.Errorf("failed to clear codes: %w", err)
		}
		copySQL := fmt.Sprintf("COPY codes (category, code, language, description) FROM '%s' (FORMAT CSV, HEADER false)", tmp.Name())
		if _, err := tx.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("failed to load codes: %w", err)
		}

		// nace_codes is a derived view of the Nace* categories, keyed by the
		// version embedded in the category name.
		if _, err := tx.ExecContext(ctx, "DELETE FROM nace_codes"); err != nil {
			return fmt.Errorf("failed to clear nace_codes: %w", err)
		}
		naceSQL := `INSERT INTO nace_codes (nace_version, nace_code, language, description)
			SELECT substr(category, 5), code, language, description
			FROM codes
			WHERE category LIKE 'Nace%'`
		if _, err := tx.ExecContext(ctx, naceSQL); err != nil {
			return fmt.Errorf("failed to rebuild nace_codes: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit codes refresh: %w", err)
		}
		log.Info("refreshed code tables", "rows", rows)
		return nil
	})
}
