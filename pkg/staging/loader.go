// Package staging lands archive CSVs in the warehouse's staging tables. Rows
// are written to a temp CSV and bulk-loaded with COPY; row_sequence preserves
// the source file order so later rows win during deduplication.
package staging

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kbolake/kbolake/pkg/archive"
	"github.com/kbolake/kbolake/pkg/duck"
	"github.com/kbolake/kbolake/pkg/mapper"
	"github.com/kbolake/kbolake/pkg/schema"
)

// ErrHeaderMismatch marks a CSV entry whose header is missing expected
// columns.
var ErrHeaderMismatch = errors.New("csv header mismatch")

// TableLoad reports one staged file.
type TableLoad struct {
	Table     schema.Table
	Operation schema.Operation
	Rows      int64
}

// LoadResult summarizes everything staged for one job.
type LoadResult struct {
	Loads []TableLoad
	// CodesRefreshed is true when the archive shipped a code.csv and the
	// lookup tables were rebuilt from it.
	CodesRefreshed bool
}

// TotalRows sums the staged row counts.
func (r *LoadResult) TotalRows() int64 {
	var n int64
	for _, l := range r.Loads {
		n += l.Rows
	}
	return n
}

// Load stages every recognized CSV from the archive under the given job ID.
// Full extracts ship one <table>.csv per table; update extracts ship
// <table>_delete.csv and <table>_insert.csv pairs, either of which may be
// absent.
func Load(ctx context.Context, log *slog.Logger, conn duck.Connection, jobID string, a *archive.Archive, meta *archive.Metadata) (*LoadResult, error) {
	start := time.Now()
	result := &LoadResult{}

	for _, t := range schema.Tables {
		if meta.ExtractType == archive.ExtractTypeFull {
			load, err := stageEntry(ctx, log, conn, jobID, a, t, t.CSVName+".csv", schema.OpInsert)
			if err != nil {
				return nil, err
			}
			if load != nil {
				result.Loads = append(result.Loads, *load)
			}
			continue
		}

		// Deletes stage before inserts; the processing order mirrors this.
		del, err := stageEntry(ctx, log, conn, jobID, a, t, t.CSVName+"_delete.csv", schema.OpDelete)
		if err != nil {
			return nil, err
		}
		if del != nil {
			result.Loads = append(result.Loads, *del)
		}
		ins, err := stageEntry(ctx, log, conn, jobID, a, t, t.CSVName+"_insert.csv", schema.OpInsert)
		if err != nil {
			return nil, err
		}
		if ins != nil {
			result.Loads = append(result.Loads, *ins)
		}
	}

	if meta.ExtractType == archive.ExtractTypeFull && a.Has("code.csv") {
		if err := refreshCodes(ctx, log, conn, a); err != nil {
			return nil, err
		}
		result.CodesRefreshed = true
	}

	log.Info("staging complete",
		"job_id", jobID,
		"files", len(result.Loads),
		"rows", result.TotalRows(),
		"duration", time.Since(start).String())
	return result, nil
}

// CleanJob removes every staging row belonging to the job.
func CleanJob(ctx context.Context, log *slog.Logger, conn duck.Connection, jobID string) error {
	for _, t := range schema.Tables {
		err := duck.Retry(ctx, log, "clean "+t.StagingName(), func() error {
			_, err := conn.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE job_id = ?", t.StagingName()), jobID)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to clean %s: %w", t.StagingName(), err)
		}
	}
	return nil
}

// stageEntry stages one CSV entry, returning nil when the entry is absent.
func stageEntry(ctx context.Context, log *slog.Logger, conn duck.Connection, jobID string, a *archive.Archive, t schema.Table, entryName string, op schema.Operation) (*TableLoad, error) {
	if !a.Has(entryName) {
		return nil, nil
	}

	f, err := a.OpenCSV(entryName)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cols []string
	var write func(w *csv.Writer, rec []string, seq int64) error

	if op == schema.OpDelete {
		cols = []string{"job_id", "operation", "row_sequence", t.DeleteKey}
		write, err = deleteRowWriter(jobID, t, f.Header)
	} else {
		cols = t.StagingColumns()
		write, err = insertRowWriter(jobID, t, f.Header)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entryName, err)
	}

	tmp, err := os.CreateTemp("", fmt.Sprintf("%s_%s_*.csv", t.StagingName(), op))
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := csv.NewWriter(tmp)
	var rows int64
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec, err := f.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", archive.ErrArchiveInvalid, entryName, err)
		}
		rows++
		if err := write(w, rec, rows); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", entryName, rows, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush temp CSV: %w", err)
	}

	if rows > 0 {
		copySQL := fmt.Sprintf("COPY %s (%s) FROM '%s' (FORMAT CSV, HEADER false)",
			t.StagingName(), strings.Join(cols, ", "), tmp.Name())
		err = duck.Retry(ctx, log, "stage "+entryName, func() error {
			_, err := conn.ExecContext(ctx, copySQL)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", entryName, err)
		}
	}

	log.Debug("staged file", "entry", entryName, "table", t.Name, "operation", op, "rows", rows)
	return &TableLoad{Table: t, Operation: op, Rows: rows}, nil
}

// headerIndex maps each expected source column to its position in the file
// header. The header must carry exactly the expected set: a missing column
// and an unknown column both fail, in any order.
func headerIndex(header, want []string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}
	idx := make([]int, len(want))
	expected := make(map[string]bool, len(want))
	for i, w := range want {
		p, ok := pos[w]
		if !ok {
			return nil, fmt.Errorf("%w: missing column %s", ErrHeaderMismatch, w)
		}
		idx[i] = p
		expected[w] = true
	}
	for _, h := range header {
		if name := strings.TrimSpace(h); !expected[name] {
			return nil, fmt.Errorf("%w: unknown column %s", ErrHeaderMismatch, name)
		}
	}
	return idx, nil
}

func deleteRowWriter(jobID string, t schema.Table, header []string) (func(*csv.Writer, []string, int64) error, error) {
	// Delete files carry a single key column; its source name is the first
	// CSV column mapping to the delete key.
	keyCSV := ""
	for i, c := range t.Columns {
		if c == t.DeleteKey {
			keyCSV = t.CSVColumns[i]
			break
		}
	}
	if keyCSV == "" {
		return nil, fmt.Errorf("table %s has no delete key column", t.Name)
	}
	idx, err := headerIndex(header, []string{keyCSV})
	if err != nil {
		return nil, err
	}

	return func(w *csv.Writer, rec []string, seq int64) error {
		if idx[0] >= len(rec) {
			return fmt.Errorf("%w: short record", archive.ErrArchiveInvalid)
		}
		return w.Write([]string{jobID, string(schema.OpDelete), strconv.FormatInt(seq, 10), strings.TrimSpace(rec[idx[0]])})
	}, nil
}

func insertRowWriter(jobID string, t schema.Table, header []string) (func(*csv.Writer, []string, int64) error, error) {
	idx, err := headerIndex(header, t.CSVColumns)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(t.StagingColumns()))
	return func(w *csv.Writer, rec []string, seq int64) error {
		vals := make([]string, len(idx))
		for i, p := range idx {
			if p < len(rec) {
				v := strings.TrimSpace(rec[p])
				if mapper.IsDateColumn(t.Columns[i]) {
					v = mapper.ToISODate(v)
				}
				vals[i] = v
			}
		}

		out = out[:0]
		out = append(out, jobID, string(schema.OpInsert), strconv.FormatInt(seq, 10))
		if t.HasCompositeID {
			id, err := compositeID(t, vals)
			if err != nil {
				return err
			}
			out = append(out, id)
		}
		if t.HasEntityType {
			out = append(out, string(entityTypeFor(t, vals)))
		}
		out = append(out, vals...)
		return w.Write(out)
	}, nil
}

// compositeID derives the child-table ID from the mapped column values, which
// follow t.Columns order.
func compositeID(t schema.Table, vals []string) (string, error) {
	get := func(col string) string {
		for i, c := range t.Columns {
			if c == col {
				return vals[i]
			}
		}
		return ""
	}
	switch t.Name {
	case "denominations":
		return mapper.DenominationID(get("entity_number"), get("type_of_denomination"), get("language"), get("denomination")), nil
	case "addresses":
		return mapper.AddressID(get("entity_number"), get("type_of_address")), nil
	case "activities":
		return mapper.ActivityID(get("entity_number"), get("activity_group"), get("nace_version"), get("nace_code"), get("classification")), nil
	case "contacts":
		return mapper.ContactID(get("entity_number"), get("entity_contact"), get("contact_type"), get("value")), nil
	case "branches":
		return mapper.BranchID(get("enterprise_number"), get("branch_number")), nil
	default:
		return "", fmt.Errorf("table %s has no composite ID", t.Name)
	}
}

func entityTypeFor(t schema.Table, vals []string) mapper.EntityType {
	if t.Name == "branches" {
		return mapper.EntityTypeEnterprise
	}
	for i, c := range t.Columns {
		if c == "entity_number" {
			return mapper.EntityTypeOf(vals[i])
		}
	}
	return mapper.EntityTypeEnterprise
}
