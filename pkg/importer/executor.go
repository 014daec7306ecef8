package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kbolake/kbolake/pkg/duck"
	"github.com/kbolake/kbolake/pkg/metrics"
	"github.com/kbolake/kbolake/pkg/schema"
)

// BatchResult reports one processBatch call.
type BatchResult struct {
	JobID        string           `json:"job_id"`
	Table        string           `json:"table"`
	Operation    schema.Operation `json:"operation"`
	BatchIndex   int              `json:"batch_index"`
	RowsAffected int64            `json:"rows_affected"`
	// Replayed is true when the batch had already completed and this call
	// was an idempotent no-op.
	Replayed         bool `json:"replayed,omitempty"`
	BatchesCompleted int  `json:"batches_completed"`
	BatchesTotal     int  `json:"batches_total"`
}

// Executor applies one batch of delete or insert work to a temporal table.
type Executor struct {
	log   *slog.Logger
	store *Store
}

// NewExecutor builds an Executor over the given store.
func NewExecutor(log *slog.Logger, store *Store) *Executor {
	return &Executor{log: log, store: store}
}

// ProcessBatch locks the batch, applies its work in one transaction, and
// records the outcome. A completed batch replays as a zero-count no-op; a
// batch running elsewhere fails with ErrBatchBusy.
func (e *Executor) ProcessBatch(ctx context.Context, conn duck.Connection, job *Job, table string, op schema.Operation, index int) (*BatchResult, error) {
	t, ok := schema.TableByName(table)
	if !ok {
		return nil, fmt.Errorf("%w: unknown table %s", ErrBatchNotFound, table)
	}

	b, err := e.store.LockBatch(ctx, conn, job.ID, table, op, index)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{JobID: job.ID, Table: table, Operation: op, BatchIndex: index}
	if b.Status == BatchCompleted {
		result.Replayed = true
		return e.withProgress(ctx, conn, job.ID, result)
	}

	start := time.Now()
	var rowsAffected int64
	err = duck.Retry(ctx, e.log, fmt.Sprintf("batch %s/%s/%d", table, op, index), func() error {
		var err error
		rowsAffected, err = e.runBatch(ctx, conn, job, t, b)
		return err
	})
	if err != nil {
		metrics.BatchesProcessed.WithLabelValues(table, string(op), "failed").Inc()
		if ferr := e.store.FailBatch(ctx, conn, b, err); ferr != nil {
			e.log.Error("failed to record batch failure", "error", ferr)
		}
		return nil, fmt.Errorf("batch %s/%s/%s/%d failed: %w", job.ID, table, op, index, err)
	}

	if err := e.store.CompleteBatch(ctx, conn, b, rowsAffected); err != nil {
		return nil, err
	}

	metrics.BatchesProcessed.WithLabelValues(table, string(op), "completed").Inc()
	metrics.RowsWritten.WithLabelValues(table, string(op)).Add(float64(rowsAffected))
	metrics.BatchDuration.WithLabelValues(table, string(op)).Observe(time.Since(start).Seconds())

	e.log.Debug("batch complete",
		"job_id", job.ID, "table", table, "operation", op, "batch", index,
		"rows", rowsAffected, "duration", time.Since(start).String())

	result.RowsAffected = rowsAffected
	return e.withProgress(ctx, conn, job.ID, result)
}

func (e *Executor) withProgress(ctx context.Context, conn duck.Connection, jobID string, result *BatchResult) (*BatchResult, error) {
	row := conn.QueryRowContext(ctx,
		"SELECT count(*) FILTER (WHERE status = ?), count(*) FROM import_batches WHERE job_id = ?",
		BatchCompleted, jobID)
	if err := row.Scan(&result.BatchesCompleted, &result.BatchesTotal); err != nil {
		return nil, fmt.Errorf("failed to count batches: %w", err)
	}
	return result, nil
}

// runBatch executes the batch statement(s) inside one transaction.
func (e *Executor) runBatch(ctx context.Context, conn duck.Connection, job *Job, t schema.Table, b *Batch) (int64, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			e.log.Error("failed to rollback batch", "table", t.Name, "error", err)
		}
	}()

	var rowsAffected int64
	if b.Operation == schema.OpDelete {
		res, err := tx.ExecContext(ctx, deleteSQL(t), job.ExtractNumber, b.JobID, b.SeqFrom, b.SeqTo)
		if err != nil {
			return 0, fmt.Errorf("delete statement: %w", err)
		}
		rowsAffected, err = res.RowsAffected()
		if err != nil {
			return 0, err
		}
	} else {
		// Mark superseded rows historical before inserting their successors;
		// both statements see the same staged window.
		if _, err := tx.ExecContext(ctx, supersedeSQL(t), job.ExtractNumber, job.ExtractNumber, b.JobID, b.SeqFrom, b.SeqTo); err != nil {
			return 0, fmt.Errorf("supersede statement: %w", err)
		}
		res, err := tx.ExecContext(ctx, insertSQL(t), job.SnapshotDate, job.ExtractNumber, b.JobID, b.SeqFrom, b.SeqTo)
		if err != nil {
			return 0, fmt.Errorf("insert statement: %w", err)
		}
		rowsAffected, err = res.RowsAffected()
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return rowsAffected, nil
}

// deleteSQL marks listed keys historical. Delete files carry owning entity
// numbers, so the match column is the table's delete key, not its natural
// key. Args: extract_number, job_id, seq_from, seq_to.
func deleteSQL(t schema.Table) string {
	return fmt.Sprintf(`UPDATE %s SET %s = false, %s = ?
		WHERE %s = true AND %s IN (
			SELECT %s FROM %s
			WHERE job_id = ? AND operation = 'delete' AND row_sequence BETWEEN ? AND ?
		)`,
		t.Name, schema.ColIsCurrent, schema.ColDeletedAtExtract,
		schema.ColIsCurrent, t.DeleteKey,
		t.DeleteKey, t.StagingName())
}

// supersedeSQL marks still-current older versions of the keys in this insert
// window historical. Args: extract_number, extract_number, job_id, seq_from,
// seq_to.
func supersedeSQL(t schema.Table) string {
	return fmt.Sprintf(`UPDATE %s SET %s = false, %s = ?
		WHERE %s = true AND %s < ? AND %s IN (
			SELECT %s FROM %s
			WHERE job_id = ? AND operation = 'insert' AND row_sequence BETWEEN ? AND ?
		)`,
		t.Name, schema.ColIsCurrent, schema.ColDeletedAtExtract,
		schema.ColIsCurrent, schema.ColExtractNumber, t.NaturalKey,
		t.NaturalKey, t.StagingName())
}

// insertSQL inserts the deduplicated staged window as the new current rows.
// The ROW_NUMBER window enforces last-row-wins when one key repeats within
// the window; ON CONFLICT DO NOTHING absorbs cross-batch duplicates and
// replays. Args: snapshot_date, extract_number, job_id, seq_from, seq_to.
func insertSQL(t schema.Table) string {
	if t.Name == "enterprises" {
		return enterpriseInsertSQL(t)
	}

	cols := t.DataColumns()
	sel := make([]string, len(cols))
	for i, c := range cols {
		sel[i] = "s." + c
	}
	return fmt.Sprintf(`INSERT INTO %s (%s, %s, %s, %s, %s)
		SELECT %s, CAST(? AS DATE), ?, true, NULL
		FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY row_sequence DESC) rn
			FROM %s
			WHERE job_id = ? AND operation = 'insert' AND row_sequence BETWEEN ? AND ?
		) s
		WHERE s.rn = 1
		ON CONFLICT DO NOTHING`,
		t.Name, strings.Join(cols, ", "),
		schema.ColSnapshotDate, schema.ColExtractNumber, schema.ColIsCurrent, schema.ColDeletedAtExtract,
		strings.Join(sel, ", "),
		t.NaturalKey, t.StagingName())
}

// enterpriseInsertSQL additionally carries the primary-name columns forward
// from the most recent superseded row, so a re-inserted enterprise stays
// displayable before the resolver runs. New enterprises start with the
// enterprise-number placeholder.
func enterpriseInsertSQL(t schema.Table) string {
	cols := t.DataColumns()
	sel := make([]string, len(cols))
	for i, c := range cols {
		sel[i] = "s." + c
	}
	return fmt.Sprintf(`INSERT INTO %s (%s, %s, %s, %s, %s, %s)
		SELECT %s,
			COALESCE(p.primary_name, s.enterprise_number),
			COALESCE(p.primary_name_language, '0'),
			p.primary_name_nl, p.primary_name_fr, p.primary_name_de,
			CAST(? AS DATE), ?, true, NULL
		FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY enterprise_number ORDER BY row_sequence DESC) rn
			FROM %s
			WHERE job_id = ? AND operation = 'insert' AND row_sequence BETWEEN ? AND ?
		) s
		LEFT JOIN (
			SELECT enterprise_number, primary_name, primary_name_language,
				primary_name_nl, primary_name_fr, primary_name_de,
				ROW_NUMBER() OVER (PARTITION BY enterprise_number ORDER BY %s DESC) prn
			FROM %s
			WHERE %s = false
		) p ON p.enterprise_number = s.enterprise_number AND p.prn = 1
		WHERE s.rn = 1
		ON CONFLICT DO NOTHING`,
		t.Name, strings.Join(cols, ", "), strings.Join(schema.EnterpriseNameColumns, ", "),
		schema.ColSnapshotDate, schema.ColExtractNumber, schema.ColIsCurrent, schema.ColDeletedAtExtract,
		strings.Join(sel, ", "),
		t.StagingName(),
		schema.ColExtractNumber, t.Name, schema.ColIsCurrent)
}
