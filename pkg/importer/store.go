// Package importer is the batched, resumable import engine: job and batch
// bookkeeping, the batch planner and executor, the primary-name resolver,
// the stale-lock sweeper, and the four-operation orchestrator façade.
package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kbolake/kbolake/pkg/duck"
	"github.com/kbolake/kbolake/pkg/schema"
)

var (
	// ErrJobNotFound marks a job ID with no import_jobs row.
	ErrJobNotFound = errors.New("import job not found")

	// ErrBatchBusy marks a batch currently locked by another worker.
	ErrBatchBusy = errors.New("batch is running in another worker")

	// ErrBatchNotFound marks a batch coordinate outside the job's plan.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrDuplicateJob marks a concurrent prepare racing on the same
	// (extract_number, extract_type).
	ErrDuplicateJob = errors.New("import job already exists")
)

// Job statuses.
const (
	JobPending    = "pending"
	JobPreparing  = "preparing"
	JobProcessing = "processing"
	JobFinalizing = "finalizing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Batch statuses.
const (
	BatchPending   = "pending"
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// Job mirrors one import_jobs row.
type Job struct {
	ID               string
	ExtractNumber    int64
	ExtractType      string
	SnapshotDate     string
	ExtractTimestamp string
	Status           string
	WorkerType       string
	StartedAt        time.Time
	CompletedAt      time.Time
	ErrorMessage     string
	RecordsInserted  int64
	RecordsDeleted   int64
	RecordsProcessed int64
}

// Batch mirrors one import_batches row.
type Batch struct {
	JobID       string
	Table       string
	Operation   schema.Operation
	BatchIndex  int
	SeqFrom     int64
	SeqTo       int64
	Status      string
	Attempts    int
	RowsAffect  int64
	LastError   string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Store persists jobs and batches in the warehouse's control tables, giving
// contending workers one transactional source of truth.
type Store struct {
	log   *slog.Logger
	clock clockwork.Clock
}

// NewStore builds a Store. A nil clock means the real one.
func NewStore(log *slog.Logger, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{log: log, clock: clock}
}

const jobColumns = `id, extract_number, extract_type, CAST(snapshot_date AS VARCHAR),
	COALESCE(CAST(extract_timestamp AS VARCHAR), ''), status, COALESCE(worker_type, ''),
	started_at, completed_at, COALESCE(error_message, ''),
	records_inserted, records_deleted, records_processed`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.ExtractNumber, &j.ExtractType, &j.SnapshotDate,
		&j.ExtractTimestamp, &j.Status, &j.WorkerType,
		&startedAt, &completedAt, &j.ErrorMessage,
		&j.RecordsInserted, &j.RecordsDeleted, &j.RecordsProcessed)
	if err != nil {
		return nil, err
	}
	j.StartedAt = startedAt.Time
	j.CompletedAt = completedAt.Time
	return &j, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, conn duck.Connection, jobID string) (*Job, error) {
	row := conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM import_jobs WHERE id = ?", jobColumns), jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	return j, nil
}

// GetJobByExtract fetches the job for an (extract_number, extract_type)
// pair, or nil when none exists.
func (s *Store) GetJobByExtract(ctx context.Context, conn duck.Connection, extractNumber int64, extractType string) (*Job, error) {
	row := conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM import_jobs WHERE extract_number = ? AND extract_type = ?", jobColumns),
		extractNumber, extractType)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job for extract %d/%s: %w", extractNumber, extractType, err)
	}
	return j, nil
}

// ListJobs returns the most recent jobs, newest extract first.
func (s *Store) ListJobs(ctx context.Context, conn duck.Connection, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := conn.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM import_jobs ORDER BY extract_number DESC, extract_type LIMIT %d", jobColumns, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CreateJob inserts a fresh job row with status preparing. A unique-key
// violation on (extract_number, extract_type) maps to ErrDuplicateJob.
func (s *Store) CreateJob(ctx context.Context, conn duck.Connection, job *Job) error {
	job.StartedAt = s.clock.Now().UTC()
	job.Status = JobPreparing

	var ts any
	if job.ExtractTimestamp != "" {
		ts = job.ExtractTimestamp
	}
	err := duck.Retry(ctx, s.log, "create job", func() error {
		_, err := conn.ExecContext(ctx, `INSERT INTO import_jobs
			(id, extract_number, extract_type, snapshot_date, extract_timestamp, status, worker_type, started_at)
			VALUES (?, ?, ?, CAST(? AS DATE), TRY_CAST(? AS TIMESTAMP), ?, ?, ?)`,
			job.ID, job.ExtractNumber, job.ExtractType, job.SnapshotDate, ts,
			job.Status, job.WorkerType, job.StartedAt)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: extract %d/%s", ErrDuplicateJob, job.ExtractNumber, job.ExtractType)
		}
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate key") || strings.Contains(msg, "PRIMARY KEY or UNIQUE constraint")
}

// DeleteJob removes a job and its batch rows. Callers clean staging
// separately.
func (s *Store) DeleteJob(ctx context.Context, conn duck.Connection, jobID string) error {
	err := duck.Retry(ctx, s.log, "delete job", func() error {
		if _, err := conn.ExecContext(ctx, "DELETE FROM import_batches WHERE job_id = ?", jobID); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx, "DELETE FROM import_jobs WHERE id = ?", jobID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	return nil
}

// SetJobStatus moves a job to the given status. A non-empty errorMessage is
// persisted alongside; completed and failed stamp completed_at.
func (s *Store) SetJobStatus(ctx context.Context, conn duck.Connection, jobID, status, errorMessage string) error {
	err := duck.Retry(ctx, s.log, "set job status", func() error {
		var completedAt any
		if status == JobCompleted || status == JobFailed {
			completedAt = s.clock.Now().UTC()
		}
		var msg any
		if errorMessage != "" {
			msg = errorMessage
		}
		_, err := conn.ExecContext(ctx,
			"UPDATE import_jobs SET status = ?, error_message = COALESCE(?, error_message), completed_at = COALESCE(?, completed_at) WHERE id = ?",
			status, msg, completedAt, jobID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set job %s status %s: %w", jobID, status, err)
	}
	return nil
}

// SetJobCounters stores the authoritative record counters.
func (s *Store) SetJobCounters(ctx context.Context, conn duck.Connection, jobID string, inserted, deleted int64) error {
	err := duck.Retry(ctx, s.log, "set job counters", func() error {
		_, err := conn.ExecContext(ctx,
			"UPDATE import_jobs SET records_inserted = ?, records_deleted = ?, records_processed = ? WHERE id = ?",
			inserted, deleted, inserted+deleted, jobID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set job %s counters: %w", jobID, err)
	}
	return nil
}

// CreateBatches persists the batch plan.
func (s *Store) CreateBatches(ctx context.Context, conn duck.Connection, batches []Batch) error {
	return duck.Retry(ctx, s.log, "create batches", func() error {
		for _, b := range batches {
			_, err := conn.ExecContext(ctx, `INSERT INTO import_batches
				(job_id, table_name, operation, batch_index, seq_from, seq_to, status)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT DO NOTHING`,
				b.JobID, b.Table, string(b.Operation), b.BatchIndex, b.SeqFrom, b.SeqTo, BatchPending)
			if err != nil {
				return fmt.Errorf("failed to create batch %s/%s/%s/%d: %w", b.JobID, b.Table, b.Operation, b.BatchIndex, err)
			}
		}
		return nil
	})
}

const batchColumns = `job_id, table_name, operation, batch_index, seq_from, seq_to,
	status, attempts, rows_affected, COALESCE(last_error, ''), started_at, completed_at`

func scanBatch(row interface{ Scan(...any) error }) (*Batch, error) {
	var b Batch
	var op string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&b.JobID, &b.Table, &op, &b.BatchIndex, &b.SeqFrom, &b.SeqTo,
		&b.Status, &b.Attempts, &b.RowsAffect, &b.LastError, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	b.Operation = schema.Operation(op)
	b.StartedAt = startedAt.Time
	b.CompletedAt = completedAt.Time
	return &b, nil
}

// GetBatch fetches one batch row.
func (s *Store) GetBatch(ctx context.Context, conn duck.Connection, jobID, table string, op schema.Operation, index int) (*Batch, error) {
	row := conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM import_batches WHERE job_id = ? AND table_name = ? AND operation = ? AND batch_index = ?", batchColumns),
		jobID, table, string(op), index)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s/%s/%d", ErrBatchNotFound, jobID, table, op, index)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	return b, nil
}

// LockBatch atomically moves a pending or failed batch to running. When the
// transition does not apply it reports the batch's actual state: a completed
// batch returns (nil, batch) for idempotent replay; a running one returns
// ErrBatchBusy.
func (s *Store) LockBatch(ctx context.Context, conn duck.Connection, jobID, table string, op schema.Operation, index int) (*Batch, error) {
	var locked int64
	err := duck.Retry(ctx, s.log, "lock batch", func() error {
		res, err := conn.ExecContext(ctx, `UPDATE import_batches
			SET status = ?, attempts = attempts + 1, started_at = ?
			WHERE job_id = ? AND table_name = ? AND operation = ? AND batch_index = ?
			AND status IN (?, ?)`,
			BatchRunning, s.clock.Now().UTC(),
			jobID, table, string(op), index, BatchPending, BatchFailed)
		if err != nil {
			return err
		}
		locked, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lock batch: %w", err)
	}

	b, err := s.GetBatch(ctx, conn, jobID, table, op, index)
	if err != nil {
		return nil, err
	}
	if locked > 0 {
		return b, nil
	}
	switch b.Status {
	case BatchCompleted:
		return b, nil
	case BatchRunning:
		return nil, fmt.Errorf("%w: %s/%s/%s/%d", ErrBatchBusy, jobID, table, op, index)
	default:
		return nil, fmt.Errorf("batch %s/%s/%s/%d in unexpected status %s", jobID, table, op, index, b.Status)
	}
}

// CompleteBatch records a successful batch.
func (s *Store) CompleteBatch(ctx context.Context, conn duck.Connection, b *Batch, rowsAffected int64) error {
	err := duck.Retry(ctx, s.log, "complete batch", func() error {
		_, err := conn.ExecContext(ctx, `UPDATE import_batches
			SET status = ?, rows_affected = ?, completed_at = ?, last_error = NULL
			WHERE job_id = ? AND table_name = ? AND operation = ? AND batch_index = ?`,
			BatchCompleted, rowsAffected, s.clock.Now().UTC(),
			b.JobID, b.Table, string(b.Operation), b.BatchIndex)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to complete batch: %w", err)
	}
	return nil
}

// FailBatch records a failed batch attempt with its error.
func (s *Store) FailBatch(ctx context.Context, conn duck.Connection, b *Batch, cause error) error {
	err := duck.Retry(ctx, s.log, "fail batch", func() error {
		_, err := conn.ExecContext(ctx, `UPDATE import_batches
			SET status = ?, last_error = ?
			WHERE job_id = ? AND table_name = ? AND operation = ? AND batch_index = ?`,
			BatchFailed, cause.Error(),
			b.JobID, b.Table, string(b.Operation), b.BatchIndex)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark batch failed: %w", err)
	}
	return nil
}

// ListBatches returns the job's batches in stable plan order: table
// dependency order, deletes before inserts, then batch index.
func (s *Store) ListBatches(ctx context.Context, conn duck.Connection, jobID string) ([]*Batch, error) {
	rows, err := conn.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM import_batches WHERE job_id = ?", batchColumns), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortBatches(batches)
	return batches, nil
}

// ResetStaleBatches flips batches running longer than threshold back to
// pending. Returns how many were reset.
func (s *Store) ResetStaleBatches(ctx context.Context, conn duck.Connection, threshold time.Duration) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-threshold)
	var reset int64
	err := duck.Retry(ctx, s.log, "reset stale batches", func() error {
		res, err := conn.ExecContext(ctx,
			"UPDATE import_batches SET status = ?, last_error = ? WHERE status = ? AND started_at < ?",
			BatchPending, "stale lock reset", BatchRunning, cutoff)
		if err != nil {
			return err
		}
		reset, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale batches: %w", err)
	}
	return reset, nil
}

var tableOrder = func() map[string]int {
	m := make(map[string]int, len(schema.Tables))
	for i, t := range schema.Tables {
		m[t.Name] = i
	}
	return m
}()

func opRank(op schema.Operation) int {
	if op == schema.OpDelete {
		return 0
	}
	return 1
}

func sortBatches(batches []*Batch) {
	sort.Slice(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		if tableOrder[a.Table] != tableOrder[b.Table] {
			return tableOrder[a.Table] < tableOrder[b.Table]
		}
		if opRank(a.Operation) != opRank(b.Operation) {
			return opRank(a.Operation) < opRank(b.Operation)
		}
		return a.BatchIndex < b.BatchIndex
	})
}
