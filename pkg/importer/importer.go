package importer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/kbolake/kbolake/pkg/archive"
	"github.com/kbolake/kbolake/pkg/duck"
	"github.com/kbolake/kbolake/pkg/metrics"
	"github.com/kbolake/kbolake/pkg/schema"
	"github.com/kbolake/kbolake/pkg/staging"
)

// Importer is the orchestrator façade: the four operations the durable
// runtime invokes, each a checkpoint boundary. Every call opens one
// warehouse connection and closes it on exit.
type Importer struct {
	log       *slog.Logger
	db        duck.DB
	store     *Store
	executor  *Executor
	batchSize int
}

// Option configures an Importer.
type Option func(*Importer)

// WithBatchSize overrides the rows-per-batch constant.
func WithBatchSize(n int) Option {
	return func(i *Importer) {
		if n > 0 {
			i.batchSize = n
		}
	}
}

// WithClock injects the clock used for job and batch timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(i *Importer) {
		i.store = NewStore(i.log, clock)
		i.executor = NewExecutor(i.log, i.store)
	}
}

// New builds an Importer over the given warehouse.
func New(log *slog.Logger, db duck.DB, opts ...Option) *Importer {
	i := &Importer{
		log:       log,
		db:        db,
		batchSize: DefaultBatchSize,
	}
	i.store = NewStore(log, nil)
	i.executor = NewExecutor(log, i.store)
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Store exposes the job/batch store for the sweeper and read paths.
func (i *Importer) Store() *Store {
	return i.store
}

// ListJobs returns recent import jobs, newest extract first.
func (i *Importer) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	conn, err := i.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return i.store.ListJobs(ctx, conn, limit)
}

// PrepareRequest carries the archive into prepare: raw bytes, or a source
// reference (file path, http(s) URL, s3 object) to fetch them from.
type PrepareRequest struct {
	ArchiveData []byte
	ArchiveURL  string
	WorkerType  string
}

// JobID derives the deterministic job identifier for an extract, so replayed
// prepares land on the same job.
func JobID(extractNumber int64, extractType archive.ExtractType) string {
	return fmt.Sprintf("job_%d_%s", extractNumber, extractType)
}

// Prepare stages an archive and writes the batch plan. Replay semantics:
// an already-completed job for the same (extract_number, extract_type)
// returns its existing plan as a no-op; an incomplete one is torn down and
// rebuilt from scratch.
func (i *Importer) Prepare(ctx context.Context, req PrepareRequest) (*PlanSummary, error) {
	data := req.ArchiveData
	if len(data) == 0 {
		if req.ArchiveURL == "" {
			return nil, fmt.Errorf("%w: no archive bytes or URL", archive.ErrArchiveInvalid)
		}
		var err error
		data, err = archive.Fetch(ctx, i.log, req.ArchiveURL)
		if err != nil {
			return nil, err
		}
	}

	a, err := archive.Open(data)
	if err != nil {
		return nil, err
	}
	meta, err := archive.ReadMetadata(a)
	if err != nil {
		return nil, err
	}

	conn, err := i.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	jobID := JobID(meta.ExtractNumber, meta.ExtractType)
	log := i.log.With("job_id", jobID, "extract_number", meta.ExtractNumber, "extract_type", meta.ExtractType)

	existing, err := i.store.GetJobByExtract(ctx, conn, meta.ExtractNumber, string(meta.ExtractType))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status == JobCompleted {
			log.Info("extract already imported, returning existing plan")
			batches, err := i.store.ListBatches(ctx, conn, existing.ID)
			if err != nil {
				return nil, err
			}
			summary := summaryFromBatches(existing, batches)
			summary.Duplicate = true
			return summary, nil
		}
		// A prior prepare died partway; start over.
		log.Warn("restarting incomplete job", "previous_status", existing.Status)
		if err := staging.CleanJob(ctx, log, conn, existing.ID); err != nil {
			return nil, err
		}
		if err := i.store.DeleteJob(ctx, conn, existing.ID); err != nil {
			return nil, err
		}
	}

	job := &Job{
		ID:               jobID,
		ExtractNumber:    meta.ExtractNumber,
		ExtractType:      string(meta.ExtractType),
		SnapshotDate:     meta.SnapshotDate,
		ExtractTimestamp: meta.ExtractTimestamp,
		WorkerType:       req.WorkerType,
	}
	if err := i.store.CreateJob(ctx, conn, job); err != nil {
		return nil, err
	}

	result, err := staging.Load(ctx, log, conn, jobID, a, meta)
	if err != nil {
		return nil, i.failJob(ctx, conn, jobID, job.ExtractType, err)
	}

	summary, err := planBatches(ctx, log, conn, i.store, jobID, result.Loads, i.batchSize)
	if err != nil {
		return nil, i.failJob(ctx, conn, jobID, job.ExtractType, err)
	}
	summary.ExtractNumber = meta.ExtractNumber
	summary.ExtractType = string(meta.ExtractType)
	summary.SnapshotDate = meta.SnapshotDate

	if err := i.store.SetJobStatus(ctx, conn, jobID, JobProcessing, ""); err != nil {
		return nil, err
	}
	return summary, nil
}

// ProcessBatch applies one batch of the plan.
func (i *Importer) ProcessBatch(ctx context.Context, jobID, table string, op schema.Operation, batchIndex int) (*BatchResult, error) {
	conn, err := i.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	job, err := i.store.GetJob(ctx, conn, jobID)
	if err != nil {
		return nil, err
	}
	return i.executor.ProcessBatch(ctx, conn, job, table, op, batchIndex)
}

// FinalizeResult reports finalize's post-processing.
type FinalizeResult struct {
	JobID string `json:"job_id"`
	// NamesResolved counts enterprises whose primary name was filled in.
	NamesResolved int64 `json:"names_resolved"`
	// StagingCleaned counts staging rows erased.
	StagingCleaned   int64 `json:"staging_cleaned"`
	RecordsInserted  int64 `json:"records_inserted"`
	RecordsDeleted   int64 `json:"records_deleted"`
	RecordsProcessed int64 `json:"records_processed"`
}

// Finalize runs the primary-name resolver, recomputes the job counters from
// the temporal tables (authoritative), erases the job's staging rows, and
// marks the job completed. Requires every batch to be completed.
func (i *Importer) Finalize(ctx context.Context, jobID string) (*FinalizeResult, error) {
	conn, err := i.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	job, err := i.store.GetJob(ctx, conn, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == JobCompleted {
		// Replayed finalize: report the persisted outcome.
		return &FinalizeResult{
			JobID:            jobID,
			RecordsInserted:  job.RecordsInserted,
			RecordsDeleted:   job.RecordsDeleted,
			RecordsProcessed: job.RecordsProcessed,
		}, nil
	}

	batches, err := i.store.ListBatches(ctx, conn, jobID)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		if b.Status != BatchCompleted {
			return nil, fmt.Errorf("cannot finalize %s: batch %s/%s/%d is %s", jobID, b.Table, b.Operation, b.BatchIndex, b.Status)
		}
	}

	if err := i.store.SetJobStatus(ctx, conn, jobID, JobFinalizing, ""); err != nil {
		return nil, err
	}

	resolved, err := resolveNames(ctx, i.log, conn, job.ExtractNumber)
	if err != nil {
		return nil, i.failJob(ctx, conn, jobID, job.ExtractType, err)
	}

	inserted, deleted, err := recountRecords(ctx, conn, job.ExtractNumber)
	if err != nil {
		return nil, i.failJob(ctx, conn, jobID, job.ExtractType, err)
	}
	if err := i.store.SetJobCounters(ctx, conn, jobID, inserted, deleted); err != nil {
		return nil, err
	}

	cleaned, err := countStagingRows(ctx, conn, jobID)
	if err != nil {
		return nil, err
	}
	if err := staging.CleanJob(ctx, i.log, conn, jobID); err != nil {
		return nil, i.failJob(ctx, conn, jobID, job.ExtractType, err)
	}

	if err := i.store.SetJobStatus(ctx, conn, jobID, JobCompleted, ""); err != nil {
		return nil, err
	}
	metrics.JobsFinalized.WithLabelValues(job.ExtractType, "completed").Inc()

	i.log.Info("job finalized",
		"job_id", jobID,
		"records_inserted", inserted,
		"records_deleted", deleted,
		"names_resolved", resolved,
		"staging_cleaned", cleaned)

	return &FinalizeResult{
		JobID:            jobID,
		NamesResolved:    resolved,
		StagingCleaned:   cleaned,
		RecordsInserted:  inserted,
		RecordsDeleted:   deleted,
		RecordsProcessed: inserted + deleted,
	}, nil
}

// failJob marks the job failed with the causing error and returns it.
func (i *Importer) failJob(ctx context.Context, conn duck.Connection, jobID, extractType string, cause error) error {
	if err := i.store.SetJobStatus(ctx, conn, jobID, JobFailed, cause.Error()); err != nil {
		i.log.Error("failed to mark job failed", "job_id", jobID, "error", err)
	}
	metrics.JobsFinalized.WithLabelValues(extractType, "failed").Inc()
	return cause
}

// recountRecords derives the authoritative counters from the temporal
// tables: rows born at this extract count as inserts, rows retired at it as
// deletes.
func recountRecords(ctx context.Context, conn duck.Connection, extractNumber int64) (inserted, deleted int64, err error) {
	for _, t := range schema.Tables {
		row := conn.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT count(*) FILTER (WHERE %s = ?), count(*) FILTER (WHERE %s = ?) FROM %s",
			schema.ColExtractNumber, schema.ColDeletedAtExtract, t.Name),
			extractNumber, extractNumber)
		var ins, del int64
		if err := row.Scan(&ins, &del); err != nil {
			return 0, 0, fmt.Errorf("failed to recount %s: %w", t.Name, err)
		}
		inserted += ins
		deleted += del
	}
	return inserted, deleted, nil
}

func countStagingRows(ctx context.Context, conn duck.Connection, jobID string) (int64, error) {
	var total int64
	for _, t := range schema.Tables {
		row := conn.QueryRowContext(ctx,
			fmt.Sprintf("SELECT count(*) FROM %s WHERE job_id = ?", t.StagingName()), jobID)
		var n int64
		if err := row.Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count %s: %w", t.StagingName(), err)
		}
		total += n
	}
	return total, nil
}
