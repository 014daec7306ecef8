package importer

import (
	"context"

	"github.com/kbolake/kbolake/pkg/schema"
)

// BatchRef identifies one batch within a job.
type BatchRef struct {
	Table      string           `json:"table"`
	Operation  schema.Operation `json:"operation"`
	BatchIndex int              `json:"batch_index"`
}

// OverallProgress aggregates batch completion across the job.
type OverallProgress struct {
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// TableProgress aggregates batch completion for one table.
type TableProgress struct {
	Table     string `json:"table"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Status    string `json:"status"`
}

// ProgressSnapshot is the read model behind getProgress: job status plus
// per-table and overall batch completion, and the batch currently running
// and next pending, when any.
type ProgressSnapshot struct {
	JobID            string          `json:"job_id"`
	ExtractNumber    int64           `json:"extract_number"`
	ExtractType      string          `json:"extract_type"`
	SnapshotDate     string          `json:"snapshot_date"`
	Status           string          `json:"status"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Overall          OverallProgress `json:"overall"`
	PerTable         []TableProgress `json:"per_table"`
	CurrentBatch     *BatchRef       `json:"current_batch,omitempty"`
	NextBatch        *BatchRef       `json:"next_batch,omitempty"`
	RecordsInserted  int64           `json:"records_inserted"`
	RecordsDeleted   int64           `json:"records_deleted"`
	RecordsProcessed int64           `json:"records_processed"`
}

// GetProgress derives the job's progress snapshot from the control tables.
// Failed jobs stay inspectable: the snapshot carries the persisted error and
// the last-known per-table state.
func (i *Importer) GetProgress(ctx context.Context, jobID string) (*ProgressSnapshot, error) {
	conn, err := i.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	job, err := i.store.GetJob(ctx, conn, jobID)
	if err != nil {
		return nil, err
	}
	batches, err := i.store.ListBatches(ctx, conn, jobID)
	if err != nil {
		return nil, err
	}

	snap := &ProgressSnapshot{
		JobID:            job.ID,
		ExtractNumber:    job.ExtractNumber,
		ExtractType:      job.ExtractType,
		SnapshotDate:     job.SnapshotDate,
		Status:           job.Status,
		ErrorMessage:     job.ErrorMessage,
		RecordsInserted:  job.RecordsInserted,
		RecordsDeleted:   job.RecordsDeleted,
		RecordsProcessed: job.RecordsProcessed,
	}

	perTable := map[string]*TableProgress{}
	for _, b := range batches {
		snap.Overall.Total++
		tp := perTable[b.Table]
		if tp == nil {
			tp = &TableProgress{Table: b.Table}
			perTable[b.Table] = tp
		}
		tp.Total++

		switch b.Status {
		case BatchCompleted:
			snap.Overall.Completed++
			tp.Completed++
		case BatchRunning:
			if snap.CurrentBatch == nil {
				snap.CurrentBatch = &BatchRef{Table: b.Table, Operation: b.Operation, BatchIndex: b.BatchIndex}
			}
		case BatchFailed:
			tp.Status = BatchFailed
		}
		if b.Status == BatchPending && snap.NextBatch == nil {
			snap.NextBatch = &BatchRef{Table: b.Table, Operation: b.Operation, BatchIndex: b.BatchIndex}
		}
	}

	// Emit per-table entries in processing order.
	for _, t := range schema.Tables {
		tp := perTable[t.Name]
		if tp == nil {
			continue
		}
		if tp.Status == "" {
			switch {
			case tp.Completed == tp.Total:
				tp.Status = BatchCompleted
			case tp.Completed > 0:
				tp.Status = BatchRunning
			default:
				tp.Status = BatchPending
			}
		}
		snap.PerTable = append(snap.PerTable, *tp)
	}

	if snap.Overall.Total > 0 {
		snap.Overall.Percent = float64(snap.Overall.Completed) / float64(snap.Overall.Total) * 100
	}
	return snap, nil
}
