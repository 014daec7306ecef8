package importer

import (
	"context"
	"log/slog"

	"github.com/kbolake/kbolake/pkg/duck"
	"github.com/kbolake/kbolake/pkg/schema"
	"github.com/kbolake/kbolake/pkg/staging"
)

// DefaultBatchSize is the single batch-sizing knob: rows per batch for both
// delete and insert work.
const DefaultBatchSize = 10_000

// TableBatches counts the planned batches for one table.
type TableBatches struct {
	DeleteBatches int `json:"delete_batches"`
	InsertBatches int `json:"insert_batches"`
}

// PlanSummary is the result of prepare: the batch plan the durable runtime
// iterates over.
type PlanSummary struct {
	JobID          string                  `json:"job_id"`
	ExtractNumber  int64                   `json:"extract_number"`
	ExtractType    string                  `json:"extract_type"`
	SnapshotDate   string                  `json:"snapshot_date"`
	TotalBatches   int                     `json:"total_batches"`
	BatchesByTable map[string]TableBatches `json:"batches_by_table"`
	// Duplicate is true when a completed job for this extract already
	// existed and prepare returned its plan as a no-op.
	Duplicate bool `json:"duplicate,omitempty"`
}

// planBatches turns staged row counts into persisted batch rows, one per
// BATCH_SIZE window of row_sequence values. Iteration order is stable:
// table dependency order, deletes before inserts.
func planBatches(ctx context.Context, log *slog.Logger, conn duck.Connection, store *Store, jobID string, loads []staging.TableLoad, batchSize int) (*PlanSummary, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	summary := &PlanSummary{
		JobID:          jobID,
		BatchesByTable: map[string]TableBatches{},
	}

	var batches []Batch
	for _, load := range loads {
		if load.Rows == 0 {
			continue
		}
		n := int((load.Rows + int64(batchSize) - 1) / int64(batchSize))
		for i := 0; i < n; i++ {
			from := int64(i)*int64(batchSize) + 1
			to := from + int64(batchSize) - 1
			if to > load.Rows {
				to = load.Rows
			}
			batches = append(batches, Batch{
				JobID:      jobID,
				Table:      load.Table.Name,
				Operation:  load.Operation,
				BatchIndex: i,
				SeqFrom:    from,
				SeqTo:      to,
			})
		}

		tb := summary.BatchesByTable[load.Table.Name]
		if load.Operation == schema.OpDelete {
			tb.DeleteBatches += n
		} else {
			tb.InsertBatches += n
		}
		summary.BatchesByTable[load.Table.Name] = tb
		summary.TotalBatches += n
	}

	if err := store.CreateBatches(ctx, conn, batches); err != nil {
		return nil, err
	}

	log.Info("batch plan written", "job_id", jobID, "batches", summary.TotalBatches, "batch_size", batchSize)
	return summary, nil
}

// summaryFromBatches rebuilds a PlanSummary from persisted batch rows, used
// when prepare replays against an existing job.
func summaryFromBatches(job *Job, batches []*Batch) *PlanSummary {
	summary := &PlanSummary{
		JobID:          job.ID,
		ExtractNumber:  job.ExtractNumber,
		ExtractType:    job.ExtractType,
		SnapshotDate:   job.SnapshotDate,
		BatchesByTable: map[string]TableBatches{},
	}
	for _, b := range batches {
		tb := summary.BatchesByTable[b.Table]
		if b.Operation == schema.OpDelete {
			tb.DeleteBatches++
		} else {
			tb.InsertBatches++
		}
		summary.BatchesByTable[b.Table] = tb
		summary.TotalBatches++
	}
	return summary
}
