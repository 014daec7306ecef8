package importer_test

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/kbolake/kbolake/pkg/archive"
	"github.com/kbolake/kbolake/pkg/duck"
	"github.com/kbolake/kbolake/pkg/importer"
	"github.com/kbolake/kbolake/pkg/logger"
	"github.com/kbolake/kbolake/pkg/schema"
	"github.com/kbolake/kbolake/pkg/temporal"
)

func newTestDB(t *testing.T) duck.DB {
	t.Helper()
	ctx := context.Background()
	log := logger.New(false)

	dir := t.TempDir()
	db, err := duck.NewDB(ctx, log, filepath.Join(dir, "test.duckdb"), dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, schema.RunMigrations(ctx, log, conn))

	return db
}

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func metaCSV(extractNumber int, extractType, snapshotDate string) string {
	return fmt.Sprintf("Variable,Value\nSnapshotDate,%s\nExtractType,%s\nExtractNumber,%d\n",
		snapshotDate, extractType, extractNumber)
}

// runJob drives an archive through the full façade cycle the way the
// durable runtime would: prepare, process every batch, finalize.
func runJob(t *testing.T, engine *importer.Importer, archiveBytes []byte) *importer.FinalizeResult {
	t.Helper()
	ctx := context.Background()

	summary, err := engine.Prepare(ctx, importer.PrepareRequest{ArchiveData: archiveBytes})
	require.NoError(t, err)

	for {
		snap, err := engine.GetProgress(ctx, summary.JobID)
		require.NoError(t, err)
		if snap.NextBatch == nil {
			break
		}
		_, err = engine.ProcessBatch(ctx, summary.JobID, snap.NextBatch.Table, snap.NextBatch.Operation, snap.NextBatch.BatchIndex)
		require.NoError(t, err)
	}

	result, err := engine.Finalize(ctx, summary.JobID)
	require.NoError(t, err)
	return result
}

const (
	enterpriseHeader = "EnterpriseNumber,Status,JuridicalSituation,TypeOfEnterprise,JuridicalForm,JuridicalFormCAC,StartDate\n"
	denomHeader      = "EntityNumber,Language,TypeOfDenomination,Denomination\n"
	addressHeader    = "EntityNumber,TypeOfAddress,CountryNL,CountryFR,Zipcode,MunicipalityNL,MunicipalityFR,StreetNL,StreetFR,HouseNumber,Box,ExtraAddressInfo,DateStrikingOff\n"
)

func fullArchive140(t *testing.T) []byte {
	return buildArchive(t, map[string]string{
		"meta.csv":       metaCSV(140, "full", "05-10-2025"),
		"enterprise.csv": enterpriseHeader + "0100.100.100,AC,000,2,014,,01-01-2000\n",
		"denomination.csv": denomHeader +
			"0100.100.100,2,001,ACME\n",
	})
}

func TestFreshFullLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	engine := importer.New(logger.New(false), db)

	result := runJob(t, engine, fullArchive140(t))
	require.Equal(t, int64(2), result.RecordsInserted)
	require.Equal(t, int64(0), result.RecordsDeleted)
	require.Equal(t, int64(1), result.NamesResolved)
	require.Equal(t, int64(2), result.StagingCleaned)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var current bool
	var extract int64
	var name, lang, nameNL string
	var startDate time.Time
	row := conn.QueryRowContext(ctx, `SELECT _is_current, _extract_number, primary_name,
		primary_name_language, primary_name_nl, start_date
		FROM enterprises WHERE enterprise_number = ?`, "0100.100.100")
	require.NoError(t, row.Scan(&current, &extract, &name, &lang, &nameNL, &startDate))
	require.True(t, current)
	require.Equal(t, int64(140), extract)
	require.Equal(t, "ACME", name)
	require.Equal(t, "2", lang)
	require.Equal(t, "ACME", nameNL)
	require.Equal(t, "2000-01-01", startDate.Format("2006-01-02"))

	// Staging was cleaned on finalize.
	var staged int64
	row = conn.QueryRowContext(ctx, "SELECT count(*) FROM staging_enterprises")
	require.NoError(t, row.Scan(&staged))
	require.Zero(t, staged)

	// The job reports completed with authoritative counters.
	snap, err := engine.GetProgress(ctx, importer.JobID(140, archive.ExtractTypeFull))
	require.NoError(t, err)
	require.Equal(t, importer.JobCompleted, snap.Status)
	require.Equal(t, int64(2), snap.RecordsProcessed)
	require.Equal(t, 100.0, snap.Overall.Percent)
}

func TestCodesRefreshOnFullArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	engine := importer.New(logger.New(false), db)

	data := buildArchive(t, map[string]string{
		"meta.csv":       metaCSV(140, "full", "05-10-2025"),
		"enterprise.csv": enterpriseHeader + "0100.100.100,AC,000,2,014,,01-01-2000\n",
		"code.csv": "Category,Code,Language,Description\n" +
			"JuridicalForm,014,NL,Naamloze vennootschap\n" +
			"Nace2008,62.010,NL,Computerprogrammering\n" +
			"Nace2008,62.010,FR,Programmation informatique\n",
	})
	runJob(t, engine, data)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var codes, nace int64
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT count(*) FROM codes").Scan(&codes))
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT count(*) FROM nace_codes").Scan(&nace))
	require.Equal(t, int64(3), codes)
	require.Equal(t, int64(2), nace)

	var version, desc string
	row := conn.QueryRowContext(ctx,
		"SELECT nace_version, description FROM nace_codes WHERE language = 'NL'")
	require.NoError(t, row.Scan(&version, &desc))
	require.Equal(t, "2008", version)
	require.Equal(t, "Computerprogrammering", desc)
}

func TestNameChangeUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	engine := importer.New(logger.New(false), db)

	runJob(t, engine, fullArchive140(t))

	update := buildArchive(t, map[string]string{
		"meta.csv":                metaCSV(141, "update", "06-10-2025"),
		"denomination_delete.csv": "EntityNumber\n0100.100.100\n",
		"denomination_insert.csv": denomHeader + "0100.100.100,2,001,ACME NV\n",
	})
	result := runJob(t, engine, update)
	require.Equal(t, int64(1), result.RecordsInserted)
	require.Equal(t, int64(1), result.RecordsDeleted)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	// Two versions of the denomination: the old one retired at 141, the new
	// one current.
	var total, currentCount int64
	row := conn.QueryRowContext(ctx,
		"SELECT count(*), count(*) FILTER (WHERE _is_current) FROM denominations WHERE entity_number = ?",
		"0100.100.100")
	require.NoError(t, row.Scan(&total, &currentCount))
	require.Equal(t, int64(2), total)
	require.Equal(t, int64(1), currentCount)

	var denom string
	var extract int64
	row = conn.QueryRowContext(ctx,
		"SELECT denomination, _extract_number FROM denominations WHERE _is_current")
	require.NoError(t, row.Scan(&denom, &extract))
	require.Equal(t, "ACME NV", denom)
	require.Equal(t, int64(141), extract)

	var deletedAt int64
	row = conn.QueryRowContext(ctx,
		"SELECT _deleted_at_extract FROM denominations WHERE NOT _is_current")
	require.NoError(t, row.Scan(&deletedAt))
	require.Equal(t, int64(141), deletedAt)

	// The enterprise row was untouched by this extract, so its denormalized
	// name lags one cycle.
	var name string
	row = conn.QueryRowContext(ctx, "SELECT primary_name FROM enterprises WHERE _is_current")
	require.NoError(t, row.Scan(&name))
	require.Equal(t, "ACME", name)
}

func TestDuplicateWithinInsertFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	engine := importer.New(logger.New(false), db)

	// Same address key twice; the later row wins.
	data := buildArchive(t, map[string]string{
		"meta.csv":       metaCSV(140, "full", "05-10-2025"),
		"enterprise.csv": enterpriseHeader + "0100.100.100,AC,000,2,014,,01-01-2000\n",
		"address.csv": addressHeader +
			"0100.100.100,REGO,België,Belgique,1000,Brussel,Bruxelles,Oude Straat,Vieille Rue,1,,,\n" +
			"0100.100.100,REGO,België,Belgique,1000,Brussel,Bruxelles,Nieuwe Straat,Nouvelle Rue,2,,,\n",
	})
	runJob(t, engine, data)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var count int64
	require.NoError(t, conn.QueryRowContext(ctx,
		"SELECT count(*) FROM addresses WHERE entity_number = ?", "0100.100.100").Scan(&count))
	require.Equal(t, int64(1), count)

	var street string
	require.NoError(t, conn.QueryRowContext(ctx,
		"SELECT street_nl FROM addresses WHERE _is_current").Scan(&street))
	require.Equal(t, "Nieuwe Straat", street)
}

func TestBatchReplayIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	engine := importer.New(logger.New(false), db, importer.WithBatchSize(2))

	var rows string
	for i := 0; i < 5; i++ {
		rows += fmt.Sprintf("0100.100.10%d,AC,000,2,014,,01-01-2000\n", i)
	}
	data := buildArchive(t, map[string]string{
		"meta.csv":       metaCSV(140, "full", "05-10-2025"),
		"enterprise.csv": enterpriseHeader + rows,
	})

	summary, err := engine.Prepare(ctx, importer.PrepareRequest{ArchiveData: data})
	require.NoError(t, err)
	require.Equal(t, 3, summary.TotalBatches)

	first, err := engine.ProcessBatch(ctx, summary.JobID, "enterprises", schema.OpInsert, 0)
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.Equal(t, int64(2), first.RowsAffected)
	require.Equal(t, 1, first.BatchesCompleted)

	// At-least-once delivery replays the same batch; nothing changes.
	second, err := engine.ProcessBatch(ctx, summary.JobID, "enterprises", schema.OpInsert, 0)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Zero(t, second.RowsAffected)
	require.Equal(t, 1, second.BatchesCompleted)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	var count int64
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT count(*) FROM enterprises").Scan(&count))
	require.Equal(t, int64(2), count)

	snap, err := engine.GetProgress(ctx, summary.JobID)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Overall.Completed)
	require.Equal(t, 3, snap.Overall.Total)

	// Finish the job; remainder batches behave normally.
	for {
		snap, err := engine.GetProgress(ctx, summary.JobID)
		require.NoError(t, err)
		if snap.NextBatch == nil {
			break
		}
		_, err = engine.ProcessBatch(ctx, summary.JobID, snap.NextBatch.Table, snap.NextBatch.Operation, snap.NextBatch.BatchIndex)
		require.NoError(t, err)
	}
	result, err := engine.Finalize(ctx, summary.JobID)
	require.NoError(t, err)
	require.Equal(t, int64(5), result.RecordsInserted)
}

func TestPointInTimeReconstruction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	engine := importer.New(logger.New(false), db)

	runJob(t, engine, fullArchive140(t))
	runJob(t, engine, buildArchive(t, map[string]string{
		"meta.csv":                metaCSV(141, "update", "06-10-2025"),
		"enterprise_insert.csv":   enterpriseHeader + "0100.100.100,JU,001,2,014,,01-01-2000\n",
		"denomination_delete.csv": "EntityNumber\n0100.100.100\n",
		"denomination_insert.csv": denomHeader + "0100.100.100,2,001,ACME Group\n",
	}))
	runJob(t, engine, buildArchive(t, map[string]string{
		"meta.csv":              metaCSV(142, "update", "07-10-2025"),
		"enterprise_insert.csv": enterpriseHeader + "0100.100.100,ST,002,2,014,,01-01-2000\n",
	}))

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	// Three versions exist; only the 142 one is current.
	var versions int64
	require.NoError(t, conn.QueryRowContext(ctx,
		"SELECT count(*) FROM enterprises WHERE enterprise_number = ?", "0100.100.100").Scan(&versions))
	require.Equal(t, int64(3), versions)

	query, args, err := temporal.PointInTimeQuery("enterprises",
		[]string{"status", "_extract_number"},
		"enterprise_number = ?", []any{"0100.100.100"},
		temporal.PointInTime{ExtractNumber: 141}, "enterprise_number", "")
	require.NoError(t, err)

	var status string
	var extract int64
	require.NoError(t, conn.QueryRowContext(ctx, query, args...).Scan(&status, &extract))
	require.Equal(t, "JU", status)
	require.Equal(t, int64(141), extract)

	// Current sees the 142 version.
	query, args, err = temporal.PointInTimeQuery("enterprises",
		[]string{"status"}, "enterprise_number = ?", []any{"0100.100.100"},
		temporal.Current{}, "enterprise_number", "")
	require.NoError(t, err)
	require.NoError(t, conn.QueryRowContext(ctx, query, args...).Scan(&status))
	require.Equal(t, "ST", status)

	// Child-table reconstruction: the denomination was replaced at 141, so
	// the 140 view still sees the original and later views see the new one.
	var denom string
	query, args, err = temporal.ChildTableQuery("denominations",
		[]string{"denomination"}, "0100.100.100",
		temporal.PointInTime{ExtractNumber: 140}, "", "id")
	require.NoError(t, err)
	require.NoError(t, conn.QueryRowContext(ctx, query, args...).Scan(&denom))
	require.Equal(t, "ACME", denom)

	query, args, err = temporal.ChildTableQuery("denominations",
		[]string{"denomination"}, "0100.100.100",
		temporal.PointInTime{ExtractNumber: 141}, "", "id")
	require.NoError(t, err)
	require.NoError(t, conn.QueryRowContext(ctx, query, args...).Scan(&denom))
	require.Equal(t, "ACME Group", denom)

	query, args, err = temporal.ChildTableQuery("denominations",
		[]string{"denomination"}, "0100.100.100",
		temporal.Current{}, "", "id")
	require.NoError(t, err)
	require.NoError(t, conn.QueryRowContext(ctx, query, args...).Scan(&denom))
	require.Equal(t, "ACME Group", denom)
}

func TestPureDeletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	engine := importer.New(logger.New(false), db)

	runJob(t, engine, fullArchive140(t))

	result := runJob(t, engine, buildArchive(t, map[string]string{
		"meta.csv":                metaCSV(141, "update", "06-10-2025"),
		"enterprise_delete.csv":   "EnterpriseNumber\n0100.100.100\n",
		"denomination_delete.csv": "EntityNumber\n0100.100.100\n",
	}))
	require.Zero(t, result.RecordsInserted)
	require.Equal(t, int64(2), result.RecordsDeleted)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var current int64
	require.NoError(t, conn.QueryRowContext(ctx,
		"SELECT count(*) FROM enterprises WHERE _is_current").Scan(&current))
	require.Zero(t, current)

	// The enterprise is still visible at extract 140.
	query, args, err := temporal.PointInTimeQuery("enterprises",
		[]string{"enterprise_number"}, "", nil,
		temporal.PointInTime{ExtractNumber: 140}, "enterprise_number", "")
	require.NoError(t, err)
	var number string
	require.NoError(t, conn.QueryRowContext(ctx, query, args...).Scan(&number))
	require.Equal(t, "0100.100.100", number)

	// Deleting an already-deleted key affects nothing.
	again := runJob(t, engine, buildArchive(t, map[string]string{
		"meta.csv":              metaCSV(142, "update", "07-10-2025"),
		"enterprise_delete.csv": "EnterpriseNumber\n0100.100.100\n",
	}))
	require.Zero(t, again.RecordsDeleted)
}

func TestFullArchiveSupersedesHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	engine := importer.New(logger.New(false), db)

	runJob(t, engine, fullArchive140(t))

	// The next monthly full snapshot carries no delete files; its inserts
	// supersede every older current row.
	result := runJob(t, engine, buildArchive(t, map[string]string{
		"meta.csv":         metaCSV(150, "full", "05-11-2025"),
		"enterprise.csv":   enterpriseHeader + "0100.100.100,AC,000,2,014,,01-01-2000\n",
		"denomination.csv": denomHeader + "0100.100.100,2,001,ACME\n",
	}))
	require.Equal(t, int64(2), result.RecordsInserted)
	require.Equal(t, int64(2), result.RecordsDeleted)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var current, old int64
	row := conn.QueryRowContext(ctx, `SELECT
		count(*) FILTER (WHERE _is_current),
		count(*) FILTER (WHERE NOT _is_current AND _deleted_at_extract = 150)
		FROM enterprises`)
	require.NoError(t, row.Scan(&current, &old))
	require.Equal(t, int64(1), current)
	require.Equal(t, int64(1), old)

	// The carried-forward name keeps the row displayable.
	var name string
	require.NoError(t, conn.QueryRowContext(ctx,
		"SELECT primary_name FROM enterprises WHERE _is_current").Scan(&name))
	require.Equal(t, "ACME", name)
}

func TestPrepareReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	engine := importer.New(logger.New(false), db)

	data := fullArchive140(t)
	runJob(t, engine, data)

	// Preparing a completed extract is a no-op returning the existing plan.
	summary, err := engine.Prepare(ctx, importer.PrepareRequest{ArchiveData: data})
	require.NoError(t, err)
	require.True(t, summary.Duplicate)
	require.Equal(t, importer.JobID(140, archive.ExtractTypeFull), summary.JobID)
	require.Equal(t, 2, summary.TotalBatches)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	var count int64
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT count(*) FROM enterprises").Scan(&count))
	require.Equal(t, int64(1), count)
}

func TestPrepareRestartsIncompleteJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	engine := importer.New(logger.New(false), db)

	data := fullArchive140(t)
	first, err := engine.Prepare(ctx, importer.PrepareRequest{ArchiveData: data})
	require.NoError(t, err)

	// The worker died before processing anything; a fresh prepare rebuilds
	// the job from scratch.
	second, err := engine.Prepare(ctx, importer.PrepareRequest{ArchiveData: data})
	require.NoError(t, err)
	require.False(t, second.Duplicate)
	require.Equal(t, first.JobID, second.JobID)
	require.Equal(t, first.TotalBatches, second.TotalBatches)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	var staged int64
	require.NoError(t, conn.QueryRowContext(ctx,
		"SELECT count(*) FROM staging_enterprises WHERE job_id = ?", second.JobID).Scan(&staged))
	require.Equal(t, int64(1), staged)
}

func TestBatchBusy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	engine := importer.New(logger.New(false), db)

	summary, err := engine.Prepare(ctx, importer.PrepareRequest{ArchiveData: fullArchive140(t)})
	require.NoError(t, err)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	// Another worker holds the batch lock.
	_, err = engine.Store().LockBatch(ctx, conn, summary.JobID, "enterprises", schema.OpInsert, 0)
	require.NoError(t, err)

	_, err = engine.ProcessBatch(ctx, summary.JobID, "enterprises", schema.OpInsert, 0)
	require.ErrorIs(t, err, importer.ErrBatchBusy)
}

func TestSweeperResetsStaleLocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	clock := clockwork.NewFakeClock()
	engine := importer.New(logger.New(false), db, importer.WithClock(clock))

	summary, err := engine.Prepare(ctx, importer.PrepareRequest{ArchiveData: fullArchive140(t)})
	require.NoError(t, err)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	_, err = engine.Store().LockBatch(ctx, conn, summary.JobID, "enterprises", schema.OpInsert, 0)
	require.NoError(t, err)

	sweeper := importer.NewSweeper(logger.New(false), db, engine.Store(), clock, 5*time.Minute, time.Minute)

	// Under the threshold nothing is reset.
	require.NoError(t, sweeper.Sweep(ctx))
	_, err = engine.ProcessBatch(ctx, summary.JobID, "enterprises", schema.OpInsert, 0)
	require.ErrorIs(t, err, importer.ErrBatchBusy)

	clock.Advance(10 * time.Minute)
	require.NoError(t, sweeper.Sweep(ctx))

	result, err := engine.ProcessBatch(ctx, summary.JobID, "enterprises", schema.OpInsert, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.RowsAffected)
}

func TestUnknownJobAndBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	engine := importer.New(logger.New(false), db)

	_, err := engine.GetProgress(ctx, "job_999_full")
	require.ErrorIs(t, err, importer.ErrJobNotFound)

	_, err = engine.Finalize(ctx, "job_999_full")
	require.ErrorIs(t, err, importer.ErrJobNotFound)

	summary, err := engine.Prepare(ctx, importer.PrepareRequest{ArchiveData: fullArchive140(t)})
	require.NoError(t, err)
	_, err = engine.ProcessBatch(ctx, summary.JobID, "enterprises", schema.OpInsert, 7)
	require.ErrorIs(t, err, importer.ErrBatchNotFound)
}

func TestFinalizeRequiresAllBatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	engine := importer.New(logger.New(false), db)

	summary, err := engine.Prepare(ctx, importer.PrepareRequest{ArchiveData: fullArchive140(t)})
	require.NoError(t, err)

	_, err = engine.Finalize(ctx, summary.JobID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot finalize")
}
