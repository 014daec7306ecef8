package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/kbolake/kbolake/pkg/duck"
	"github.com/kbolake/kbolake/pkg/importer"
	"github.com/kbolake/kbolake/pkg/logger"
	"github.com/kbolake/kbolake/pkg/schema"
	"github.com/kbolake/kbolake/pkg/server"
)

func newTestHandler(t *testing.T) http.Handler {
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

	engine := importer.New(log, db)
	srv, err := server.New(log, server.DefaultConfig(), engine)
	require.NoError(t, err)
	return srv.Routes()
}

func testArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	files := map[string]string{
		"meta.csv": "Variable,Value\nSnapshotDate,05-10-2025\nExtractType,full\nExtractNumber,140\n",
		"enterprise.csv": "EnterpriseNumber,Status,JuridicalSituation,TypeOfEnterprise,JuridicalForm,JuridicalFormCAC,StartDate\n" +
			"0100.100.100,AC,000,2,014,,01-01-2000\n",
	}
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestImportLifecycle(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	// Upload the archive.
	req := httptest.NewRequest(http.MethodPost, "/v1/imports", bytes.NewReader(testArchive(t)))
	req.Header.Set("Content-Type", "application/zip")
	req.Header.Set("X-Worker-Type", "test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var summary importer.PlanSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, "job_140_full", summary.JobID)
	require.Equal(t, 1, summary.TotalBatches)

	// Process the single batch.
	body := `{"table":"enterprises","operation":"insert","batch_index":0}`
	req = httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/v1/imports/%s/batches", summary.JobID), bytes.NewBufferString(body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result importer.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, int64(1), result.RowsAffected)

	// Progress.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/v1/imports/%s/progress", summary.JobID), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap importer.ProgressSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, 1, snap.Overall.Completed)

	// Finalize.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/v1/imports/%s/finalize", summary.JobID), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var fin importer.FinalizeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fin))
	require.Equal(t, int64(1), fin.RecordsInserted)

	// The job shows up in the listing as completed.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/imports", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"completed"`)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	// Unknown job.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/imports/job_999_full/progress", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Garbage archive.
	req := httptest.NewRequest(http.MethodPost, "/v1/imports", bytes.NewBufferString("not a zip"))
	req.Header.Set("Content-Type", "application/zip")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Unknown operation.
	req = httptest.NewRequest(http.MethodPost, "/v1/imports/job_140_full/batches",
		bytes.NewBufferString(`{"table":"enterprises","operation":"upsert","batch_index":0}`))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
