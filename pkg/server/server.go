// Package server exposes the import engine to the durable runtime over
// HTTP: one endpoint per façade operation, plus health and job listing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kbolake/kbolake/pkg/archive"
	"github.com/kbolake/kbolake/pkg/importer"
	"github.com/kbolake/kbolake/pkg/metrics"
	"github.com/kbolake/kbolake/pkg/schema"
	"github.com/kbolake/kbolake/pkg/staging"
)

// Server is the HTTP façade over the import engine.
type Server struct {
	log    *slog.Logger
	cfg    Config
	engine *importer.Importer
	http   *http.Server
}

// New builds a Server.
func New(log *slog.Logger, cfg Config, engine *importer.Importer) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	s := &Server{log: log, cfg: cfg, engine: engine}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Route("/v1/imports", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Post("/", s.handlePrepare)
		r.Post("/{job}/batches", s.handleProcessBatch)
		r.Get("/{job}/progress", s.handleProgress)
		r.Post("/{job}/finalize", s.handleFinalize)
	})
	return r
}

// ListenAndServe runs the server until the listener fails or Shutdown is
// called.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "addr", s.cfg.ListenAddr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// prepareRequest is the JSON body of POST /v1/imports when the archive is
// referenced rather than uploaded.
type prepareRequest struct {
	ArchiveURL string `json:"archive_url"`
	WorkerType string `json:"worker_type"`
}

// handlePrepare accepts either a JSON body referencing the archive or the
// raw ZIP bytes (Content-Type application/zip), with the worker type in the
// X-Worker-Type header for uploads.
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req importer.PrepareRequest

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/zip") || strings.HasPrefix(ct, "application/octet-stream") {
		data, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxArchiveBytes+1))
		if err != nil {
			s.writeError(w, r, fmt.Errorf("failed to read archive body: %w", err))
			return
		}
		if int64(len(data)) > s.cfg.MaxArchiveBytes {
			s.writeError(w, r, fmt.Errorf("%w: archive exceeds %d bytes", archive.ErrArchiveInvalid, s.cfg.MaxArchiveBytes))
			return
		}
		req.ArchiveData = data
		req.WorkerType = r.Header.Get("X-Worker-Type")
	} else {
		var body prepareRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: bad request body: %v", archive.ErrArchiveInvalid, err))
			return
		}
		req.ArchiveURL = body.ArchiveURL
		req.WorkerType = body.WorkerType
	}

	summary, err := s.engine.Prepare(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type processBatchRequest struct {
	Table      string `json:"table"`
	Operation  string `json:"operation"`
	BatchIndex int    `json:"batch_index"`
}

func (s *Server) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job")

	var body processBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	op := schema.Operation(body.Operation)
	if op != schema.OpDelete && op != schema.OpInsert {
		http.Error(w, fmt.Sprintf("unknown operation %q", body.Operation), http.StatusBadRequest)
		return
	}

	result, err := s.engine.ProcessBatch(r.Context(), jobID, body.Table, op, body.BatchIndex)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.GetProgress(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Finalize(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type jobSummary struct {
	ID               string `json:"id"`
	ExtractNumber    int64  `json:"extract_number"`
	ExtractType      string `json:"extract_type"`
	SnapshotDate     string `json:"snapshot_date"`
	Status           string `json:"status"`
	ErrorMessage     string `json:"error_message,omitempty"`
	RecordsInserted  int64  `json:"records_inserted"`
	RecordsDeleted   int64  `json:"records_deleted"`
	RecordsProcessed int64  `json:"records_processed"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.engine.ListJobs(r.Context(), 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobSummary{
			ID:               j.ID,
			ExtractNumber:    j.ExtractNumber,
			ExtractType:      j.ExtractType,
			SnapshotDate:     j.SnapshotDate,
			Status:           j.Status,
			ErrorMessage:     j.ErrorMessage,
			RecordsInserted:  j.RecordsInserted,
			RecordsDeleted:   j.RecordsDeleted,
			RecordsProcessed: j.RecordsProcessed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// writeError maps engine error kinds onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, importer.ErrBatchBusy), errors.Is(err, importer.ErrDuplicateJob):
		status = http.StatusConflict
	case errors.Is(err, importer.ErrJobNotFound), errors.Is(err, importer.ErrBatchNotFound):
		status = http.StatusNotFound
	case errors.Is(err, archive.ErrArchiveInvalid),
		errors.Is(err, archive.ErrMetadataInvalid),
		errors.Is(err, staging.ErrHeaderMismatch):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.log.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
