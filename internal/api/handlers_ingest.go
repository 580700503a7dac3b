package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quantlake/finsight/internal/corpus"
	"github.com/quantlake/finsight/internal/parser"
	"github.com/quantlake/finsight/internal/pipeline"
)

type ingestRequest struct {
	SourceTable string `json:"source_table"`
	SourceID    string `json:"source_id"`
	Symbol      string `json:"symbol"`
	FiscalYear  int    `json:"fiscal_year"`
	Quarter     int    `json:"quarter,omitempty"`
	Title       string `json:"title,omitempty"`
	RawText     string `json:"raw_text"`
}

func (r ingestRequest) document() corpus.Document {
	return corpus.Document{
		SourceTable: r.SourceTable,
		SourceID:    r.SourceID,
		Symbol:      strings.ToUpper(r.Symbol),
		FiscalYear:  r.FiscalYear,
		Quarter:     r.Quarter,
		Title:       r.Title,
	}
}

func (r ingestRequest) validate() error {
	switch {
	case r.SourceTable == "":
		return fmt.Errorf("source_table is required")
	case r.SourceID == "":
		return fmt.Errorf("source_id is required")
	case r.Symbol == "":
		return fmt.Errorf("symbol is required")
	case r.FiscalYear < 1900 || r.FiscalYear > 2200:
		return fmt.Errorf("fiscal_year %d out of range", r.FiscalYear)
	case r.Quarter < 0 || r.Quarter > 4:
		return fmt.Errorf("quarter %d out of range", r.Quarter)
	}
	return nil
}

// handleIngest accepts pre-extracted raw text.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.RawText) == "" {
		jsonError(w, "raw_text is required", http.StatusBadRequest)
		return
	}

	job := pipeline.NewRawTextJob(req.document(), req.RawText)
	s.submitJob(w, job)
}

// handleIngestFile accepts a multipart file upload that goes through
// internal/parser before chunking.
func (s *Server) handleIngestFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024*1024) // extra 1MB for form overhead

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := ingestRequest{
		SourceTable: r.FormValue("source_table"),
		SourceID:    r.FormValue("source_id"),
		Symbol:      r.FormValue("symbol"),
		Title:       r.FormValue("title"),
	}
	req.FiscalYear, _ = strconv.Atoi(r.FormValue("fiscal_year"))
	req.Quarter, _ = strconv.Atoi(r.FormValue("quarter"))
	if err := req.validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	if !parser.IsSupportedExtension(filename) {
		jsonError(w, fmt.Sprintf("unsupported file type: %s", filepath.Ext(filename)), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		jsonError(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		jsonError(w, fmt.Sprintf("file exceeds max size (%d bytes)", s.cfg.MaxUploadBytes), http.StatusRequestEntityTooLarge)
		return
	}

	job := pipeline.NewFileJob(req.document(), filename, data)
	s.submitJob(w, job)
}

func (s *Server) submitJob(w http.ResponseWriter, job *pipeline.Job) {
	if err := s.orchestrator.Submit(job); err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"job_id":   job.ID,
		"document": job.Document.Key(),
		"status":   job.Status,
		"poll_url": fmt.Sprintf("/api/ingest/%s/status", job.ID),
	})
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job := s.orchestrator.GetJob(jobID)
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job.Snapshot())
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func sanitizeFilename(name string) string {
	// Strip path components, keep only the base name.
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." {
		name = "unnamed"
	}
	return name
}
