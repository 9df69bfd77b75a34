package web

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mhorvath/bulkpg/internal/importer"
	"github.com/mhorvath/bulkpg/internal/reader"
)

// handleImport accepts a multipart file upload and runs it through the
// import engine.
//
// POST /api/import/{table}
// Headers: X-Auth-Email (required), stamped onto every written row.
// Form field: file, a CSV or JSON upload.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	table := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "table")))

	authEmail := strings.TrimSpace(r.Header.Get("X-Auth-Email"))
	if authEmail == "" {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "X-Auth-Email header is required",
			Code:  "AUTH_EMAIL_MISSING",
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize)
	if err := r.ParseMultipartForm(s.cfg.Import.MaxFileSize); err != nil {
		respondJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
			Error: "upload exceeds the size limit or is not multipart form data",
			Code:  "UPLOAD_TOO_LARGE",
		})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: `multipart field "file" is required`,
			Code:  "FILE_MISSING",
		})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, r, err)
		return
	}

	records, err := reader.Parse(header.Filename, data)
	if err != nil {
		respondError(w, r, err)
		return
	}

	result, err := s.engine.ImportRecords(r.Context(), records, importer.TableRef{
		Table:     table,
		AuthEmail: authEmail,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleImportLog returns recent import results, newest first.
//
// GET /api/import/log?limit=N
func (s *Server) handleImportLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: "limit must be a non-negative integer",
				Code:  "BAD_LIMIT",
			})
			return
		}
		limit = n
	}

	entries := s.engine.RecentImports(limit)
	respondJSON(w, http.StatusOK, map[string]any{
		"imports": entries,
		"count":   len(entries),
	})
}

// handlePoolStatus reports the connection pool snapshot.
//
// GET /api/database/pool-status
func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	status := s.engine.PoolStatus()
	respondJSON(w, http.StatusOK, map[string]any{
		"pool":           status,
		"active_imports": s.engine.ActiveImports(),
	})
}

// handleTestConnection runs a database round trip.
//
// GET /api/test/connection
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if !s.engine.TestConnection(r.Context()) {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"database_connection": "failed",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"database_connection": "ok",
	})
}

// handleHealthz is the orchestrator liveness probe. It reports process
// health only; database reachability has its own endpoint.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
