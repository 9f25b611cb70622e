package web

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
)

const maxImportSize = 64 * 1024 * 1024

// handleExportJSON exports the samples named by repeated id parameters, or
// every sample when none is given.
func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range r.URL.Query()["id"] {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	var (
		data []byte
		err  error
	)
	if len(ids) == 0 {
		data, err = s.svc.Export.ExportAllJSON(r.Context())
	} else {
		data, err = s.svc.Export.ExportJSON(r.Context(), ids)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeDownload(w, "application/json; charset=utf-8", "material_samples.json", data)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.Export.ExportCSV(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDownload(w, "text/csv; charset=utf-8", "material_samples.csv", data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if !errors.As(err, &tooLarge) {
			err = &domain.ValidationError{Field: "body", Reason: err.Error()}
		}
		s.writeError(w, r, err)
		return
	}

	n, err := s.svc.Export.ImportJSON(r.Context(), data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (s *Server) writeDownload(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write export failed", "filename", filename, "error", err)
	}
}
