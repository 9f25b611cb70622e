package web

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/service"
	"github.com/tacchinimd-dot/metarial-ai/internal/vision"
)

const (
	maxPhotoSize = 20 * 1024 * 1024 // 20 MB per view
	maxFieldLen  = 200
)

var maxUploadSize = int64(len(domain.RequiredViews))*maxPhotoSize + 1024*1024

// allowedImageTypes is the set of MIME types accepted for uploaded photos.
// net/http.DetectContentType handles JPEG, PNG, and GIF via magic-byte
// sniffing. WebP is detected separately since the stdlib sniffer has no WebP
// signature.
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// isWebP reports whether data is a WebP image (RIFF container with "WEBP" at
// offset 8).
func isWebP(data []byte) bool {
	return len(data) >= 12 &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WEBP"
}

// allowedImageMIME returns the detected MIME type and true if the data is an
// accepted image format, or ("", false) otherwise.
func allowedImageMIME(data []byte) (string, bool) {
	if isWebP(data) {
		return "image/webp", true
	}
	mime := http.DetectContentType(data)
	if allowedImageTypes[mime] {
		return mime, true
	}
	return "", false
}

// handleCreateSample accepts one multipart file per required view plus the
// material identification fields, and runs the analysis on the request
// goroutine.
func (s *Server) handleCreateSample(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if !errors.As(err, &tooLarge) {
			err = &domain.ValidationError{Field: "form", Reason: err.Error()}
		}
		s.writeError(w, r, err)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			s.logger.Warn("failed to remove multipart temp files", "error", err)
		}
	}()

	material, err := materialFromForm(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	images := make([]vision.LabeledImage, 0, len(domain.RequiredViews))
	for _, view := range domain.RequiredViews {
		img, err := s.readView(r, view)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		images = append(images, img)
	}

	sample, err := s.svc.Samples.Analyze(r.Context(), service.AnalyzeInput{Material: material, Images: images})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/samples/"+sample.ID)
	s.writeJSON(w, http.StatusCreated, sample)
}

func materialFromForm(r *http.Request) (domain.Material, error) {
	m := domain.Material{
		Code:     strings.TrimSpace(r.FormValue("material_code")),
		Name:     strings.TrimSpace(r.FormValue("material_name")),
		Supplier: strings.TrimSpace(r.FormValue("supplier")),
	}
	fields := []struct{ name, value string }{
		{"material_code", m.Code},
		{"material_name", m.Name},
		{"supplier", m.Supplier},
	}
	for _, f := range fields {
		if len(f.value) > maxFieldLen {
			return m, &domain.ValidationError{Field: f.name, Reason: fmt.Sprintf("longer than %d bytes", maxFieldLen)}
		}
	}
	return m, nil
}

func (s *Server) readView(r *http.Request, view domain.View) (vision.LabeledImage, error) {
	file, _, err := r.FormFile(string(view))
	if err != nil {
		return vision.LabeledImage{}, &domain.ValidationError{Field: string(view), Reason: "image file required"}
	}
	defer closeWithLog(file, "upload file", s.logger)

	data, err := io.ReadAll(io.LimitReader(file, maxPhotoSize+1))
	if err != nil {
		return vision.LabeledImage{}, fmt.Errorf("failed to read %s upload: %w", view, err)
	}
	if len(data) > maxPhotoSize {
		return vision.LabeledImage{}, &domain.ValidationError{Field: string(view), Reason: "image too large"}
	}

	mimeType, ok := allowedImageMIME(data)
	if !ok {
		return vision.LabeledImage{}, &domain.ValidationError{Field: string(view), Reason: "unsupported image format"}
	}
	return vision.LabeledImage{View: view, MimeType: mimeType, Data: data}, nil
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view := domain.View(r.PathValue("view"))

	reader, mimeType, err := s.svc.Samples.OpenImage(r.Context(), id, view)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer closeWithLog(reader, "photo reader", s.logger)

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Error("write photo failed", "sample_id", id, "view", view, "error", err)
	}
}

// closeWithLog closes c and logs any error, using label to identify the resource.
func closeWithLog(c io.Closer, label string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close resource", "label", label, "error", err)
	}
}
