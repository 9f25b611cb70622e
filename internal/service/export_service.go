package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/store"
)

// utf8BOM lets spreadsheet applications detect the CSV encoding.
const utf8BOM = "\ufeff"

// ExportService serialises samples to the portable JSON document and reads
// such documents back.
type ExportService struct {
	samples  sampleRepository
	recorder Recorder
	logger   *slog.Logger
}

func NewExportService(samples sampleRepository, recorder Recorder, logger *slog.Logger) *ExportService {
	return &ExportService{samples: samples, recorder: recorderOrNop(recorder), logger: logger}
}

// ExportJSON serialises the requested samples in request order. Repeated ids
// are exported once. Any unknown id fails the whole export.
func (s *ExportService) ExportJSON(ctx context.Context, ids []string) ([]byte, error) {
	if len(ids) == 0 {
		return nil, &domain.ValidationError{Field: "ids", Reason: "at least one id is required"}
	}

	seen := make(map[string]bool, len(ids))
	samples := make([]*domain.MaterialSample, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if seen[id] {
			continue
		}
		seen[id] = true

		sample, err := s.samples.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}

	s.recorder.Exported("json")
	return EncodeJSON(samples)
}

// ExportAllJSON serialises every sample, newest first.
func (s *ExportService) ExportAllJSON(ctx context.Context) ([]byte, error) {
	samples, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	s.recorder.Exported("json")
	return EncodeJSON(samples)
}

// ImportJSON inserts every sample of an exported document, keeping ids and
// timestamps. The document is checked in full before anything is written, and
// the samples are written in a single transaction.
func (s *ExportService) ImportJSON(ctx context.Context, data []byte) (int, error) {
	samples, err := DecodeJSON(data)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool, len(samples))
	for i, sample := range samples {
		if sample == nil {
			return 0, &domain.ValidationError{Field: "import", Reason: fmt.Sprintf("record %d is null", i)}
		}
		if seen[sample.ID] {
			return 0, &domain.ValidationError{Field: "import", Reason: fmt.Sprintf("duplicate id %s", sample.ID)}
		}
		seen[sample.ID] = true

		if err := validateImported(sample); err != nil {
			return 0, err
		}
		_, err := s.samples.GetByID(ctx, sample.ID)
		if err == nil {
			return 0, &domain.ValidationError{Field: "import", Reason: fmt.Sprintf("sample %s already exists", sample.ID)}
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return 0, err
		}
	}

	if err := s.samples.InsertAll(ctx, samples); err != nil {
		return 0, fmt.Errorf("failed to import samples: %w", err)
	}

	s.logger.Info("samples imported", "count", len(samples))
	return len(samples), nil
}

// csvHeader lists the scorer's estimates, then the review, then the effective
// values, which take an expert correction over the estimate when one exists.
var csvHeader = []string{
	"id", "material_code", "material_name", "supplier", "created_at",
	"density", "gloss", "roughness", "weight", "thickness", "hand_feel",
	"quality_grade", "has_feedback",
	"density_effective", "gloss_effective", "roughness_effective",
	"weight_effective", "thickness_effective", "hand_feel_effective",
}

// ExportCSV renders every sample as one CSV row, newest first, with a UTF-8
// byte order mark.
func (s *ExportService) ExportCSV(ctx context.Context) ([]byte, error) {
	samples, err := s.all(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(utf8BOM)
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, sample := range samples {
		row := []string{
			sample.ID,
			sample.Material.Code,
			sample.Material.Name,
			sample.Material.Supplier,
			sample.CreatedAt.UTC().Format(time.RFC3339),
		}
		for _, p := range domain.Properties {
			row = append(row, strconv.FormatFloat(sample.Properties[p].Value, 'f', -1, 64))
		}
		grade := ""
		if sample.Review != nil {
			grade = sample.Review.QualityGrade
		}
		row = append(row, grade, strconv.FormatBool(sample.HasFeedback()))
		for _, p := range domain.Properties {
			v, _ := sample.EffectiveValue(p)
			row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
		}

		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}

	s.recorder.Exported("csv")
	return buf.Bytes(), nil
}

func (s *ExportService) all(ctx context.Context) ([]*domain.MaterialSample, error) {
	samples, _, err := s.samples.List(ctx, store.Filter{}, store.Sort{Key: store.SortCreatedAt, Desc: true}, store.Page{})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// EncodeJSON writes samples as an indented JSON array. Keys are emitted in a
// fixed order, so decoding and re-encoding yields identical bytes.
func EncodeJSON(samples []*domain.MaterialSample) ([]byte, error) {
	if samples == nil {
		samples = []*domain.MaterialSample{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(samples); err != nil {
		return nil, fmt.Errorf("failed to encode samples: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeJSON reads a document produced by EncodeJSON.
func DecodeJSON(data []byte) ([]*domain.MaterialSample, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var samples []*domain.MaterialSample
	if err := dec.Decode(&samples); err != nil {
		return nil, &domain.ValidationError{Field: "import", Reason: err.Error()}
	}
	if samples == nil {
		return nil, &domain.ValidationError{Field: "import", Reason: "expected a JSON array"}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &domain.ValidationError{Field: "import", Reason: "trailing data after JSON array"}
	}
	return samples, nil
}

func validateImported(sample *domain.MaterialSample) error {
	if strings.TrimSpace(sample.ID) == "" {
		return &domain.ValidationError{Field: "import", Reason: "record without id"}
	}
	if err := domain.ValidateImages(sample.Images); err != nil {
		return err
	}
	if err := domain.ValidateProperties(sample.Properties); err != nil {
		return err
	}
	if err := domain.ValidateCorrections(sample.ExpertFeedback); err != nil {
		return err
	}
	if sample.CreatedAt.IsZero() || sample.UpdatedAt.Before(sample.CreatedAt) {
		return &domain.ValidationError{Field: "import", Reason: fmt.Sprintf("sample %s has invalid timestamps", sample.ID)}
	}
	return nil
}
