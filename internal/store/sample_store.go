package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
)

// timeLayout is fixed width so that lexical order of the stored text matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const sampleColumns = `id, material_code, material_name, supplier, images, properties,
	analysis_method, analysis_details, expert_feedback, review, created_at, updated_at`

// NewSample is the input for Create.
type NewSample struct {
	Material       domain.Material
	Images         []domain.ImageRef
	Properties     map[domain.Property]domain.Estimate
	AnalysisMethod string
	Details        map[domain.View]map[string]float64
}

// FeedbackUpdate is merged into a stored sample by UpdateFeedback.
type FeedbackUpdate struct {
	Corrections map[domain.Property]domain.Correction
	Review      *domain.Review
}

type SampleStore struct {
	db    *sql.DB
	locks *keyedMutex
	now   func() time.Time
}

func NewSampleStore(db *sql.DB) *SampleStore {
	return &SampleStore{
		db:    db,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

func (s *SampleStore) Create(ctx context.Context, in NewSample) (*domain.MaterialSample, error) {
	if err := domain.ValidateImages(in.Images); err != nil {
		return nil, err
	}
	if err := domain.ValidateProperties(in.Properties); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sample := &domain.MaterialSample{
		ID: uuid.NewString(),
		Material: domain.Material{
			Code:     strings.TrimSpace(in.Material.Code),
			Name:     strings.TrimSpace(in.Material.Name),
			Supplier: strings.TrimSpace(in.Material.Supplier),
		},
		Images:          domain.SortImages(in.Images),
		Properties:      in.Properties,
		AnalysisMethod:  in.AnalysisMethod,
		AnalysisDetails: in.Details,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := insert(ctx, s.db, sample); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, sample.ID)
}

// Insert stores a fully formed sample, keeping its id and timestamps. An
// existing id is rejected.
func (s *SampleStore) Insert(ctx context.Context, sample *domain.MaterialSample) error {
	return s.InsertAll(ctx, []*domain.MaterialSample{sample})
}

// InsertAll is the import path: every sample is validated, then all are
// written in one transaction, so a failure leaves the store unchanged.
func (s *SampleStore) InsertAll(ctx context.Context, samples []*domain.MaterialSample) error {
	prepared := make([]*domain.MaterialSample, 0, len(samples))
	for _, sample := range samples {
		cp, err := prepareImport(sample)
		if err != nil {
			return err
		}
		prepared = append(prepared, cp)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to roll back import", "error", err)
		}
	}()

	for _, sample := range prepared {
		if err := insert(ctx, tx, sample); err != nil {
			return fmt.Errorf("sample %s: %w", sample.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit import: %w", err)
	}
	return nil
}

func prepareImport(sample *domain.MaterialSample) (*domain.MaterialSample, error) {
	if sample == nil {
		return nil, &domain.ValidationError{Field: "sample", Reason: "must not be null"}
	}
	if strings.TrimSpace(sample.ID) == "" {
		return nil, &domain.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if err := domain.ValidateImages(sample.Images); err != nil {
		return nil, err
	}
	if err := domain.ValidateProperties(sample.Properties); err != nil {
		return nil, err
	}
	if err := domain.ValidateCorrections(sample.ExpertFeedback); err != nil {
		return nil, err
	}
	if sample.CreatedAt.IsZero() || sample.UpdatedAt.Before(sample.CreatedAt) {
		return nil, &domain.ValidationError{Field: "updatedAt", Reason: "must not precede createdAt"}
	}

	cp := *sample
	cp.Images = domain.SortImages(sample.Images)
	cp.CreatedAt = sample.CreatedAt.UTC()
	cp.UpdatedAt = sample.UpdatedAt.UTC()
	return &cp, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insert writes sample along with the folded copies of its searchable text.
func insert(ctx context.Context, db execer, sample *domain.MaterialSample) error {
	cols, err := encodeColumns(sample)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO samples (`+sampleColumns+`, material_code_fold, supplier_fold)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, sample.ID, sample.Material.Code, sample.Material.Name, sample.Material.Supplier,
		cols.images, cols.properties, sample.AnalysisMethod, cols.details, cols.feedback, cols.review,
		sample.CreatedAt.Format(timeLayout), sample.UpdatedAt.Format(timeLayout),
		foldText(sample.Material.Code), foldText(sample.Material.Supplier))
	if err != nil {
		return fmt.Errorf("failed to create sample: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ValidationError{Field: "id", Reason: fmt.Sprintf("sample %s already exists", sample.ID)}
	}
	return nil
}

func (s *SampleStore) GetByID(ctx context.Context, id string) (*domain.MaterialSample, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM samples WHERE id = ?`, id)
	sample, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sample: %w", err)
	}
	return sample, nil
}

// UpdateFeedback merges update into the stored sample. Corrections are merged
// per property; a non-nil review replaces the stored one. UpdatedAt always
// moves strictly forward. Updates to the same id are serialised.
func (s *SampleStore) UpdateFeedback(ctx context.Context, id string, update FeedbackUpdate) (*domain.MaterialSample, error) {
	if err := domain.ValidateCorrections(update.Corrections); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to roll back feedback update", "sample_id", id, "error", err)
		}
	}()

	sample, err := scanSample(tx.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM samples WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sample: %w", err)
	}

	if len(update.Corrections) > 0 && sample.ExpertFeedback == nil {
		sample.ExpertFeedback = make(map[domain.Property]domain.Correction, len(update.Corrections))
	}
	for p, c := range update.Corrections {
		sample.ExpertFeedback[p] = c
	}
	if !update.Review.IsZero() {
		r := *update.Review
		sample.Review = &r
	}

	updated := s.now().UTC().Round(0)
	if !updated.After(sample.UpdatedAt) {
		updated = sample.UpdatedAt.Add(time.Nanosecond)
	}
	sample.UpdatedAt = updated

	cols, err := encodeColumns(sample)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE samples SET expert_feedback = ?, review = ?, updated_at = ? WHERE id = ?
	`, cols.feedback, cols.review, updated.Format(timeLayout), id); err != nil {
		return nil, fmt.Errorf("failed to update sample: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit feedback: %w", err)
	}
	return sample, nil
}

// List returns one page of samples matching filter in the requested order,
// together with the total number of matches.
func (s *SampleStore) List(ctx context.Context, filter Filter, sort Sort, page Page) ([]*domain.MaterialSample, int, error) {
	where, args, err := filter.where()
	if err != nil {
		return nil, 0, err
	}
	orderBy, err := sort.orderBy()
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count samples: %w", err)
	}

	query := `SELECT ` + sampleColumns + ` FROM samples` + where + orderBy
	if page.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, page.Limit, page.Offset)
	} else if page.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list samples: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	var samples []*domain.MaterialSample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, sample)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating samples: %w", err)
	}

	return samples, total, nil
}

type encodedColumns struct {
	images     string
	properties string
	details    sql.NullString
	feedback   sql.NullString
	review     sql.NullString
}

func encodeColumns(sample *domain.MaterialSample) (encodedColumns, error) {
	var cols encodedColumns

	images, err := json.Marshal(sample.Images)
	if err != nil {
		return cols, fmt.Errorf("failed to encode images: %w", err)
	}
	cols.images = string(images)

	props, err := json.Marshal(sample.Properties)
	if err != nil {
		return cols, fmt.Errorf("failed to encode properties: %w", err)
	}
	cols.properties = string(props)

	if len(sample.AnalysisDetails) > 0 {
		if cols.details, err = nullJSON(sample.AnalysisDetails); err != nil {
			return cols, fmt.Errorf("failed to encode analysis details: %w", err)
		}
	}
	if len(sample.ExpertFeedback) > 0 {
		if cols.feedback, err = nullJSON(sample.ExpertFeedback); err != nil {
			return cols, fmt.Errorf("failed to encode feedback: %w", err)
		}
	}
	if !sample.Review.IsZero() {
		if cols.review, err = nullJSON(sample.Review); err != nil {
			return cols, fmt.Errorf("failed to encode review: %w", err)
		}
	}
	return cols, nil
}

func nullJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (*domain.MaterialSample, error) {
	var (
		sample                    domain.MaterialSample
		images, props             string
		details, feedback, review sql.NullString
		createdAt, updatedAt      string
	)
	if err := row.Scan(&sample.ID, &sample.Material.Code, &sample.Material.Name, &sample.Material.Supplier,
		&images, &props, &sample.AnalysisMethod, &details, &feedback, &review, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(images), &sample.Images); err != nil {
		return nil, fmt.Errorf("decode images: %w", err)
	}
	if err := json.Unmarshal([]byte(props), &sample.Properties); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	if details.Valid {
		if err := json.Unmarshal([]byte(details.String), &sample.AnalysisDetails); err != nil {
			return nil, fmt.Errorf("decode analysis details: %w", err)
		}
	}
	if feedback.Valid {
		if err := json.Unmarshal([]byte(feedback.String), &sample.ExpertFeedback); err != nil {
			return nil, fmt.Errorf("decode feedback: %w", err)
		}
	}
	if review.Valid {
		sample.Review = &domain.Review{}
		if err := json.Unmarshal([]byte(review.String), sample.Review); err != nil {
			return nil, fmt.Errorf("decode review: %w", err)
		}
	}

	var err error
	if sample.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if sample.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return &sample, nil
}
