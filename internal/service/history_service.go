package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/store"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

type HistoryQuery struct {
	Ranges       []store.PropertyRange
	MaterialCode string
	Supplier     string
	HasFeedback  bool
	// SortKey is createdAt, updatedAt or a property name. Empty means createdAt.
	SortKey string
	// SortOrder is asc or desc. Empty means desc.
	SortOrder string
	Offset    int
	// Limit of zero means DefaultHistoryLimit.
	Limit int
}

type HistoryPage struct {
	Total   int                      `json:"total"`
	Offset  int                      `json:"offset"`
	Limit   int                      `json:"limit"`
	Samples []*domain.MaterialSample `json:"samples"`
}

// HistoryService answers read-only history queries. Equal inputs always give
// the same sequence.
type HistoryService struct {
	samples sampleRepository
}

func NewHistoryService(samples sampleRepository) *HistoryService {
	return &HistoryService{samples: samples}
}

func (s *HistoryService) Query(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	sort, page, err := q.normalise()
	if err != nil {
		return nil, err
	}

	samples, total, err := s.samples.List(ctx, store.Filter{
		Ranges:       q.Ranges,
		MaterialCode: q.MaterialCode,
		Supplier:     q.Supplier,
		HasFeedback:  q.HasFeedback,
	}, sort, page)
	if err != nil {
		return nil, err
	}
	if samples == nil {
		samples = []*domain.MaterialSample{}
	}

	return &HistoryPage{Total: total, Offset: page.Offset, Limit: page.Limit, Samples: samples}, nil
}

func (q HistoryQuery) normalise() (store.Sort, store.Page, error) {
	var sort store.Sort

	key := strings.TrimSpace(q.SortKey)
	if key == "" {
		key = string(store.SortCreatedAt)
	}
	sortKey, err := store.ParseSortKey(key)
	if err != nil {
		return sort, store.Page{}, err
	}
	sort.Key = sortKey

	switch strings.ToLower(strings.TrimSpace(q.SortOrder)) {
	case "", OrderDesc:
		sort.Desc = true
	case OrderAsc:
	default:
		return sort, store.Page{}, &domain.ValidationError{Field: "order", Reason: fmt.Sprintf("must be %s or %s", OrderAsc, OrderDesc)}
	}

	if q.Offset < 0 {
		return sort, store.Page{}, &domain.ValidationError{Field: "offset", Reason: "must not be negative"}
	}
	limit := q.Limit
	switch {
	case limit == 0:
		limit = DefaultHistoryLimit
	case limit < 0 || limit > MaxHistoryLimit:
		return sort, store.Page{}, &domain.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", MaxHistoryLimit)}
	}

	return sort, store.Page{Offset: q.Offset, Limit: limit}, nil
}
