package store

import (
	"fmt"
	"strings"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
)

// PropertyRange matches samples whose estimated value for Property lies in
// [Min, Max]. A nil bound is open.
type PropertyRange struct {
	Property domain.Property
	Min      *float64
	Max      *float64
}

type Filter struct {
	Ranges       []PropertyRange
	MaterialCode string
	Supplier     string
	HasFeedback  bool
}

// SortKey is a timestamp key or any property name.
type SortKey string

const (
	SortCreatedAt SortKey = "createdAt"
	SortUpdatedAt SortKey = "updatedAt"
)

// ParseSortKey accepts the timestamp keys and the closed property set.
func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(s); k {
	case SortCreatedAt, SortUpdatedAt:
		return k, nil
	}
	if domain.Property(s).Valid() {
		return SortKey(s), nil
	}
	return "", &domain.ValidationError{Field: "sort", Reason: fmt.Sprintf("unknown sort key %q", s)}
}

type Sort struct {
	Key  SortKey
	Desc bool
}

// Page selects a window of results. A zero Limit means unbounded.
type Page struct {
	Offset int
	Limit  int
}

// propertyExpr returns the SQL expression for a property's estimated value.
// p must already be validated against the closed set.
func propertyExpr(p domain.Property) string {
	return fmt.Sprintf(`json_extract(properties, '$."%s".value')`, p)
}

func (f Filter) where() (string, []any, error) {
	var (
		clauses []string
		args    []any
	)

	for _, r := range f.Ranges {
		if !r.Property.Valid() {
			return "", nil, &domain.ValidationError{Field: "filter", Reason: fmt.Sprintf("unknown property %q", r.Property)}
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return "", nil, &domain.ValidationError{Field: "filter", Reason: fmt.Sprintf("min greater than max for %q", r.Property)}
		}
		expr := propertyExpr(r.Property)
		if r.Min != nil {
			clauses = append(clauses, expr+` >= ?`)
			args = append(args, *r.Min)
		}
		if r.Max != nil {
			clauses = append(clauses, expr+` <= ?`)
			args = append(args, *r.Max)
		}
	}

	if code := strings.TrimSpace(f.MaterialCode); code != "" {
		clauses = append(clauses, `material_code_fold LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(code))
	}
	if supplier := strings.TrimSpace(f.Supplier); supplier != "" {
		clauses = append(clauses, `supplier_fold LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(supplier))
	}
	if f.HasFeedback {
		clauses = append(clauses, `(expert_feedback IS NOT NULL OR review IS NOT NULL)`)
	}

	if len(clauses) == 0 {
		return "", nil, nil
	}
	return ` WHERE ` + strings.Join(clauses, ` AND `), args, nil
}

// orderBy breaks ties by id in the same direction, so reversing the order
// reverses the sequence exactly.
func (s Sort) orderBy() (string, error) {
	var expr string
	switch s.Key {
	case "", SortCreatedAt:
		expr = "created_at"
	case SortUpdatedAt:
		expr = "updated_at"
	default:
		p := domain.Property(s.Key)
		if !p.Valid() {
			return "", &domain.ValidationError{Field: "sort", Reason: fmt.Sprintf("unknown sort key %q", s.Key)}
		}
		expr = propertyExpr(p)
	}

	dir := "ASC"
	if s.Desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, id %s", expr, dir, dir), nil
}

// foldText is the case folding applied to stored search columns and to
// search terms alike.
func foldText(s string) string {
	return strings.ToLower(s)
}

// likePattern builds a case-insensitive substring pattern over a folded
// column, with LIKE metacharacters escaped.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(foldText(s)) + "%"
}
