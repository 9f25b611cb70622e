package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/service"
	"github.com/tacchinimd-dot/metarial-ai/internal/store"
)

const maxFeedbackSize = 1024 * 1024

func (s *Server) handleGetSample(w http.ResponseWriter, r *http.Request) {
	sample, err := s.svc.Samples.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleListSamples(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.svc.History.Query(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var in service.FeedbackInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFeedbackSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if !errors.As(err, &tooLarge) {
			err = &domain.ValidationError{Field: "body", Reason: err.Error()}
		}
		s.writeError(w, r, err)
		return
	}

	sample, err := s.svc.Feedback.SubmitFeedback(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sample)
}

// parseHistoryQuery reads list parameters. Property ranges are given either as
// repeated range=property:min:max values, where either bound may be empty, or
// as a single property/min/max triple.
func parseHistoryQuery(v url.Values) (service.HistoryQuery, error) {
	q := service.HistoryQuery{
		MaterialCode: v.Get("code"),
		Supplier:     v.Get("supplier"),
		SortKey:      v.Get("sort"),
		SortOrder:    v.Get("order"),
	}

	var err error
	if raw := v.Get("feedback"); raw != "" {
		if q.HasFeedback, err = strconv.ParseBool(raw); err != nil {
			return q, &domain.ValidationError{Field: "feedback", Reason: "must be a boolean"}
		}
	}
	if q.Offset, err = intParam(v, "offset"); err != nil {
		return q, err
	}
	if q.Limit, err = intParam(v, "limit"); err != nil {
		return q, err
	}

	for _, raw := range v["range"] {
		parts := strings.Split(raw, ":")
		if len(parts) != 3 {
			return q, &domain.ValidationError{Field: "range", Reason: fmt.Sprintf("%q is not property:min:max", raw)}
		}
		r, err := propertyRange(parts[0], parts[1], parts[2])
		if err != nil {
			return q, err
		}
		q.Ranges = append(q.Ranges, r)
	}
	if p := v.Get("property"); p != "" {
		r, err := propertyRange(p, v.Get("min"), v.Get("max"))
		if err != nil {
			return q, err
		}
		q.Ranges = append(q.Ranges, r)
	}
	return q, nil
}

func intParam(v url.Values, name string) (int, error) {
	raw := v.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &domain.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return n, nil
}

func propertyRange(property, lo, hi string) (store.PropertyRange, error) {
	r := store.PropertyRange{Property: domain.Property(strings.TrimSpace(property))}
	var err error
	if r.Min, err = bound(lo); err != nil {
		return r, err
	}
	if r.Max, err = bound(hi); err != nil {
		return r, err
	}
	return r, nil
}

func bound(raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &domain.ValidationError{Field: "range", Reason: fmt.Sprintf("%q is not a number", raw)}
	}
	return &f, nil
}
