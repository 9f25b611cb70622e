package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
)

// ErrMalformedResponse is returned when a model reply cannot be read as a
// complete set of property estimates.
var ErrMalformedResponse = errors.New("malformed scoring response")

// ParseScores extracts property estimates from a model reply. The reply may
// wrap the JSON object in prose or a fenced code block. Every property must be
// present exactly once after key normalisation; a bare number is accepted in
// place of an estimate object.
func ParseScores(raw string) (map[domain.Property]domain.Estimate, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw[start:end+1]), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	props := make(map[domain.Property]domain.Estimate, len(domain.Properties))
	for key, msg := range fields {
		p := normaliseKey(key)
		if !p.Valid() {
			continue
		}
		if _, dup := props[p]; dup {
			return nil, fmt.Errorf("%w: property %q given more than once", ErrMalformedResponse, p)
		}
		est, err := parseEstimate(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: property %q: %v", ErrMalformedResponse, p, err)
		}
		if est.Unit == "" {
			est.Unit = domain.DefaultUnits[p]
		}
		props[p] = est
	}

	for _, p := range domain.Properties {
		if _, ok := props[p]; !ok {
			return nil, fmt.Errorf("%w: missing property %q", ErrMalformedResponse, p)
		}
	}
	return props, nil
}

func parseEstimate(msg json.RawMessage) (domain.Estimate, error) {
	var number float64
	if err := json.Unmarshal(msg, &number); err == nil {
		return checkEstimate(domain.Estimate{Value: number})
	}

	var obj struct {
		Value      *float64 `json:"value"`
		Unit       string   `json:"unit"`
		Confidence float64  `json:"confidence"`
	}
	if err := json.Unmarshal(msg, &obj); err != nil {
		return domain.Estimate{}, err
	}
	if obj.Value == nil {
		return domain.Estimate{}, errors.New("missing value")
	}
	return checkEstimate(domain.Estimate{
		Value:      *obj.Value,
		Unit:       strings.TrimSpace(obj.Unit),
		Confidence: obj.Confidence,
	})
}

func checkEstimate(e domain.Estimate) (domain.Estimate, error) {
	if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
		return e, errors.New("non-finite value")
	}
	e.Confidence = math.Max(0, math.Min(1, e.Confidence))
	return e, nil
}

// normaliseKey accepts the spellings models tend to use, such as "Hand_Feel".
func normaliseKey(key string) domain.Property {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.NewReplacer("_", "-", " ", "-").Replace(k)
	if k == "handfeel" {
		k = string(domain.PropertyHandFeel)
	}
	return domain.Property(k)
}
