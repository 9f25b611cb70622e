package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// View names one of the five required photographs of a sample.
type View string

const (
	ViewFront   View = "front"
	ViewSide    View = "side"
	ViewCloseUp View = "close-up"
	ViewDrape   View = "drape"
	ViewBack    View = "back"
)

// RequiredViews lists the views in canonical order.
var RequiredViews = []View{ViewFront, ViewSide, ViewCloseUp, ViewDrape, ViewBack}

func (v View) Valid() bool {
	for _, rv := range RequiredViews {
		if v == rv {
			return true
		}
	}
	return false
}

// Property names one of the fixed measured material characteristics.
type Property string

const (
	PropertyDensity   Property = "density"
	PropertyGloss     Property = "gloss"
	PropertyRoughness Property = "roughness"
	PropertyWeight    Property = "weight"
	PropertyThickness Property = "thickness"
	PropertyHandFeel  Property = "hand-feel"
)

// Properties is the closed property set in display order.
var Properties = []Property{
	PropertyDensity,
	PropertyGloss,
	PropertyRoughness,
	PropertyWeight,
	PropertyThickness,
	PropertyHandFeel,
}

// DefaultUnits is used when a scorer does not report a unit.
var DefaultUnits = map[Property]string{
	PropertyDensity:   "ends/in",
	PropertyGloss:     "GU",
	PropertyRoughness: "um",
	PropertyWeight:    "g/m2",
	PropertyThickness: "mm",
	PropertyHandFeel:  "score",
}

func (p Property) Valid() bool {
	_, ok := DefaultUnits[p]
	return ok
}

type Material struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Supplier string `json:"supplier"`
}

type ImageRef struct {
	View     View   `json:"view"`
	Handle   string `json:"handle"`
	MimeType string `json:"mimeType"`
}

type Estimate struct {
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	Confidence float64 `json:"confidence"`
}

// Correction is an expert's revision of one property. Either field may be empty
// but not both.
type Correction struct {
	Value   *float64 `json:"value,omitempty"`
	Comment string   `json:"comment,omitempty"`
}

type Review struct {
	QualityGrade     string `json:"qualityGrade,omitempty"`
	RecommendedUse   string `json:"recommendedUse,omitempty"`
	SalesPerformance string `json:"salesPerformance,omitempty"`
	Notes            string `json:"notes,omitempty"`
	Reviewer         string `json:"reviewer,omitempty"`
}

func (r *Review) IsZero() bool {
	return r == nil || *r == Review{}
}

// MaterialSample is one analysis session. Field order is the export order.
type MaterialSample struct {
	ID              string                      `json:"id"`
	Material        Material                    `json:"material"`
	Images          []ImageRef                  `json:"images"`
	Properties      map[Property]Estimate       `json:"properties"`
	AnalysisMethod  string                      `json:"analysisMethod"`
	AnalysisDetails map[View]map[string]float64 `json:"analysisDetails,omitempty"`
	ExpertFeedback  map[Property]Correction     `json:"expertFeedback"`
	Review          *Review                     `json:"review"`
	CreatedAt       time.Time                   `json:"createdAt"`
	UpdatedAt       time.Time                   `json:"updatedAt"`
}

// HasFeedback reports whether an expert has reviewed the sample.
func (s *MaterialSample) HasFeedback() bool {
	return len(s.ExpertFeedback) > 0 || !s.Review.IsZero()
}

// EffectiveValue returns the expert-corrected value for p when one exists,
// otherwise the scorer's estimate.
func (s *MaterialSample) EffectiveValue(p Property) (float64, bool) {
	if c, ok := s.ExpertFeedback[p]; ok && c.Value != nil {
		return *c.Value, true
	}
	e, ok := s.Properties[p]
	return e.Value, ok
}

// Image returns the reference stored for view.
func (s *MaterialSample) Image(view View) (ImageRef, bool) {
	for _, img := range s.Images {
		if img.View == view {
			return img, true
		}
	}
	return ImageRef{}, false
}

// ValidateImages checks that refs hold each required view exactly once.
func ValidateImages(refs []ImageRef) error {
	if len(refs) != len(RequiredViews) {
		return &ValidationError{Field: "images", Reason: fmt.Sprintf("expected %d images, got %d", len(RequiredViews), len(refs))}
	}
	seen := make(map[View]bool, len(refs))
	for _, r := range refs {
		if !r.View.Valid() {
			return &ValidationError{Field: "images", Reason: fmt.Sprintf("unknown view %q", r.View)}
		}
		if seen[r.View] {
			return &ValidationError{Field: "images", Reason: fmt.Sprintf("duplicate view %q", r.View)}
		}
		if r.Handle == "" {
			return &ValidationError{Field: "images", Reason: fmt.Sprintf("missing handle for view %q", r.View)}
		}
		seen[r.View] = true
	}
	return nil
}

// ValidateProperties checks that props cover exactly the closed property set.
func ValidateProperties(props map[Property]Estimate) error {
	for p, e := range props {
		if !p.Valid() {
			return &ValidationError{Field: "properties", Reason: fmt.Sprintf("unknown property %q", p)}
		}
		if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
			return &ValidationError{Field: "properties", Reason: fmt.Sprintf("non-finite value for %q", p)}
		}
	}
	for _, p := range Properties {
		if _, ok := props[p]; !ok {
			return &ValidationError{Field: "properties", Reason: fmt.Sprintf("missing property %q", p)}
		}
	}
	return nil
}

// ValidateCorrections checks expert corrections against the closed property
// set. Each correction needs a value, a comment or both; values must be finite
// and non-negative.
func ValidateCorrections(corrections map[Property]Correction) error {
	for p, c := range corrections {
		if !p.Valid() {
			return &ValidationError{Field: "expertFeedback", Reason: fmt.Sprintf("unknown property %q", p)}
		}
		if c.Value == nil && strings.TrimSpace(c.Comment) == "" {
			return &ValidationError{Field: "expertFeedback", Reason: fmt.Sprintf("empty correction for %q", p)}
		}
		if c.Value != nil {
			v := *c.Value
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return &ValidationError{Field: "expertFeedback", Reason: fmt.Sprintf("invalid value for %q", p)}
			}
		}
	}
	return nil
}

// SortImages returns refs reordered to the canonical view order.
func SortImages(refs []ImageRef) []ImageRef {
	out := make([]ImageRef, 0, len(refs))
	for _, v := range RequiredViews {
		for _, r := range refs {
			if r.View == v {
				out = append(out, r)
			}
		}
	}
	return out
}
