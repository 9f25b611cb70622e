package vision

import (
	"context"
	"fmt"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
)

// ScoringPrompt is the shared prompt used by the language-model scorers. The
// images are attached in canonical view order before it.
const ScoringPrompt = `You are a textile analyst. The five photographs above show one fabric sample,
in this order: front, side, close-up, drape, back.
Estimate the following material properties from the photographs:
- density (threads per inch, unit "ends/in")
- gloss (gloss units, unit "GU")
- roughness (surface roughness Ra, unit "um")
- weight (fabric weight, unit "g/m2")
- thickness (unit "mm")
- hand-feel (softness score from 0 to 10, unit "score")
Respond with a single JSON object and nothing else, keyed by property name, where each
value is an object {"value": number, "unit": string, "confidence": number between 0 and 1}.`

// LabeledImage is the raw content of one view photograph.
type LabeledImage struct {
	View     domain.View
	MimeType string
	Data     []byte
}

// Scorer estimates material properties from the five view photographs of a
// sample. Implementations return *domain.AnalysisError on failure and never
// fill in missing properties themselves.
type Scorer interface {
	Score(ctx context.Context, images []LabeledImage) (*ScoreResult, error)
}

// Named is implemented by scorers that can identify the backend and model
// producing their estimates.
type Named interface {
	Name() string
}

// NameOf returns s's name, or fallback when s does not report one.
func NameOf(s Scorer, fallback string) string {
	if n, ok := s.(Named); ok {
		if name := n.Name(); name != "" {
			return name
		}
	}
	return fallback
}

type ScoreResult struct {
	Properties map[domain.Property]domain.Estimate
	// Details holds per-view diagnostic features, when the backend has any.
	Details map[domain.View]map[string]float64
	Method  string
}

// CheckImages verifies that images hold each required view once with content.
func CheckImages(images []LabeledImage) error {
	refs := make([]domain.ImageRef, 0, len(images))
	for _, img := range images {
		if len(img.Data) == 0 {
			return &domain.ValidationError{Field: "images", Reason: fmt.Sprintf("empty image for view %q", img.View)}
		}
		refs = append(refs, domain.ImageRef{View: img.View, Handle: string(img.View), MimeType: img.MimeType})
	}
	return domain.ValidateImages(refs)
}

// Ordered returns images in canonical view order.
func Ordered(images []LabeledImage) []LabeledImage {
	out := make([]LabeledImage, 0, len(images))
	for _, v := range domain.RequiredViews {
		for _, img := range images {
			if img.View == v {
				out = append(out, img)
			}
		}
	}
	return out
}

// NormaliseMIME maps image types to the set the hosted vision APIs accept.
// Unknown types are treated as jpeg.
func NormaliseMIME(mimeType string) string {
	switch mimeType {
	case "image/png", "image/gif", "image/webp":
		return mimeType
	default:
		return "image/jpeg"
	}
}
