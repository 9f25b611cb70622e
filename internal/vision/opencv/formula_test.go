package opencv

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
)

func TestEstimate(t *testing.T) {
	props, details := Estimate(Features{
		EdgeDensity:        0.05,  // 85 + 15
		BrightnessStd:      30,    // 20 + 24
		BrightnessMean:     155,   // 140 + 30 + 20
		TextureVar:         1000,  // 1.5 + 0.8
		ThicknessIndicator: 0.05,  // 0.3 + 0.15
		MicroRoughness:     4,     // +0.2
		DrapeLines:         50,    // 6.5 + 0.5 + 1.2
		DrapeBrightness:    120,
		BackStd:            12.5,
	})

	require.NoError(t, domain.ValidateProperties(props))
	assert.Equal(t, 100.0, props[domain.PropertyDensity].Value)
	assert.Equal(t, 44.0, props[domain.PropertyGloss].Value)
	assert.Equal(t, 190.0, props[domain.PropertyWeight].Value)
	assert.InDelta(t, 2.5, props[domain.PropertyRoughness].Value, 1e-9)
	assert.InDelta(t, 0.45, props[domain.PropertyThickness].Value, 1e-9)
	assert.InDelta(t, 8.2, props[domain.PropertyHandFeel].Value, 1e-9)

	assert.Equal(t, "ends/in", props[domain.PropertyDensity].Unit)
	assert.Equal(t, heuristicConfidence, props[domain.PropertyGloss].Confidence)

	assert.Equal(t, 87.5, details[domain.ViewBack]["uniformity"])
	assert.Equal(t, 50.0, details[domain.ViewDrape]["flexibility"])
	assert.InDelta(t, 0.2, details[domain.ViewCloseUp]["roughness_correction"], 1e-9)
	assert.Len(t, details, len(domain.RequiredViews))
}

func TestEstimateClamps(t *testing.T) {
	props, details := Estimate(Features{
		EdgeDensity:        1,
		BrightnessStd:      200,
		TextureVar:         1e6,
		ThicknessIndicator: 1,
		MicroRoughness:     100,
		DrapeLines:         1000,
		DrapeBrightness:    255,
		BackStd:            90,
	})

	assert.Equal(t, 115.0, props[domain.PropertyDensity].Value)
	assert.Equal(t, 60.0, props[domain.PropertyGloss].Value)
	assert.Equal(t, 4.5, props[domain.PropertyRoughness].Value)
	assert.Equal(t, 0.6, props[domain.PropertyThickness].Value)
	assert.Equal(t, 9.5, props[domain.PropertyHandFeel].Value)
	assert.Equal(t, 50.0, details[domain.ViewBack]["uniformity"])
}

func uniform(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestThicknessIndicator(t *testing.T) {
	assert.Zero(t, ThicknessIndicator(uniform(10, 5, 128)))

	// Alternating stripes give a step at every column after the first.
	img := image.NewGray(image.Rect(0, 0, 10, 5))
	for y := 0; y < 5; y++ {
		for x := 0; x < 10; x++ {
			if x%2 == 1 {
				img.SetGray(x, y, color.Gray{Y: 200})
			}
		}
	}
	assert.InDelta(t, 0.9, ThicknessIndicator(img), 1e-9)

	assert.Zero(t, ThicknessIndicator(image.NewGray(image.Rect(0, 0, 0, 0))))
}

func TestMicroRoughness(t *testing.T) {
	assert.InDelta(t, 0, MicroRoughness(uniform(8, 8, 90)), 1e-9)

	checker := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if (x+y)%2 == 0 {
				checker.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	assert.Greater(t, MicroRoughness(checker), 100.0)
}

func TestMicroRoughnessReflectsBorder(t *testing.T) {
	// A single row [0 0 10]. Mirrored windows are [10 0 0 0 10], [0 0 0 10 0]
	// and [0 0 10 0 0], with standard deviations sqrt(24), 4 and 4.
	row := image.NewGray(image.Rect(0, 0, 3, 1))
	row.SetGray(2, 0, color.Gray{Y: 10})

	assert.InDelta(t, (math.Sqrt(24)+8)/3, MicroRoughness(row), 1e-9)
}

func TestReflect101(t *testing.T) {
	got := make([]int, 0, 9)
	for i := -2; i <= 6; i++ {
		got = append(got, reflect101(i, 5))
	}
	assert.Equal(t, []int{2, 1, 0, 1, 2, 3, 4, 3, 2}, got)

	assert.Equal(t, 0, reflect101(-2, 1))
	assert.Equal(t, 1, reflect101(-3, 2))
	assert.Equal(t, 0, reflect101(4, 2))
}
