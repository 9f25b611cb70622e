package opencv

import (
	"image"
	"math"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
)

const backend = "opencv"

// heuristicConfidence is reported for every property; the estimates are
// image-statistics heuristics, not measurements.
const heuristicConfidence = 0.5

// Features are the per-view image statistics the heuristic scorer works from.
type Features struct {
	// front
	EdgeDensity    float64 // share of Canny(50,150) edge pixels
	BrightnessStd  float64
	BrightnessMean float64
	TextureVar     float64 // variance of the Laplacian
	// side
	ThicknessIndicator float64
	// close-up
	MicroRoughness float64
	// drape
	DrapeLines      int
	DrapeBrightness float64
	// back
	BackStd float64
}

// Estimate converts image statistics into property estimates and the per-view
// diagnostics recorded with the sample.
func Estimate(f Features) (map[domain.Property]domain.Estimate, map[domain.View]map[string]float64) {
	density := math.Trunc(85 + math.Min(f.EdgeDensity*300, 30))
	gloss := math.Trunc(20 + math.Min(f.BrightnessStd*0.8, 40))
	weight := math.Trunc(140 + (density-85)*2 + (255-f.BrightnessMean)*0.2)

	roughness := round(1.5+math.Min(f.TextureVar*0.0008, 3.0), 2)
	correction := round(f.MicroRoughness*0.05, 2)
	roughness = math.Min(round(roughness+correction, 2), 4.5)

	thickness := round(0.3+math.Min(f.ThicknessIndicator*3, 0.3), 2)

	handFeel := math.Min(round(6.5+math.Min(float64(f.DrapeLines)*0.01, 2.0)+f.DrapeBrightness/100, 1), 9.5)

	props := map[domain.Property]domain.Estimate{
		domain.PropertyDensity:   estimate(domain.PropertyDensity, density),
		domain.PropertyGloss:     estimate(domain.PropertyGloss, gloss),
		domain.PropertyRoughness: estimate(domain.PropertyRoughness, roughness),
		domain.PropertyWeight:    estimate(domain.PropertyWeight, weight),
		domain.PropertyThickness: estimate(domain.PropertyThickness, thickness),
		domain.PropertyHandFeel:  estimate(domain.PropertyHandFeel, handFeel),
	}

	details := map[domain.View]map[string]float64{
		domain.ViewFront: {
			"edge_density":   round(f.EdgeDensity, 4),
			"brightness_std": round(f.BrightnessStd, 2),
			"texture_var":    round(f.TextureVar, 2),
		},
		domain.ViewSide: {
			"thickness_indicator": round(f.ThicknessIndicator, 4),
		},
		domain.ViewCloseUp: {
			"micro_roughness":      round(f.MicroRoughness, 2),
			"roughness_correction": correction,
		},
		domain.ViewDrape: {
			"flexibility":    float64(f.DrapeLines),
			"avg_brightness": round(f.DrapeBrightness, 2),
		},
		domain.ViewBack: {
			"uniformity": round(100-math.Min(f.BackStd, 50), 2),
		},
	}
	return props, details
}

func estimate(p domain.Property, v float64) domain.Estimate {
	return domain.Estimate{Value: v, Unit: domain.DefaultUnits[p], Confidence: heuristicConfidence}
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// ThicknessIndicator is the share of sharp grey-level steps (more than 20
// levels) along the centre row of a side view.
func ThicknessIndicator(gray *image.Gray) float64 {
	b := gray.Bounds()
	width := b.Dx()
	if width == 0 {
		return 0
	}
	y := b.Min.Y + b.Dy()/2
	steps := 0
	for x := b.Min.X + 1; x < b.Max.X; x++ {
		d := int(gray.GrayAt(x, y).Y) - int(gray.GrayAt(x-1, y).Y)
		if d > 20 || d < -20 {
			steps++
		}
	}
	return float64(steps) / float64(width)
}

// MicroRoughness is the mean standard deviation over 5x5 neighbourhoods.
// Pixels beyond the border are mirrored without repeating the edge pixel,
// matching OpenCV's default BORDER_REFLECT_101.
func MicroRoughness(gray *image.Gray) float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	const r = 2
	pw, ph := w+2*r, h+2*r

	// Summed-area tables of values and squares over the padded image.
	sum := make([]float64, (pw+1)*(ph+1))
	sq := make([]float64, (pw+1)*(ph+1))
	for y := 0; y < ph; y++ {
		sy := reflect101(y-r, h)
		var rowSum, rowSq float64
		for x := 0; x < pw; x++ {
			v := float64(gray.GrayAt(b.Min.X+reflect101(x-r, w), b.Min.Y+sy).Y)
			rowSum += v
			rowSq += v * v
			i := (y+1)*(pw+1) + x + 1
			sum[i] = sum[i-(pw+1)] + rowSum
			sq[i] = sq[i-(pw+1)] + rowSq
		}
	}
	area := func(t []float64, x0, y0, x1, y1 int) float64 {
		return t[y1*(pw+1)+x1] - t[y0*(pw+1)+x1] - t[y1*(pw+1)+x0] + t[y0*(pw+1)+x0]
	}

	const n = float64((2*r + 1) * (2*r + 1))
	var total float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			mean := area(sum, x, y, x+2*r+1, y+2*r+1) / n
			variance := area(sq, x, y, x+2*r+1, y+2*r+1)/n - mean*mean
			total += math.Sqrt(math.Max(variance, 0))
		}
	}
	return total / float64(w*h)
}

// reflect101 maps i into [0, n) by mirroring about the first and last
// elements: for n=5, -2 maps to 2 and 6 maps to 2.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}
