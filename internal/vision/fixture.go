package vision

import "github.com/tacchinimd-dot/metarial-ai/internal/domain"

// FixtureImages returns a complete set of small fake view images for tests.
func FixtureImages() []LabeledImage {
	images := make([]LabeledImage, 0, len(domain.RequiredViews))
	for _, v := range domain.RequiredViews {
		images = append(images, LabeledImage{
			View:     v,
			MimeType: "image/jpeg",
			Data:     append([]byte{0xFF, 0xD8, 0xFF}, []byte(v)...),
		})
	}
	return images
}
