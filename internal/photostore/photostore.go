package photostore

import (
	"context"
	"io"
	"strings"
)

// PhotoStore persists the raw view photographs of a sample. Keys are
// slash-separated paths such as "<batch>/<view>"; the returned handle is
// opaque to callers and is what gets recorded on the sample.
type PhotoStore interface {
	Save(ctx context.Context, key, mimeType string, r io.Reader) (handle string, err error)
	Open(ctx context.Context, handle string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, handle string) error
}

// ExtForMIME returns the file extension used for a stored image type.
func ExtForMIME(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// MIMEForName guesses an image type from a handle's extension.
func MIMEForName(name string) string {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, ".png"):
		return "image/png"
	case strings.HasSuffix(name, ".gif"):
		return "image/gif"
	case strings.HasSuffix(name, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
