package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/photostore"
	"google.golang.org/api/option"
)

const (
	uploadTimeout = 2 * time.Minute
	deleteTimeout = 30 * time.Second
)

// PhotoStore keeps photographs as objects in a Cloud Storage bucket. Handles
// are object names relative to the configured prefix.
type PhotoStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a store backed by bucket. Credentials come from the ambient
// application default credentials unless opts override them.
func New(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*PhotoStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket name is required")
	}
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &PhotoStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *PhotoStore) Save(ctx context.Context, key, mimeType string, r io.Reader) (string, error) {
	handle, err := cleanHandle(key + photostore.ExtForMIME(mimeType))
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(s.objectName(handle)).NewWriter(ctx)
	w.ContentType = mimeType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return handle, nil
}

func (s *PhotoStore) Open(ctx context.Context, handle string) (io.ReadCloser, string, error) {
	handle, err := cleanHandle(handle)
	if err != nil {
		return nil, "", err
	}

	rc, err := s.client.Bucket(s.bucket).Object(s.objectName(handle)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, "", fmt.Errorf("%w: photo %s", domain.ErrNotFound, handle)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to open GCS object: %w", err)
	}

	mimeType := rc.Attrs.ContentType
	if mimeType == "" {
		mimeType = photostore.MIMEForName(handle)
	}
	return rc, mimeType, nil
}

func (s *PhotoStore) Delete(ctx context.Context, handle string) error {
	handle, err := cleanHandle(handle)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()

	err = s.client.Bucket(s.bucket).Object(s.objectName(handle)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: photo %s", domain.ErrNotFound, handle)
	}
	if err != nil {
		return fmt.Errorf("failed to delete GCS object %q in bucket %q: %w", handle, s.bucket, err)
	}
	return nil
}

func (s *PhotoStore) Close() error {
	return s.client.Close()
}

func (s *PhotoStore) objectName(handle string) string {
	if s.prefix == "" {
		return handle
	}
	return s.prefix + "/" + handle
}

// cleanHandle normalises handle and rejects names that would escape the
// prefix.
func cleanHandle(handle string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(handle, "/"))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", &domain.ValidationError{Field: "handle", Reason: "path traversal attempt"}
	}
	return cleaned, nil
}
