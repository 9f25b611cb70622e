package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/photostore"
)

// PhotoStore keeps photographs on the local filesystem under basePath.
type PhotoStore struct {
	basePath string
}

func New(basePath string) (*PhotoStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create photo directory: %w", err)
	}
	return &PhotoStore{basePath: basePath}, nil
}

func (s *PhotoStore) Save(ctx context.Context, key, mimeType string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	handle := filepath.ToSlash(filepath.Clean(key)) + photostore.ExtForMIME(mimeType)
	filePath, err := s.safeJoin(handle)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return "", fmt.Errorf("failed to create photo directory: %w", err)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		if cerr := f.Close(); cerr != nil {
			slog.Error("failed to close file after write error", "error", cerr)
		}
		if rerr := os.Remove(filePath); rerr != nil {
			slog.Error("failed to remove file after write error", "error", rerr)
		}
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		if rerr := os.Remove(filePath); rerr != nil {
			slog.Error("failed to remove file after close error", "error", rerr)
		}
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	return handle, nil
}

func (s *PhotoStore) Open(ctx context.Context, handle string) (io.ReadCloser, string, error) {
	filePath, err := s.safeJoin(handle)
	if err != nil {
		return nil, "", err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: photo %s", domain.ErrNotFound, handle)
		}
		return nil, "", fmt.Errorf("failed to open file: %w", err)
	}
	return f, photostore.MIMEForName(filePath), nil
}

// Delete removes the photo and, when it was the last one, its batch directory.
func (s *PhotoStore) Delete(ctx context.Context, handle string) error {
	filePath, err := s.safeJoin(handle)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: photo %s", domain.ErrNotFound, handle)
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	// Fails harmlessly while the directory still holds other views.
	if absBase, err := filepath.Abs(s.basePath); err == nil {
		if dir := filepath.Dir(filePath); dir != absBase {
			_ = os.Remove(dir)
		}
	}
	return nil
}

// safeJoin resolves handle relative to basePath and rejects directory traversal.
func (s *PhotoStore) safeJoin(handle string) (string, error) {
	absBase, err := filepath.Abs(s.basePath)
	if err != nil {
		return "", fmt.Errorf("invalid base path: %w", err)
	}

	absPath, err := filepath.Abs(filepath.Join(s.basePath, filepath.FromSlash(handle)))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", &domain.ValidationError{Field: "handle", Reason: "path traversal attempt"}
	}
	return absPath, nil
}
