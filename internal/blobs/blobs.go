// Package blobs stores message image attachments behind opaque references.
package blobs

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"marketline/internal/domain"
)

const DefaultMaxBytes = 1 << 20

const refPrefix = "img_"

type Store struct {
	FS       afero.Fs
	MaxBytes int
}

// NewDir stores blobs under dir on the OS filesystem.
func NewDir(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{FS: afero.NewBasePathFs(afero.NewOsFs(), dir), MaxBytes: DefaultMaxBytes}, nil
}

// NewMem keeps blobs in memory.
func NewMem() *Store {
	return &Store{FS: afero.NewMemMapFs(), MaxBytes: DefaultMaxBytes}
}

func (s *Store) limit() int {
	if s.MaxBytes > 0 {
		return s.MaxBytes
	}
	return DefaultMaxBytes
}

// Put validates and writes an image, returning its reference.
func (s *Store) Put(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty image", domain.ErrInvalidArgument)
	}
	if len(data) > s.limit() {
		return "", fmt.Errorf("%w: image is %d bytes, limit %d", domain.ErrPayloadTooLarge, len(data), s.limit())
	}
	if ct := ContentType(data); !strings.HasPrefix(ct, "image/") {
		return "", fmt.Errorf("%w: content type %s is not an image", domain.ErrInvalidArgument, ct)
	}
	ref := refPrefix + uuid.NewString()
	p := blobPath(ref)
	if err := s.FS.MkdirAll(path.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := afero.WriteFile(s.FS, p, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return ref, nil
}

func (s *Store) Get(ref string) ([]byte, error) {
	if !ValidRef(ref) {
		return nil, fmt.Errorf("%w: image %s", domain.ErrNotFound, ref)
	}
	data, err := afero.ReadFile(s.FS, blobPath(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: image %s", domain.ErrNotFound, ref)
	}
	return data, err
}

// Delete removes a blob; missing blobs are not an error.
func (s *Store) Delete(ref string) error {
	if !ValidRef(ref) {
		return nil
	}
	err := s.FS.Remove(blobPath(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ValidRef reports whether ref has the shape Put produces.
func ValidRef(ref string) bool {
	id, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func ContentType(data []byte) string {
	return http.DetectContentType(data)
}

func blobPath(ref string) string {
	id := strings.TrimPrefix(ref, refPrefix)
	return path.Join("/", id[:2], ref)
}
