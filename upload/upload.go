// Package upload receives multipart document files and stages them on local
// disk. Only the fingerprint of a staged file ever reaches the ledger, the
// bytes themselves stay here.
package upload

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// StoredFile describes a staged upload: where it landed plus the three
// provenance attributes the core consumes.
type StoredFile struct {
	Path         string
	OriginalName string
	Size         int64
	MimeType     string
}

// Open returns a fresh reader over the staged bytes.
func (f *StoredFile) Open() (io.ReadCloser, error) {
	return os.Open(f.Path)
}

// Remove deletes the staged file from disk.
func (f *StoredFile) Remove() error {
	return os.Remove(f.Path)
}

// Store writes incoming multipart files into a single directory, each under a
// unique name so concurrent uploads of identically named files never collide.
type Store struct {
	dir string
}

// NewStore ensures the upload directory exists and returns a store over it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Save drains one multipart file part to disk and returns its description.
func (s *Store) Save(file multipart.File, header *multipart.FileHeader) (*StoredFile, error) {
	name := fmt.Sprintf("document-%s%s", uuid.NewString(), filepath.Ext(header.Filename))
	path := filepath.Join(s.dir, name)

	dst, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating staged file: %w", err)
	}

	size, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing staged file: %w", err)
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return &StoredFile{
		Path:         path,
		OriginalName: header.Filename,
		Size:         size,
		MimeType:     mimeType,
	}, nil
}
