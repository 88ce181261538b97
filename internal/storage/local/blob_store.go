// Package local stores offloaded content on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/pagecache/internal/scrape"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// Config locates the store on disk.
type Config struct {
	// BaseDir holds every blob. It is created when missing.
	BaseDir string
	// PublicBaseURL, when set, is joined with the key to build links, for
	// example a static file server in front of BaseDir. Otherwise links are
	// file:// URIs.
	PublicBaseURL string
}

// BlobStore keeps one file per key under a base directory. Writes go
// through a temp file and a rename so readers never observe partial blobs.
type BlobStore struct {
	baseDir       string
	publicBaseURL string
}

var _ scrape.BlobStore = (*BlobStore)(nil)

// New opens the store, creating BaseDir when needed and checking that it
// is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("local blob store: base directory is required")
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("local blob store: resolve base directory: %w", err)
	}
	if err := os.MkdirAll(base, dirPerm); err != nil {
		return nil, fmt.Errorf("local blob store: create base directory: %w", err)
	}
	check, err := os.CreateTemp(base, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("local blob store: base directory is not writable: %w", err)
	}
	_ = check.Close()
	if err := os.Remove(check.Name()); err != nil {
		return nil, fmt.Errorf("local blob store: remove write check file: %w", err)
	}
	return &BlobStore{
		baseDir:       base,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// PutObject writes data under key and returns its file:// URI.
func (s *BlobStore) PutObject(_ context.Context, key string, _ string, data io.Reader) (string, error) {
	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create directory for %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp file for %s: %w", key, err)
	}
	if err := writeAndClose(tmp, data); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit %s: %w", key, err)
	}
	return fileURI(full), nil
}

func writeAndClose(f *os.File, data io.Reader) error {
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(filePerm); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// GetObject reads the blob stored under key.
func (s *BlobStore) GetObject(_ context.Context, key string) ([]byte, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- resolve confines full to baseDir.
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("object %s: %w", key, scrape.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// DeleteObject removes the blob and any directories it leaves empty, up to
// the base directory. A missing blob is not an error.
func (s *BlobStore) DeleteObject(_ context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	for dir := filepath.Dir(full); dir != s.baseDir; dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// URL returns a link to the blob, using PublicBaseURL when configured.
func (s *BlobStore) URL(_ context.Context, key string) (string, error) {
	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("object %s: %w", key, scrape.ErrNotFound)
		}
		return "", fmt.Errorf("stat %s: %w", key, err)
	}
	if s.publicBaseURL != "" {
		rel, _ := filepath.Rel(s.baseDir, full)
		return s.publicBaseURL + "/" + filepath.ToSlash(rel), nil
	}
	return fileURI(full), nil
}

// resolve maps key to a path inside baseDir.
func (s *BlobStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("blob key is required")
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("blob key %q escapes the base directory", key)
	}
	return full, nil
}

func fileURI(path string) string {
	return "file://" + filepath.ToSlash(path)
}
