// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/pagecache/internal/scrape"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// SignedURLTTL is the lifetime of links returned by URL. Zero yields
	// plain public object URLs instead of signed ones.
	SignedURLTTL time.Duration
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client    *storage.Client
	bucket    string
	signedTTL time.Duration
	now       func() time.Time
}

var _ scrape.BlobStore = (*BlobStore)(nil)

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.SignedURLTTL < 0 {
		return nil, fmt.Errorf("signed url ttl must be >= 0")
	}
	return &BlobStore{
		client:    client,
		bucket:    cfg.Bucket,
		signedTTL: cfg.SignedURLTTL,
		now:       time.Now,
	}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// GetObject downloads an object.
func (s *BlobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("object %s: %w", path, scrape.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// DeleteObject removes an object. Missing objects are not an error.
func (s *BlobStore) DeleteObject(ctx context.Context, path string) error {
	err := s.client.Bucket(s.bucket).Object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// URL returns a V4 signed GET link, or the public object URL when signing is disabled.
func (s *BlobStore) URL(_ context.Context, path string) (string, error) {
	if s.signedTTL == 0 {
		return PublicURL(s.bucket, path), nil
	}
	link, err := s.client.Bucket(s.bucket).SignedURL(path, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: s.now().Add(s.signedTTL),
	})
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	return link, nil
}

// PublicURL is the unauthenticated HTTPS address of an object.
func PublicURL(bucket, path string) string {
	escaped := (&url.URL{Path: path}).EscapedPath()
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, strings.TrimLeft(escaped, "/"))
}
