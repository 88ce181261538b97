package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{})
	require.Error(t, err)
	_, err = New(client, Config{Bucket: "b", SignedURLTTL: -1})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "pagecache-blobs"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), " ", "text/plain", nil)
	require.Error(t, err)

	link, err := store.URL(context.Background(), "scrapes/job-1/html.html")
	require.NoError(t, err)
	assert.Equal(t, "https://storage.googleapis.com/pagecache-blobs/scrapes/job-1/html.html", link)
}

func TestPublicURLEscapes(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"https://storage.googleapis.com/b/a%20b/c.md",
		PublicURL("b", "a b/c.md"),
	)
}

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "test-bucket"})
	require.NoError(t, err)
	return store
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "scrapes/job-1/html.html", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html>big</html>")

		fmt.Fprintln(w, `{ "name": "scrapes/job-1/html.html" }`)
	})

	store := newTestStore(t, handler)
	uri, err := store.PutObject(context.Background(), "scrapes/job-1/html.html", "text/html", strings.NewReader("<html>big</html>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/scrapes/job-1/html.html", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	store := newTestStore(t, handler)
	_, err := store.PutObject(context.Background(), "scrapes/job-1/html.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}

func TestDeleteObjectIgnoresMissing(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Contains(t, r.URL.Path, "/b/test-bucket/o/")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error":{"code":404,"message":"No such object"}}`)
	})

	store := newTestStore(t, handler)
	require.NoError(t, store.DeleteObject(context.Background(), "scrapes/job-1/html.html"))
}
