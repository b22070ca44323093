package registry_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cua-run/vmimage/registry"
)

func sha256Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func TestAcquireTokenSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := registry.New(registry.WithBaseURL(srv.URL))
	token, err := c.AcquireToken(context.Background(), "acme/myvm")
	require.NoError(t, err)
	require.Equal(t, "anonymous", token)
}

func TestAcquireTokenFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := registry.New(registry.WithBaseURL(srv.URL))
	_, err := c.AcquireToken(context.Background(), "acme/myvm")
	require.ErrorIs(t, err, registry.ErrTokenFetchFailed)
}

func TestFetchManifestFailsOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := registry.New(registry.WithBaseURL(srv.URL))
	_, _, err := c.FetchManifest(context.Background(), "acme/myvm", "v1", "tok")
	require.ErrorIs(t, err, registry.ErrManifestFetchFailed)
}

func TestFetchManifestSuccess(t *testing.T) {
	body := []byte(`{"schemaVersion":2,"layers":[]}`)
	digest := sha256Digest(body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/manifests/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Docker-Content-Digest", digest)
		w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
		w.Write(body) //nolint:errcheck // test server
	}))
	defer srv.Close()

	c := registry.New(registry.WithBaseURL(srv.URL))
	manifest, gotDigest, err := c.FetchManifest(context.Background(), "acme/myvm", "v1", "tok")
	require.NoError(t, err)
	require.Equal(t, digest, gotDigest)
	require.Equal(t, 2, manifest.SchemaVersion)
}

func TestDownloadBlobSuccess(t *testing.T) {
	body := []byte("blob-bytes")
	digest := sha256Digest(body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/blobs/") {
			http.NotFound(w, r)
			return
		}
		w.Write(body) //nolint:errcheck // test server
	}))
	defer srv.Close()

	c := registry.New(registry.WithBaseURL(srv.URL))
	dest := filepath.Join(t.TempDir(), "blob")
	err := c.DownloadBlob(context.Background(), "acme/myvm", digest, "application/octet-stream", "tok", dest, int64(len(body)), 1)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestDownloadBlobRetriesThenSucceeds(t *testing.T) {
	body := []byte("ok")
	digest := sha256Digest(body)

	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/blobs/") {
			http.NotFound(w, r)
			return
		}
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(body) //nolint:errcheck // test server
	}))
	defer srv.Close()

	c := registry.New(registry.WithBaseURL(srv.URL), registry.WithRetryBackoffUnit(time.Millisecond))
	dest := filepath.Join(t.TempDir(), "blob")
	err := c.DownloadBlob(context.Background(), "acme/myvm", digest, "", "tok", dest, int64(len(body)), 5)
	require.NoError(t, err)
	require.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestDownloadBlobExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	digest := sha256Digest([]byte("never served"))
	c := registry.New(registry.WithBaseURL(srv.URL), registry.WithRetryBackoffUnit(time.Millisecond))
	dest := filepath.Join(t.TempDir(), "blob")
	err := c.DownloadBlob(context.Background(), "acme/myvm", digest, "", "tok", dest, 12, 3)
	require.Error(t, err)

	var layerErr *registry.LayerDownloadError
	require.ErrorAs(t, err, &layerErr)
	require.Equal(t, digest, layerErr.Digest)
	require.ErrorIs(t, err, registry.ErrLayerDownloadFailed)
}
