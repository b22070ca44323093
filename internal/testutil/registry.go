// Package testutil provides an in-process fake OCI registry for exercising
// the registry client and higher-level packages without real network access.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Blob is one blob body served by the FakeRegistry, keyed by digest.
type Blob struct {
	Digest string
	Body   []byte
}

// FakeRegistry is an httptest-backed OCI registry serving a single manifest
// and its blobs, with per-digest failure injection and a blob GET counter.
//
// The manifest's digest is computed from its serialized body rather than
// supplied by the caller, so it always matches what a digest-verifying
// client (such as oras-go's remote.Repository) will compute for itself.
type FakeRegistry struct {
	Server *httptest.Server

	mu           sync.Mutex
	manifestBody []byte
	manifestTag  string
	digest       string
	blobs        map[string][]byte
	failuresLeft map[string]int // digest -> remaining forced-failure responses

	blobGETCount int64
}

// NewFakeRegistry starts a FakeRegistry serving manifest at tag, with the
// given blobs. Each blob's Digest must be the real digest of its Body:
// a conformant registry client verifies fetched content against it.
func NewFakeRegistry(tag string, manifest *ocispec.Manifest, blobs []Blob) *FakeRegistry {
	body, err := json.Marshal(manifest)
	if err != nil {
		panic(err) // test helper: the manifests it's given always marshal
	}
	sum := sha256.Sum256(body)

	r := &FakeRegistry{
		manifestBody: body,
		manifestTag:  tag,
		digest:       "sha256:" + hex.EncodeToString(sum[:]),
		blobs:        make(map[string][]byte, len(blobs)),
		failuresLeft: make(map[string]int),
	}
	for _, b := range blobs {
		r.blobs[b.Digest] = b.Body
	}
	r.Server = httptest.NewServer(http.HandlerFunc(r.handle))
	return r
}

// ManifestDigest returns the digest the registry computed for its manifest
// body.
func (r *FakeRegistry) ManifestDigest() string {
	return r.digest
}

// FailNextBlobGETs arranges for the next n GETs to digest's blob URL to
// return HTTP 500, regardless of prior calls.
func (r *FakeRegistry) FailNextBlobGETs(digest string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failuresLeft[digest] = n
}

// BlobGETCount returns the total number of blob GET requests served so far.
func (r *FakeRegistry) BlobGETCount() int64 {
	return atomic.LoadInt64(&r.blobGETCount)
}

// Close shuts down the underlying httptest.Server.
func (r *FakeRegistry) Close() {
	r.Server.Close()
}

func (r *FakeRegistry) handle(w http.ResponseWriter, req *http.Request) {
	switch {
	case req.URL.Path == "/v2/":
		w.WriteHeader(http.StatusOK)
	case strings.Contains(req.URL.Path, "/manifests/"):
		r.handleManifest(w)
	case strings.Contains(req.URL.Path, "/blobs/"):
		r.handleBlob(w, req)
	default:
		http.NotFound(w, req)
	}
}

func (r *FakeRegistry) handleManifest(w http.ResponseWriter) {
	w.Header().Set("Docker-Content-Digest", r.digest)
	w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
	w.Write(r.manifestBody) //nolint:errcheck // test helper
}

func (r *FakeRegistry) handleBlob(w http.ResponseWriter, req *http.Request) {
	atomic.AddInt64(&r.blobGETCount, 1)

	parts := strings.Split(req.URL.Path, "/blobs/")
	digest := parts[len(parts)-1]

	r.mu.Lock()
	if n := r.failuresLeft[digest]; n > 0 {
		r.failuresLeft[digest] = n - 1
		r.mu.Unlock()
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	body, ok := r.blobs[digest]
	r.mu.Unlock()

	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Write(body) //nolint:errcheck // test helper
}
