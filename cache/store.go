// Package cache implements the content-addressed on-disk cache keyed by
// manifest digest: one directory per manifest-id holding the manifest,
// metadata, and raw layer blobs.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	manifestFileName = "manifest.json"
	metadataFileName = "metadata.json"
	dirPerm          = 0o755
	filePerm         = 0o644
)

// ImageMetadata records which repository a cached manifest-id belongs to and
// when it was written.
type ImageMetadata struct {
	Image      string    `json:"image"`
	ManifestID string    `json:"manifestId"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store is the content-addressed cache rooted at <cacheRoot>/ghcr/<org>.
type Store struct {
	orgDir string
	logger *slog.Logger
}

// New creates a Store rooted at <cacheRoot>/ghcr/<org>. The directory is not
// created until it is first needed.
func New(cacheRoot, org string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		orgDir: filepath.Join(expandHome(cacheRoot), "ghcr", org),
		logger: logger,
	}
}

// expandHome expands a leading "~" to the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// OrgDir returns <cacheRoot>/ghcr/<org>.
func (s *Store) OrgDir() string {
	return s.orgDir
}

// ImageCacheDir returns <orgDir>/<manifestID>.
func (s *Store) ImageCacheDir(manifestID string) string {
	return filepath.Join(s.orgDir, manifestID)
}

// ManifestPath returns the path to the cached manifest.json for manifestID.
func (s *Store) ManifestPath(manifestID string) string {
	return filepath.Join(s.ImageCacheDir(manifestID), manifestFileName)
}

// MetadataPath returns the path to the cached metadata.json for manifestID.
func (s *Store) MetadataPath(manifestID string) string {
	return filepath.Join(s.ImageCacheDir(manifestID), metadataFileName)
}

// LayerPath returns the path a layer's raw bytes are cached at. A
// well-formed digest is rewritten as "<algorithm>_<encoded>"; anything that
// doesn't parse as one falls back to a plain ":" to "_" substitution so
// malformed input still produces a stable, filesystem-safe name.
func (s *Store) LayerPath(manifestID, dgst string) string {
	return filepath.Join(s.ImageCacheDir(manifestID), sanitizeDigest(dgst))
}

// sanitizeDigest turns a content digest into a filesystem-safe name,
// validating it with digest.Parse where possible.
func sanitizeDigest(raw string) string {
	if d, err := digest.Parse(raw); err == nil {
		return d.Algorithm().String() + "_" + d.Encoded()
	}
	return strings.ReplaceAll(raw, ":", "_")
}

// Validate reports whether the manifestID directory is valid for manifest:
// the cached manifest.json deserializes, its layers equal manifest.Layers by
// full equality, and every layer's file exists on disk. No hash
// re-verification is performed; trust is rooted in the digest forming the
// directory name.
func (s *Store) Validate(manifest *ocispec.Manifest, manifestID string) bool {
	raw, err := os.ReadFile(s.ManifestPath(manifestID))
	if err != nil {
		return false
	}

	var cached ocispec.Manifest
	if err := json.Unmarshal(raw, &cached); err != nil {
		return false
	}

	if !layersEqual(cached.Layers, manifest.Layers) {
		return false
	}

	for _, layer := range manifest.Layers {
		if _, err := os.Stat(s.LayerPath(manifestID, layer.Digest.String())); err != nil {
			return false
		}
	}
	return true
}

func layersEqual(a, b []ocispec.Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].MediaType != b[i].MediaType || a[i].Digest != b[i].Digest || a[i].Size != b[i].Size {
			return false
		}
	}
	return true
}

// Prepare idempotently resets the manifestID directory: if it exists it is
// removed recursively, then recreated empty.
func (s *Store) Prepare(manifestID string) error {
	dir := s.ImageCacheDir(manifestID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cache: reset %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("cache: create %s: %w", dir, err)
	}
	return nil
}

// SaveManifest atomically writes manifest.json for manifestID.
func (s *Store) SaveManifest(manifestID string, manifest *ocispec.Manifest) error {
	raw, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("cache: marshal manifest: %w", err)
	}
	return writeFileAtomic(s.ManifestPath(manifestID), raw)
}

// SaveMetadata atomically writes metadata.json for manifestID.
func (s *Store) SaveMetadata(manifestID string, meta *ImageMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cache: marshal metadata: %w", err)
	}
	return writeFileAtomic(s.MetadataPath(manifestID), raw)
}

// ReadMetadata reads and parses metadata.json for manifestID.
func (s *Store) ReadMetadata(manifestID string) (*ImageMetadata, error) {
	raw, err := os.ReadFile(s.MetadataPath(manifestID))
	if err != nil {
		return nil, err
	}
	var meta ImageMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("cache: parse metadata: %w", err)
	}
	return &meta, nil
}

// CleanupOldVersions removes every sibling of currentManifestID under the
// org directory whose metadata.json identifies it as belonging to
// repository. Directories without metadata, or belonging to a different
// repository, are left untouched.
func (s *Store) CleanupOldVersions(currentManifestID, repository string) error {
	entries, err := os.ReadDir(s.orgDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("cache: list %s: %w", s.orgDir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == currentManifestID {
			continue
		}

		meta, err := s.ReadMetadata(entry.Name())
		if err != nil {
			// No readable metadata: leave the directory untouched rather
			// than guess whether it belongs to repository.
			continue
		}
		if meta.Image != repository {
			continue
		}

		dir := s.ImageCacheDir(entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("cache: remove old version %s: %w", dir, err)
		}
		s.logger.Info("removed old cached version", "repository", repository, "manifestId", entry.Name())
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file in the same directory
// followed by an atomic rename, so readers never observe a half-written
// file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("cache: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cache: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache: close %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		return fmt.Errorf("cache: chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("cache: rename into %s: %w", path, err)
	}
	return nil
}

// ManifestID derives the filesystem-safe cache directory name from a
// manifest digest; see sanitizeDigest.
func ManifestID(digest string) string {
	return sanitizeDigest(digest)
}
