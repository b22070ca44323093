package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cua-run/vmimage/cache"
)

func writeMetadata(t *testing.T, orgDir, manifestID string, meta cache.ImageMetadata) {
	t.Helper()
	dir := filepath.Join(orgDir, manifestID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	raw, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), raw, 0o644))
}

func TestListSortsByRepositoryThenImageID(t *testing.T) {
	orgDir := t.TempDir()
	now := time.Unix(0, 0)

	writeMetadata(t, orgDir, "sha256_bbbbbbbbbbbbbbbb", cache.ImageMetadata{Image: "alpha", ManifestID: "sha256_bbbbbbbbbbbbbbbb", Timestamp: now})
	writeMetadata(t, orgDir, "sha256_aaaaaaaaaaaaaaaa", cache.ImageMetadata{Image: "alpha", ManifestID: "sha256_aaaaaaaaaaaaaaaa", Timestamp: now})
	writeMetadata(t, orgDir, "sha256_cccccccccccccccc", cache.ImageMetadata{Image: "zeta", ManifestID: "sha256_cccccccccccccccc", Timestamp: now})

	images, err := List(orgDir)
	require.NoError(t, err)
	require.Len(t, images, 3)
	require.Equal(t, "alpha", images[0].Repository)
	require.Equal(t, "alpha", images[1].Repository)
	require.Equal(t, "zeta", images[2].Repository)
	require.Less(t, images[0].ImageID, images[1].ImageID)
}

func TestListSkipsDirectoriesWithoutMetadata(t *testing.T) {
	orgDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(orgDir, "sha256_noMeta"), 0o755))
	writeMetadata(t, orgDir, "sha256_hasMeta0000000000", cache.ImageMetadata{Image: "repo", ManifestID: "sha256_hasMeta0000000000"})

	images, err := List(orgDir)
	require.NoError(t, err)
	require.Len(t, images, 1)
	require.Equal(t, "repo", images[0].Repository)
}

func TestListMissingOrgDirReturnsEmpty(t *testing.T) {
	images, err := List(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Empty(t, images)
}

func TestShortIDTruncatesTo12Chars(t *testing.T) {
	require.Equal(t, "sha256_abcd0", shortID("sha256_abcd0123456789"))
	require.Equal(t, "short", shortID("short"))
}
