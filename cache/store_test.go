package cache_test

import (
	"os"
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/cua-run/vmimage/cache"
)

func testManifest() *ocispec.Manifest {
	return &ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		Layers: []ocispec.Descriptor{
			{MediaType: "application/vnd.oci.image.layer.v1.tar", Digest: "sha256:aaa", Size: 10},
			{MediaType: "application/vnd.oci.image.config.v1+json", Digest: "sha256:bbb", Size: 20},
		},
	}
}

func populate(t *testing.T, store *cache.Store, manifestID string, manifest *ocispec.Manifest) {
	t.Helper()
	require.NoError(t, store.Prepare(manifestID))
	require.NoError(t, store.SaveManifest(manifestID, manifest))
	require.NoError(t, store.SaveMetadata(manifestID, &cache.ImageMetadata{Image: "acme/myvm", ManifestID: manifestID}))
	for _, layer := range manifest.Layers {
		require.NoError(t, os.WriteFile(store.LayerPath(manifestID, layer.Digest.String()), []byte("x"), 0o644))
	}
}

func TestValidateTrueWhenLayersAndFilesPresent(t *testing.T) {
	root := t.TempDir()
	store := cache.New(root, "acme", nil)
	manifest := testManifest()
	manifestID := cache.ManifestID("sha256:digest1")
	populate(t, store, manifestID, manifest)

	require.True(t, store.Validate(manifest, manifestID))
}

func TestValidateFalseWhenLayerFileMissing(t *testing.T) {
	root := t.TempDir()
	store := cache.New(root, "acme", nil)
	manifest := testManifest()
	manifestID := cache.ManifestID("sha256:digest2")
	populate(t, store, manifestID, manifest)

	require.NoError(t, os.Remove(store.LayerPath(manifestID, manifest.Layers[0].Digest.String())))
	require.False(t, store.Validate(manifest, manifestID))
}

func TestValidateFalseWhenLayersDiffer(t *testing.T) {
	root := t.TempDir()
	store := cache.New(root, "acme", nil)
	manifest := testManifest()
	manifestID := cache.ManifestID("sha256:digest3")
	populate(t, store, manifestID, manifest)

	changed := testManifest()
	changed.Layers[0].Size = 999
	require.False(t, store.Validate(changed, manifestID))
}

func TestPrepareResetsExistingDirectory(t *testing.T) {
	root := t.TempDir()
	store := cache.New(root, "acme", nil)
	manifestID := cache.ManifestID("sha256:digest4")

	require.NoError(t, store.Prepare(manifestID))
	stray := filepath.Join(store.ImageCacheDir(manifestID), "stray-file")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0o644))

	require.NoError(t, store.Prepare(manifestID))
	_, err := os.Stat(stray)
	require.True(t, os.IsNotExist(err))
}

func TestCleanupOldVersionsRemovesOtherVersionsOfSameRepo(t *testing.T) {
	root := t.TempDir()
	store := cache.New(root, "acme", nil)

	oldID := cache.ManifestID("sha256:old")
	newID := cache.ManifestID("sha256:new")
	otherRepoID := cache.ManifestID("sha256:other")

	populate(t, store, oldID, testManifest())
	populate(t, store, newID, testManifest())
	require.NoError(t, store.Prepare(otherRepoID))
	require.NoError(t, store.SaveMetadata(otherRepoID, &cache.ImageMetadata{Image: "acme/other", ManifestID: otherRepoID}))

	require.NoError(t, store.CleanupOldVersions(newID, "acme/myvm"))

	_, err := os.Stat(store.ImageCacheDir(oldID))
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(store.ImageCacheDir(newID))
	require.NoError(t, err)

	_, err = os.Stat(store.ImageCacheDir(otherRepoID))
	require.NoError(t, err, "directories for other repositories must be left untouched")
}

func TestCleanupOldVersionsSkipsUnreadableMetadata(t *testing.T) {
	root := t.TempDir()
	store := cache.New(root, "acme", nil)

	noMetaID := cache.ManifestID("sha256:nometa")
	require.NoError(t, store.Prepare(noMetaID))

	require.NoError(t, store.CleanupOldVersions(cache.ManifestID("sha256:current"), "acme/myvm"))

	_, err := os.Stat(store.ImageCacheDir(noMetaID))
	require.NoError(t, err)
}

func TestManifestIDReplacesColons(t *testing.T) {
	require.Equal(t, "sha256_abcdef", cache.ManifestID("sha256:abcdef"))
}
