package vmimage

import (
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cua-run/vmimage/cache"
	"github.com/cua-run/vmimage/index"
)

// Manifest is the OCI manifest describing an image's layers and config.
type Manifest = ocispec.Manifest

// Layer is one entry in a Manifest's layer list.
type Layer = ocispec.Descriptor

// ImageMetadata records which repository a cached manifest-id belongs to.
type ImageMetadata = cache.ImageMetadata

// CachedImage identifies one cached manifest for a repository, as produced
// by ListCachedImages.
type CachedImage = index.CachedImage

// ManifestID derives the filesystem-safe cache directory name from a
// manifest digest, replacing ":" with "_".
func ManifestID(digest string) string {
	return cache.ManifestID(digest)
}
