// Package index enumerates cached images under an org's cache directory.
package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/cua-run/vmimage/cache"
)

// CachedImage identifies one cached manifest for a repository.
type CachedImage struct {
	Repository string
	ImageID    string
	ManifestID string
}

const imageIDLength = 12

// List scans orgDir (typically Store.OrgDir()) for child directories
// containing a readable metadata.json, producing one CachedImage per such
// directory. Directories without metadata, or whose metadata can't be read,
// are skipped outright. Results are sorted by (Repository, ImageID)
// ascending.
func List(orgDir string) ([]CachedImage, error) {
	entries, err := os.ReadDir(orgDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var images []CachedImage
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		manifestID := entry.Name()
		metaPath := filepath.Join(orgDir, manifestID, "metadata.json")
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}

		var meta cache.ImageMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}

		images = append(images, CachedImage{
			Repository: meta.Image,
			ImageID:    shortID(manifestID),
			ManifestID: manifestID,
		})
	}

	sort.Slice(images, func(i, j int) bool {
		if images[i].Repository != images[j].Repository {
			return images[i].Repository < images[j].Repository
		}
		return images[i].ImageID < images[j].ImageID
	})
	return images, nil
}

func shortID(manifestID string) string {
	if len(manifestID) <= imageIDLength {
		return manifestID
	}
	return manifestID[:imageIDLength]
}
