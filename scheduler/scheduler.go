// Package scheduler fetches a manifest's layers into a staging directory and
// the content-addressed cache, bounded to a fixed number of in-flight
// downloads and coordinated through a single-flight coordinator so at most
// one task per process fetches a given digest at a time.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/cua-run/vmimage/cache"
	"github.com/cua-run/vmimage/memprobe"
	"github.com/cua-run/vmimage/singleflight"
)

// MaxConcurrentDownloads bounds how many layer tasks may be in flight at
// once during a single Schedule call.
const MaxConcurrentDownloads = 5

// BlobDownloader is the subset of the registry client the scheduler needs.
// Satisfied by *registry.Client.
type BlobDownloader interface {
	DownloadBlob(ctx context.Context, repository, digest, mediaType, token, destinationPath string, size int64, maxRetries int) error
}

// PartSource is one numbered disk-image part, and where its bytes live:
// either a staging file or, under memory pressure, the cache file directly.
// The reassembler must not mutate or delete either.
type PartSource struct {
	PartNum    int
	Path       string
	Size       int64
	Compressed bool
}

// Result is what a Schedule call produced.
type Result struct {
	// DiskImagePath, ConfigPath, NVRAMPath are staging paths for the
	// corresponding whole-file layers, empty if the manifest had none.
	DiskImagePath string
	ConfigPath    string
	NVRAMPath     string

	// Parts holds disk-image parts sorted by PartNum, when the manifest
	// declared any. TotalParts is the declared total.
	Parts      []PartSource
	TotalParts int
}

// ProgressFunc is invoked as bytes are accounted for during scheduling.
type ProgressFunc func(bytesDone, bytesTotal uint64)

// Scheduler fetches manifest layers concurrently, up to MaxConcurrentDownloads
// at a time, preferring the cache over the network and classifying disk-image
// parts as it goes.
type Scheduler struct {
	registry    BlobDownloader
	cacheStore  *cache.Store
	coordinator *singleflight.Coordinator
	probe       *memprobe.Probe
	logger      *slog.Logger
	maxRetries  int
}

// New creates a Scheduler.
func New(reg BlobDownloader, cacheStore *cache.Store, coordinator *singleflight.Coordinator, probe *memprobe.Probe, logger *slog.Logger, maxRetries int) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		registry:    reg,
		cacheStore:  cacheStore,
		coordinator: coordinator,
		probe:       probe,
		logger:      logger,
		maxRetries:  maxRetries,
	}
}

// Schedule fetches every non-empty layer of manifest into stagingDir and the
// cache, running up to MaxConcurrentDownloads tasks concurrently. The first
// task error cancels the remaining tasks.
func (s *Scheduler) Schedule(ctx context.Context, manifest *ocispec.Manifest, manifestID, repository, token, stagingDir string, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(uint64, uint64) {}
	}

	result := &Result{}
	var (
		mu    sync.Mutex
		parts []PartSource
	)

	var bytesTotal uint64
	type plannedLayer struct {
		layer ocispec.Descriptor
		class classification
	}
	planned := make([]plannedLayer, 0, len(manifest.Layers))
	for _, layer := range manifest.Layers {
		c := classify(layer.MediaType)
		if c.kind == kindIgnore {
			continue
		}
		if c.kind == kindDiskPart {
			result.TotalParts = c.totalParts
		}
		bytesTotal += uint64(layer.Size) //nolint:gosec // sizes are non-negative by construction
		planned = append(planned, plannedLayer{layer: layer, class: c})
	}

	var bytesDone uint64
	reportProgress := func(n int64) {
		mu.Lock()
		bytesDone += uint64(n) //nolint:gosec // n is non-negative
		done := bytesDone
		mu.Unlock()
		progress(done, bytesTotal)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentDownloads)

	for _, pl := range planned {
		pl := pl
		g.Go(func() error {
			outcome, err := s.processLayer(gctx, manifestID, repository, token, stagingDir, pl.layer, pl.class, reportProgress)
			if err != nil {
				return err
			}
			if outcome != nil {
				mu.Lock()
				parts = append(parts, *outcome)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		_ = os.RemoveAll(stagingDir) //nolint:errcheck // best-effort cleanup of partial staging
		return nil, err
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNum < parts[j].PartNum })
	result.Parts = parts
	result.DiskImagePath = existingOrEmpty(filepath.Join(stagingDir, DiskImageFile))
	result.ConfigPath = existingOrEmpty(filepath.Join(stagingDir, ConfigFile))
	result.NVRAMPath = existingOrEmpty(filepath.Join(stagingDir, NVRAMFile))
	return result, nil
}

func existingOrEmpty(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// processLayer fetches a single layer, preferring a cache hit, then an
// in-flight download from another task, then a fresh download, and returns a
// PartSource when the layer is a disk-image part.
func (s *Scheduler) processLayer(ctx context.Context, manifestID, repository, token, stagingDir string, layer ocispec.Descriptor, c classification, reportProgress func(int64)) (*PartSource, error) {
	digest := layer.Digest.String()
	cachePath := s.cacheStore.LayerPath(manifestID, digest)
	memConstrained := s.probe.MemoryConstrained()

	stagingPath := c.kind.stagingFileName()
	if stagingPath == "" {
		stagingPath = filepath.Join(stagingDir, fmt.Sprintf(".part-%d", c.partNum))
	} else {
		stagingPath = filepath.Join(stagingDir, stagingPath)
	}

	if fileExists(cachePath) {
		if c.kind == kindDiskPart && memConstrained {
			reportProgress(layer.Size)
			return &PartSource{PartNum: c.partNum, Path: cachePath, Size: layer.Size, Compressed: c.compressed}, nil
		}
		if err := copyFile(cachePath, stagingPath); err != nil {
			return nil, fmt.Errorf("scheduler: copy cached layer %s: %w", digest, err)
		}
		reportProgress(layer.Size)
		if c.kind == kindDiskPart {
			return &PartSource{PartNum: c.partNum, Path: stagingPath, Size: layer.Size, Compressed: c.compressed}, nil
		}
		return nil, nil
	}

	if s.coordinator.IsDownloading(digest) {
		if err := s.coordinator.WaitFor(ctx, digest, cachePath, fileExists); err != nil {
			return nil, err
		}
		if fileExists(cachePath) {
			return s.processLayer(ctx, manifestID, repository, token, stagingDir, layer, c, reportProgress)
		}
		// The prior task failed and never populated the cache; fall
		// through and fetch it ourselves.
	}

	s.coordinator.MarkStarted(digest)
	defer s.coordinator.MarkComplete(digest)

	if err := s.registry.DownloadBlob(ctx, repository, digest, layer.MediaType, token, stagingPath, layer.Size, s.maxRetries); err != nil {
		return nil, err
	}
	if err := copyFile(stagingPath, cachePath); err != nil {
		return nil, fmt.Errorf("scheduler: populate cache for %s: %w", digest, err)
	}
	reportProgress(layer.Size)

	if c.kind == kindDiskPart {
		return &PartSource{PartNum: c.partNum, Path: stagingPath, Size: layer.Size, Compressed: c.compressed}, nil
	}
	return nil, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// copyFile copies src to dst, creating dst's directory and replacing any
// existing content at dst atomically.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once renamed

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dst)
}
