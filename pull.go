package vmimage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cua-run/vmimage/cache"
	"github.com/cua-run/vmimage/config"
	"github.com/cua-run/vmimage/materialize"
	"github.com/cua-run/vmimage/reassemble"
	"github.com/cua-run/vmimage/scheduler"
)

// Pull fetches image (a "repository:tag" reference), validating or
// rebuilding the content-addressed cache as needed, and materializes the
// result into the named VM directory resolved by the client's
// VMDirectoryProvider.
func (c *Client) Pull(ctx context.Context, image string, opts ...PullOption) (config.VMDirectory, error) {
	repo, tag, err := splitImageReference(image)
	if err != nil {
		return config.VMDirectory{}, err
	}

	pc := &pullConfig{name: vmNameFromRepo(repo)}
	for _, opt := range opts {
		opt(pc)
	}

	vmDir, err := c.vmDirs.GetVMDirectory(pc.name, pc.location)
	if err != nil {
		return config.VMDirectory{}, err
	}

	token, err := c.reg.AcquireToken(ctx, repo)
	if err != nil {
		return config.VMDirectory{}, err
	}

	manifest, digest, err := c.reg.FetchManifest(ctx, repo, tag, token)
	if err != nil {
		return config.VMDirectory{}, err
	}
	manifestID := cache.ManifestID(digest)

	stagingDir, err := os.MkdirTemp("", "vmimage-staging-*")
	if err != nil {
		return config.VMDirectory{}, fmt.Errorf("vmimage: create staging directory: %w", err)
	}
	installed := false
	defer func() {
		if !installed {
			_ = os.RemoveAll(stagingDir) //nolint:errcheck // best-effort cleanup
		}
	}()

	if !c.cacheStore.Validate(manifest, manifestID) {
		if err := c.cacheStore.CleanupOldVersions(manifestID, repo); err != nil {
			return config.VMDirectory{}, err
		}
		if err := c.cacheStore.Prepare(manifestID); err != nil {
			return config.VMDirectory{}, err
		}
		if err := c.cacheStore.SaveManifest(manifestID, manifest); err != nil {
			return config.VMDirectory{}, err
		}
		meta := &cache.ImageMetadata{Image: repo, ManifestID: manifestID, Timestamp: time.Now()}
		if err := c.cacheStore.SaveMetadata(manifestID, meta); err != nil {
			return config.VMDirectory{}, err
		}
	}

	result, err := c.sched.Schedule(ctx, manifest, manifestID, repo, token, stagingDir, downloadProgressAdapter(pc.progress))
	if err != nil {
		return config.VMDirectory{}, err
	}

	if result.TotalParts > 0 {
		if err := reassembleDiskImage(c, result, stagingDir, pc.progress); err != nil {
			return config.VMDirectory{}, err
		}
	}

	if err := materialize.Install(stagingDir, vmDir.Path); err != nil {
		return config.VMDirectory{}, err
	}
	installed = true

	return vmDir, nil
}

// splitImageReference validates and splits "name:tag" into its repository
// and tag halves.
func splitImageReference(image string) (repo, tag string, err error) {
	if image == "" {
		return "", "", &invalidImageFormatError{image: image}
	}
	parts := strings.SplitN(image, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &invalidImageFormatError{image: image}
	}
	return parts[0], parts[1], nil
}

// vmNameFromRepo derives the default local VM name from a repository path,
// using its final path segment.
func vmNameFromRepo(repo string) string {
	if idx := strings.LastIndex(repo, "/"); idx >= 0 {
		return repo[idx+1:]
	}
	return repo
}

func reassembleDiskImage(c *Client, result *scheduler.Result, stagingDir string, progress ProgressFunc) error {
	var expected uint64
	sources := make([]reassemble.Source, 0, len(result.Parts))
	for _, p := range result.Parts {
		expected += uint64(p.Size) //nolint:gosec // sizes are non-negative
		sources = append(sources, reassemble.Source{PartNum: p.PartNum, Path: p.Path, Compressed: p.Compressed})
	}

	outputPath := filepath.Join(stagingDir, "disk.img")
	chunkSize := c.probe.OptimalChunkSize()
	memConstrained := c.probe.MemoryConstrained()

	if err := reassemble.Reassemble(sources, result.TotalParts, outputPath, expected, chunkSize, memConstrained, reassembleProgressAdapter(progress), c.logger); err != nil {
		return err
	}

	removeConsumedParts(sources, stagingDir, c.logger)
	return nil
}

// removeConsumedParts deletes the staging-file sources Reassemble just read,
// so they don't end up installed alongside disk.img. Sources outside
// stagingDir are cache-resident (the memory-constrained direct-read path)
// and are never touched.
func removeConsumedParts(sources []reassemble.Source, stagingDir string, logger *slog.Logger) {
	for _, s := range sources {
		rel, err := filepath.Rel(stagingDir, s.Path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove consumed disk-image part", "path", s.Path, "error", err)
		}
	}
}

func downloadProgressAdapter(fn ProgressFunc) func(uint64, uint64) {
	if fn == nil {
		return nil
	}
	return func(done, total uint64) {
		fn(ProgressEvent{Stage: ProgressDownloading, BytesDone: done, BytesTotal: total})
	}
}

func reassembleProgressAdapter(fn ProgressFunc) func(uint64, uint64) {
	if fn == nil {
		return nil
	}
	return func(done, total uint64) {
		fn(ProgressEvent{Stage: ProgressReassembling, BytesDone: done, BytesTotal: total})
	}
}
