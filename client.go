package vmimage

import (
	"log/slog"
	"time"

	"github.com/cua-run/vmimage/cache"
	"github.com/cua-run/vmimage/config"
	"github.com/cua-run/vmimage/index"
	"github.com/cua-run/vmimage/memprobe"
	"github.com/cua-run/vmimage/registry"
	"github.com/cua-run/vmimage/scheduler"
	"github.com/cua-run/vmimage/singleflight"
)

// Client is the top-level entry point: it wires together the registry
// client, content-addressed cache, single-flight coordinator, download
// scheduler, and memory probe behind the single Pull operation.
type Client struct {
	org        string
	settings   config.Settings
	vmDirs     config.VMDirectoryProvider
	logger     *slog.Logger
	maxRetries int

	registryOpts []registry.Option

	reg         *registry.Client
	cacheStore  *cache.Store
	coordinator *singleflight.Coordinator
	probe       *memprobe.Probe
	sched       *scheduler.Scheduler
}

// Option configures a Client.
type Option func(*Client)

// WithOrg sets the registry organization/namespace VM images are pulled
// under (the cache is rooted at <cacheRoot>/ghcr/<org>/).
func WithOrg(org string) Option {
	return func(c *Client) { c.org = org }
}

// WithRegistryHost overrides the registry host, defaulting to "ghcr.io".
func WithRegistryHost(host string) Option {
	return func(c *Client) { c.registryOpts = append(c.registryOpts, registry.WithHost(host)) }
}

// WithRegistryBaseURL overrides the scheme+host used for registry requests,
// taking precedence over WithRegistryHost. Primarily for tests.
func WithRegistryBaseURL(baseURL string) Option {
	return func(c *Client) { c.registryOpts = append(c.registryOpts, registry.WithBaseURL(baseURL)) }
}

// WithLogger sets the logger used across every subsystem.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMaxRetries overrides the default blob-download retry budget.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryBackoffUnit overrides the registry client's per-attempt backoff
// multiplier, primarily so tests don't have to wait out the real unit.
func WithRetryBackoffUnit(d time.Duration) Option {
	return func(c *Client) { c.registryOpts = append(c.registryOpts, registry.WithRetryBackoffUnit(d)) }
}

// WithMemoryProbe overrides the memory probe, for tests that need a
// deterministic memory-constrained reading.
func WithMemoryProbe(probe *memprobe.Probe) Option {
	return func(c *Client) { c.probe = probe }
}

// NewClient creates a Client backed by settings and vmDirs, the narrow
// external collaborators described in the module's external interfaces.
func NewClient(settings config.Settings, vmDirs config.VMDirectoryProvider, opts ...Option) *Client {
	c := &Client{
		settings:   settings,
		vmDirs:     vmDirs,
		maxRetries: registry.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	registryOpts := append([]registry.Option{registry.WithLogger(c.logger)}, c.registryOpts...)
	c.reg = registry.New(registryOpts...)
	c.cacheStore = cache.New(settings.CacheDirectory(), c.org, c.logger)
	c.coordinator = singleflight.New()
	if c.probe == nil {
		c.probe = memprobe.New()
	}
	c.sched = scheduler.New(c.reg, c.cacheStore, c.coordinator, c.probe, c.logger, c.maxRetries)
	return c
}

// ListCachedImages enumerates every cached manifest under this client's
// organization, sorted by (repository, imageId).
func (c *Client) ListCachedImages() ([]CachedImage, error) {
	return index.List(c.cacheStore.OrgDir())
}
