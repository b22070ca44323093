// Package registry implements the OCI registry client: anonymous pulls,
// manifest fetches, and blob downloads with retry, built on oras-go's
// remote repository and auth client.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
)

const (
	// userAgent identifies this client to registries.
	userAgent = "vmimage/1.0"

	// requestTimeout bounds how long we wait for a response's headers to
	// start arriving.
	requestTimeout = 60 * time.Second

	// resourceTimeout bounds an entire blob download end to end.
	resourceTimeout = 3600 * time.Second

	// DefaultMaxRetries is the default number of attempts for DownloadBlob.
	DefaultMaxRetries = 5

	// retryBackoffUnit is multiplied by the attempt number between retries.
	retryBackoffUnit = 5 * time.Second
)

// Client talks to a single OCI registry host, authenticating and retrying
// through a shared oras-go auth.Client.
type Client struct {
	baseURL     string // scheme://host, overridable for tests
	host        string // registry host; the default request target when no base URL is set
	refHost     string // host[:port] used to build repository references
	plainHTTP   bool
	logger      *slog.Logger
	backoffUnit time.Duration

	authClient *auth.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHost sets the registry host used as the connection target when no
// base URL is set. Defaults to "ghcr.io".
func WithHost(host string) Option {
	return func(c *Client) {
		c.host = host
		if c.baseURL == "" {
			c.baseURL = "https://" + host
		}
	}
}

// WithBaseURL overrides the scheme and host used for requests, taking
// precedence over WithHost. Primarily useful in tests to point the client at
// an httptest.Server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRetryBackoffUnit overrides the per-attempt backoff multiplier used by
// DownloadBlob, primarily so tests don't have to wait out the real 5-second
// unit.
func WithRetryBackoffUnit(d time.Duration) Option {
	return func(c *Client) {
		c.backoffUnit = d
	}
}

// New creates a registry client for ghcr.io, or another host set via
// WithHost.
func New(opts ...Option) *Client {
	c := &Client{host: "ghcr.io", backoffUnit: retryBackoffUnit}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = "https://" + c.host
	}

	c.refHost = c.host
	if u, err := url.Parse(c.baseURL); err == nil && u.Host != "" {
		c.refHost = u.Host
		c.plainHTTP = u.Scheme == "http"
	}

	transport := singleConnTransport()
	transport.ResponseHeaderTimeout = requestTimeout
	httpClient := &http.Client{
		Timeout:   resourceTimeout,
		Transport: transport,
	}

	c.authClient = &auth.Client{
		Client: httpClient,
		Cache:  auth.NewCache(),
		Credential: func(context.Context, string) (auth.Credential, error) {
			// Pulls are always anonymous; no credential store is wired.
			return auth.EmptyCredential, nil
		},
		Header: http.Header{"User-Agent": []string{userAgent}},
	}
	return c
}

// singleConnTransport limits requests to one connection per host, so
// concurrent layer downloads don't open a flood of parallel TCP connections
// against a single registry.
func singleConnTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxConnsPerHost = 1
	t.MaxIdleConnsPerHost = 1
	return t
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// repository builds the oras-go repository handle for repository, wired to
// the shared auth client so tokens are cached and reused across calls.
func (c *Client) repository(repository string) (*remote.Repository, error) {
	repo, err := remote.NewRepository(c.refHost + "/" + repository)
	if err != nil {
		return nil, fmt.Errorf("parse reference %q: %w", repository, err)
	}
	repo.PlainHTTP = c.plainHTTP
	repo.Client = c.authClient
	return repo, nil
}

// AcquireToken validates that repository can be pulled anonymously and warms
// the auth client's token cache for the manifest and blob requests that
// follow. The returned value is an opaque marker: the actual bearer tokens
// are negotiated transparently, per request, by the shared auth client.
func (c *Client) AcquireToken(ctx context.Context, repository string) (string, error) {
	repo, err := c.repository(repository)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenFetchFailed, err)
	}

	reqCtx := auth.AppendRepositoryScope(ctx, repo.Reference, auth.ActionPull)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/v2/", nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenFetchFailed, err)
	}

	resp, err := c.authClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrTokenFetchFailed, resp.StatusCode)
	}

	c.log().Debug("acquired registry credentials", "repository", repository)
	return "anonymous", nil
}

// FetchManifest retrieves the manifest for repository:tag and its resolved
// digest. token is accepted for interface symmetry with DownloadBlob but
// unused: authentication is handled transparently by the shared auth client.
func (c *Client) FetchManifest(ctx context.Context, repository, tag, token string) (*ocispec.Manifest, string, error) {
	repo, err := c.repository(repository)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrManifestFetchFailed, err)
	}

	desc, rc, err := repo.FetchReference(ctx, tag)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrManifestFetchFailed, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, desc.Size))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", ErrManifestFetchFailed, err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, "", fmt.Errorf("%w: decode body: %v", ErrManifestFetchFailed, err)
	}

	digestStr := desc.Digest.String()
	c.log().Debug("fetched manifest", "repository", repository, "tag", tag, "digest", digestStr)
	return &manifest, digestStr, nil
}

// DownloadBlob downloads repository's blob at blobDigest (size bytes) to
// destinationPath, retrying up to maxRetries times (maxRetries <= 0 uses
// DefaultMaxRetries). The response is streamed to a temp file in
// destinationPath's directory and moved atomically into place on success.
// token is accepted for interface symmetry with FetchManifest but unused.
func (c *Client) DownloadBlob(ctx context.Context, repository, blobDigest, mediaType, token, destinationPath string, size int64, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	dgst, err := digest.Parse(blobDigest)
	if err != nil {
		return &LayerDownloadError{Digest: blobDigest, Err: fmt.Errorf("parse digest: %w", err)}
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	desc := ocispec.Descriptor{Digest: dgst, Size: size, MediaType: mediaType}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return &LayerDownloadError{Digest: blobDigest, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt-1) * c.backoffUnit):
			}
		}

		err := c.downloadBlobOnce(ctx, repository, desc, destinationPath)
		if err == nil {
			return nil
		}
		lastErr = err
		c.log().Debug("blob download attempt failed", "digest", blobDigest, "attempt", attempt, "error", err)
	}

	return &LayerDownloadError{Digest: blobDigest, Err: lastErr}
}

func (c *Client) downloadBlobOnce(ctx context.Context, repository string, desc ocispec.Descriptor, destinationPath string) error {
	repo, err := c.repository(repository)
	if err != nil {
		return err
	}

	rc, err := repo.Fetch(ctx, desc)
	if err != nil {
		return err
	}
	defer rc.Close()

	dir := filepath.Dir(destinationPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once renamed

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, destinationPath)
}
