package registry

import (
	"errors"
	"fmt"
)

// ErrTokenFetchFailed is returned when the registry auth endpoint did not
// return a usable bearer token.
var ErrTokenFetchFailed = errors.New("registry: token fetch failed")

// ErrManifestFetchFailed is returned when a manifest request fails, does not
// return HTTP 200, or returns a body that does not decode as a manifest. A
// response without a Docker-Content-Digest header is not rejected: the
// digest is then computed from the body.
var ErrManifestFetchFailed = errors.New("registry: manifest fetch failed")

// LayerDownloadError is returned when all retries for a single blob digest
// have been exhausted.
type LayerDownloadError struct {
	Digest string
	Err    error
}

func (e *LayerDownloadError) Error() string {
	return fmt.Sprintf("registry: download layer %s: %v", e.Digest, e.Err)
}

func (e *LayerDownloadError) Unwrap() error {
	return e.Err
}

// ErrLayerDownloadFailed is the sentinel matched by errors.Is against any
// *LayerDownloadError, regardless of digest.
var ErrLayerDownloadFailed = errors.New("registry: layer download failed")

// Is reports whether target is ErrLayerDownloadFailed, so callers can write
// errors.Is(err, registry.ErrLayerDownloadFailed) without caring about the
// specific digest.
func (e *LayerDownloadError) Is(target error) bool {
	return target == ErrLayerDownloadFailed
}
