package vmimage

import (
	"errors"
	"fmt"

	"github.com/cua-run/vmimage/config"
	"github.com/cua-run/vmimage/materialize"
	"github.com/cua-run/vmimage/reassemble"
	"github.com/cua-run/vmimage/registry"
)

// ErrInvalidImageFormat is returned by Pull when the image reference is not
// of the form "name:tag" with both parts non-empty.
var ErrInvalidImageFormat = errors.New("vmimage: invalid image format, expected name:tag")

// Re-exported so callers can use errors.Is/errors.As against a single
// top-level package instead of reaching into each subsystem.
var (
	ErrTokenFetchFailed    = registry.ErrTokenFetchFailed
	ErrManifestFetchFailed = registry.ErrManifestFetchFailed
	ErrLayerDownloadFailed = registry.ErrLayerDownloadFailed
)

// LayerDownloadError is returned when all retries for a single blob digest
// have been exhausted.
type LayerDownloadError = registry.LayerDownloadError

// MissingPartError reports that a manifest advertised N parts but part n was
// not produced by the download scheduler.
type MissingPartError = reassemble.MissingPartError

// DirectoryCreationFailedError and DirectoryAlreadyExistsError report
// materializer conflicts while installing the staged tree.
type (
	DirectoryCreationFailedError = materialize.DirectoryCreationFailedError
	DirectoryAlreadyExistsError  = materialize.DirectoryAlreadyExistsError
)

// LocationNotFoundError reports that a named VM storage location is not
// configured.
type LocationNotFoundError = config.LocationNotFoundError

// DecompressionFailedError is reserved for the optional zstd decompression
// path; no recognized media type currently triggers it.
type DecompressionFailedError struct {
	File string
	Err  error
}

func (e *DecompressionFailedError) Error() string {
	return fmt.Sprintf("vmimage: decompress %s: %v", e.File, e.Err)
}

func (e *DecompressionFailedError) Unwrap() error { return e.Err }

// invalidImageFormatError carries the offending reference alongside the
// ErrInvalidImageFormat sentinel.
type invalidImageFormatError struct {
	image string
}

func (e *invalidImageFormatError) Error() string {
	return fmt.Sprintf("%s: %q", ErrInvalidImageFormat, e.image)
}

func (e *invalidImageFormatError) Unwrap() error {
	return ErrInvalidImageFormat
}
