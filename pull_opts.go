package vmimage

// PullOption configures a single Pull call.
type PullOption func(*pullConfig)

type pullConfig struct {
	name     string
	location string
	progress ProgressFunc
}

// WithName sets the local VM name to materialize under, overriding the
// repository name derived from the image reference.
func WithName(name string) PullOption {
	return func(p *pullConfig) { p.name = name }
}

// WithLocation selects a named VM storage location, overriding the
// VM-directory provider's default.
func WithLocation(location string) PullOption {
	return func(p *pullConfig) { p.location = location }
}

// WithProgress registers a callback invoked as bytes are downloaded and
// reassembled during this Pull call.
func WithProgress(fn ProgressFunc) PullOption {
	return func(p *pullConfig) { p.progress = fn }
}
