// Package config defines the narrow external-collaborator interfaces this
// module depends on for settings and VM directory resolution, plus a
// YAML-backed default implementation of each.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LocationNotFoundError reports that a named VM storage location is not
// configured.
type LocationNotFoundError struct {
	Name string
}

func (e *LocationNotFoundError) Error() string {
	return fmt.Sprintf("config: location %q not found", e.Name)
}

// Settings is the narrow settings-store collaborator this module needs.
type Settings interface {
	// CacheDirectory returns the root of the content-addressed cache.
	CacheDirectory() string
}

// VMDirectory is a single resolved VM home directory.
type VMDirectory struct {
	Path string
}

// VMDirectoryProvider resolves named VMs to directories, independent of how
// those directories are actually allocated or tracked.
type VMDirectoryProvider interface {
	// GetVMDirectory resolves name (optionally within locationName) to its
	// directory. locationName may be empty to use the default location.
	GetVMDirectory(name, locationName string) (VMDirectory, error)

	// Initialized reports whether the provider's backing store has been
	// set up. Neither Pull nor the image index calls it.
	Initialized() bool

	// CreateTempVMDirectory allocates a scratch directory for callers that
	// want a temporary home outside any named location.
	CreateTempVMDirectory() (VMDirectory, error)
}

// FileSettings is a YAML-backed Settings implementation.
type FileSettings struct {
	CacheRoot string `yaml:"cacheDirectory"`
}

// LoadSettings reads a YAML settings file from path.
func LoadSettings(path string) (*FileSettings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var s FileSettings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &s, nil
}

// CacheDirectory implements Settings.
func (s *FileSettings) CacheDirectory() string {
	return s.CacheRoot
}

// FileVMDirectoryProvider is a YAML-backed VMDirectoryProvider: a default
// location plus zero or more named locations, each a directory root under
// which VMs are named subdirectories.
type FileVMDirectoryProvider struct {
	Default   string            `yaml:"defaultLocation"`
	Locations map[string]string `yaml:"locations"`
}

// LoadVMDirectoryProvider reads a YAML locations file from path.
func LoadVMDirectoryProvider(path string) (*FileVMDirectoryProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var p FileVMDirectoryProvider
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &p, nil
}

// GetVMDirectory implements VMDirectoryProvider.
func (p *FileVMDirectoryProvider) GetVMDirectory(name, locationName string) (VMDirectory, error) {
	if locationName == "" {
		locationName = p.Default
	}
	root, ok := p.Locations[locationName]
	if !ok {
		return VMDirectory{}, &LocationNotFoundError{Name: locationName}
	}
	return VMDirectory{Path: filepath.Join(root, name)}, nil
}

// Initialized implements VMDirectoryProvider.
func (p *FileVMDirectoryProvider) Initialized() bool {
	return len(p.Locations) > 0
}

// CreateTempVMDirectory implements VMDirectoryProvider.
func (p *FileVMDirectoryProvider) CreateTempVMDirectory() (VMDirectory, error) {
	dir, err := os.MkdirTemp("", "vmimage-scratch-*")
	if err != nil {
		return VMDirectory{}, fmt.Errorf("config: create temp VM directory: %w", err)
	}
	return VMDirectory{Path: dir}, nil
}
