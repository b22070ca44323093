package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSettingsCacheDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cacheDirectory: /var/cache/vmimage\n"), 0o644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	require.Equal(t, "/var/cache/vmimage", s.CacheDirectory())
}

func TestGetVMDirectoryUsesDefaultLocation(t *testing.T) {
	p := &FileVMDirectoryProvider{
		Default: "local",
		Locations: map[string]string{
			"local": "/home/user/.vmimage/vms",
		},
	}

	dir, err := p.GetVMDirectory("myvm", "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/home/user/.vmimage/vms", "myvm"), dir.Path)
}

func TestGetVMDirectoryUnknownLocation(t *testing.T) {
	p := &FileVMDirectoryProvider{Locations: map[string]string{"local": "/tmp"}}

	_, err := p.GetVMDirectory("myvm", "external-disk")
	require.Error(t, err)

	var notFound *LocationNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "external-disk", notFound.Name)
}

func TestInitialized(t *testing.T) {
	require.False(t, (&FileVMDirectoryProvider{}).Initialized())
	require.True(t, (&FileVMDirectoryProvider{Locations: map[string]string{"local": "/tmp"}}).Initialized())
}

func TestCreateTempVMDirectory(t *testing.T) {
	p := &FileVMDirectoryProvider{}
	dir, err := p.CreateTempVMDirectory()
	require.NoError(t, err)
	defer os.RemoveAll(dir.Path)

	info, err := os.Stat(dir.Path)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
