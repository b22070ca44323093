// Package materialize atomically installs a staged artifact tree into a
// named VM directory, replacing any prior occupant.
package materialize

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DirectoryCreationFailedError reports that the destination's parent
// directory could not be created.
type DirectoryCreationFailedError struct {
	Path string
	Err  error
}

func (e *DirectoryCreationFailedError) Error() string {
	return fmt.Sprintf("materialize: create directory %s: %v", e.Path, e.Err)
}

func (e *DirectoryCreationFailedError) Unwrap() error { return e.Err }

// DirectoryAlreadyExistsError reports that the destination could not be
// cleared before install.
type DirectoryAlreadyExistsError struct {
	Path string
	Err  error
}

func (e *DirectoryAlreadyExistsError) Error() string {
	return fmt.Sprintf("materialize: clear existing directory %s: %v", e.Path, e.Err)
}

func (e *DirectoryAlreadyExistsError) Unwrap() error { return e.Err }

// Install moves the staged tree at stagingDir into destDir, replacing any
// existing contents at destDir. destDir's parent is created with any
// missing intermediates. Any existing destDir is removed before the staged
// tree is moved into place, so the new tree is never partially visible; if
// the move fails after that removal, destDir is left absent.
func Install(stagingDir, destDir string) error {
	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return &DirectoryCreationFailedError{Path: parent, Err: err}
	}

	if _, err := os.Stat(destDir); err == nil {
		if err := os.RemoveAll(destDir); err != nil {
			return &DirectoryAlreadyExistsError{Path: destDir, Err: err}
		}
	} else if !os.IsNotExist(err) {
		return &DirectoryAlreadyExistsError{Path: destDir, Err: err}
	}

	if err := os.Rename(stagingDir, destDir); err == nil {
		return nil
	}

	// Cross-filesystem rename failed; fall back to copy-then-delete,
	// renaming into place only after the full copy completes so the
	// destination is never partially visible.
	return copyThenDelete(stagingDir, destDir)
}

func copyThenDelete(stagingDir, destDir string) error {
	sibling := destDir + ".materialize-" + uuid.NewString()
	if err := copyTree(stagingDir, sibling); err != nil {
		_ = os.RemoveAll(sibling) //nolint:errcheck // best-effort cleanup of partial copy
		return fmt.Errorf("materialize: copy staged tree: %w", err)
	}
	if err := os.Rename(sibling, destDir); err != nil {
		_ = os.RemoveAll(sibling) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("materialize: rename copied tree into place: %w", err)
	}
	if err := os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("materialize: remove staging tree: %w", err)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
