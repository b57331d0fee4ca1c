// Package preflight provides the checks that run before a job archives
// anything. All checks are stateless except EnsureDestination, which creates
// the destination directory.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-archive/pkg/util"
)

var (
	ErrSourceNotFound     = errors.New("source directory does not exist")
	ErrSourceNotDirectory = errors.New("source path is not a directory")
)

// CheckSourceAccessible validates that the source path exists and is a directory.
// Symlinks are followed.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSourceNotFound, srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("%w: %s", ErrSourceNotDirectory, srcPath)
	}
	return nil
}

// CheckDestinationAccessible performs checks to ensure the destination is usable
// before os.MkdirAll is attempted, giving friendlier errors:
//  1. On Windows, the drive or network share must exist.
//  2. If the destination exists, it must be a directory.
func CheckDestinationAccessible(destPath string) error {
	if err := checkVolumeExists(destPath); err != nil {
		return err
	}

	info, err := os.Stat(destPath)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access destination path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("destination path exists but is not a directory: %s", destPath)
	}
	return nil
}

// EnsureDestination creates the destination directory and any missing parents.
func EnsureDestination(destPath string) error {
	if err := os.MkdirAll(destPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", destPath, err)
	}
	return nil
}

// CheckDestinationWritable ensures an existing destination directory accepts
// new files by creating and deleting a probe file.
func CheckDestinationWritable(destPath string) error {
	info, err := os.Stat(destPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("destination directory does not exist: %s", destPath)
	} else if err != nil {
		return fmt.Errorf("cannot access destination path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("destination path exists but is not a directory: %s", destPath)
	}

	probe := filepath.Join(destPath, ".pgl-archive-writetest.tmp")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("destination directory %s is not writable: %w", destPath, err)
	}
	f.Close()
	_ = os.Remove(probe)
	return nil
}
