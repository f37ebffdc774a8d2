package file

import (
	"errors"
	"fmt"
	"os"
)

const appDirPerm os.FileMode = 0o750

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dirPath string) error {
	if dirPath == "" {
		return errors.New("empty dir path")
	}
	if err := os.MkdirAll(dirPath, appDirPerm); err != nil { //nolint:gosec // app-owned data dir
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

// ReplaceFile atomically moves a fully written temporary file over the
// destination. Callers create the temp file in the destination's directory
// so the rename never crosses filesystems.
func ReplaceFile(tmpPath, destPath string) error {
	if tmpPath == "" || destPath == "" {
		return errors.New("empty path")
	}

	// remove existing file to avoid permission issues on Windows
	if _, err := os.Stat(destPath); err == nil {
		// ignore error; if remove fails, rename may still succeed on POSIX
		_ = os.Remove(destPath)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}
