package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// ErrRootUnreadable reports an enumeration root (or a subtree under it)
// that could not be read. Enumeration is fail-fast: a partial listing is
// never returned.
var ErrRootUnreadable = errors.New("root directory unreadable")

// Root is one content directory selected for export. Label becomes the
// top-level directory of the entries inside the archive.
type Root struct {
	Label string
	Dir   string
}

// File pairs a source path with the entry name it gets inside the archive.
type File struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// Files walks the root depth-first in lexical order and returns every
// regular file under it. Directories and symlinks are never collected and
// symlinked directories are not descended into, so link cycles cannot
// occur. Entry names are <label>/<path within root> with forward slashes.
func Files(root Root) ([]File, error) {
	if root.Dir == "" {
		return nil, fmt.Errorf("%w: empty root dir", ErrRootUnreadable)
	}
	absDir, err := filepath.Abs(root.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, root.Dir, err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, absDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s: not a directory", ErrRootUnreadable, absDir)
	}

	var files []File
	walkErr := filepath.WalkDir(absDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRootUnreadable, p, err)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(absDir, p)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRootUnreadable, p, err)
		}
		files = append(files, File{
			Path: p,
			Name: path.Join(root.Label, filepath.ToSlash(rel)),
		})
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return files, nil
}
