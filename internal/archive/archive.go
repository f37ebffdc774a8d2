package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"siteexport/internal/file"
)

// ErrOpen reports that an archive session could not be started, typically
// because an existing archive is unreadable or corrupt.
var ErrOpen = errors.New("cannot open archive")

// Writer is one append session on a ZIP archive. A session writes to a
// temporary file in the destination directory and only replaces the
// destination on Close, so the archive on disk is a complete, valid ZIP
// at every point in time. Abort discards the session leaving the previous
// archive intact.
type Writer struct {
	destPath string
	tmpFile  *os.File
	zw       *zip.Writer
}

// Create starts a session for a brand new archive. Any existing file at
// path is replaced on Close.
func Create(path string) (*Writer, error) {
	return newSession(path)
}

// OpenAppend starts a session that keeps every entry already present in
// the archive at path. Existing entries are transferred raw (no
// recompression). A missing archive behaves like Create.
func OpenAppend(path string) (*Writer, error) {
	w, err := newSession(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return w, nil
		}
		w.Abort()
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		w.Abort()
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	for _, f := range zr.File {
		if err := w.zw.Copy(f); err != nil {
			_ = zr.Close()
			w.Abort()
			return nil, fmt.Errorf("%w: %s: carry entry %s: %v", ErrOpen, path, f.Name, err)
		}
	}
	if err := zr.Close(); err != nil {
		w.Abort()
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	return w, nil
}

func newSession(destPath string) (*Writer, error) {
	dir := filepath.Dir(destPath)
	if err := file.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	tmpFile, err := os.CreateTemp(dir, ".archive-*.zip")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp: %v", ErrOpen, err)
	}
	return &Writer{
		destPath: destPath,
		tmpFile:  tmpFile,
		zw:       zip.NewWriter(tmpFile),
	}, nil
}

// Add streams the source file into the archive under the given entry name.
func (w *Writer) Add(srcPath, name string) error {
	src, err := os.Open(srcPath) //nolint:gosec // paths come from the task's enumerated file list
	if err != nil {
		return fmt.Errorf("open source %s: %w", srcPath, err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source %s: %w", srcPath, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("header for %s: %w", srcPath, err)
	}
	header.Name = name
	header.Method = zip.Deflate

	entry, err := w.zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := io.Copy(entry, src); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// Close finalizes the central directory, flushes the temp file to disk and
// atomically moves it over the destination.
func (w *Writer) Close() error {
	if err := w.zw.Close(); err != nil {
		w.discardTemp()
		return fmt.Errorf("close zip writer: %w", err)
	}
	if err := w.tmpFile.Sync(); err != nil {
		w.discardTemp()
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := w.tmpFile.Close(); err != nil {
		_ = os.Remove(w.tmpFile.Name())
		return fmt.Errorf("close archive: %w", err)
	}
	if err := file.ReplaceFile(w.tmpFile.Name(), w.destPath); err != nil {
		_ = os.Remove(w.tmpFile.Name())
		return fmt.Errorf("publish archive: %w", err)
	}
	return nil
}

// Abort discards the session. The destination archive, if any, is left
// exactly as it was before the session started.
func (w *Writer) Abort() {
	_ = w.zw.Close()
	w.discardTemp()
}

func (w *Writer) discardTemp() {
	_ = w.tmpFile.Close()
	_ = os.Remove(w.tmpFile.Name())
}
