// Package sink provides destinations for the merged segment stream.
package sink

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const bufferSize = 1 << 20

// File writes the stream to a temporary file next to the output path and
// renames it into place once complete.
type File struct {
	path string
	tmp  string
	f    *os.File
	w    *bufio.Writer
}

// NewFile creates the temporary file for path.
func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	return &File{
		path: path,
		tmp:  tmp,
		f:    f,
		w:    bufio.NewWriterSize(f, bufferSize),
	}, nil
}

// Write implements io.Writer.
func (s *File) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Close flushes, syncs and renames the file to its final path.
func (s *File) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return fmt.Errorf("failed to flush %s: %w", s.tmp, err)
	}
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("failed to sync %s: %w", s.tmp, err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", s.tmp, err)
	}
	if err := os.Rename(s.tmp, s.path); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}

// Abort closes and removes the temporary file.
func (s *File) Abort() error {
	closeErr := s.f.Close()
	if errors.Is(closeErr, os.ErrClosed) {
		closeErr = nil
	}
	if err := os.Remove(s.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return closeErr
}
