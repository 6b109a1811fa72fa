// Package mapfile opens a binary read-only and maps it into memory.
package mapfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/hashicorp/go-multierror"
)

// File is a read-only mapping of a file on disk. Data stays valid until Close.
type File struct {
	Path string
	Data []byte

	m mmap.MMap
	f *os.File
}

// Open maps path read-only. Empty files are not mapped and yield an empty Data.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open object file: %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %s: %w", path, err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("failed to open object file: %s: is a directory", path)
	}

	mf := &File{Path: path, f: f}
	if fi.Size() == 0 {
		mf.Data = []byte{}
		return mf, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap file: %s: %w", path, err)
	}
	mf.m = m
	mf.Data = m
	return mf, nil
}

// Name returns the base name of the mapped file.
func (mf *File) Name() string {
	return filepath.Base(mf.Path)
}

// Close unmaps the memory and closes the underlying file.
func (mf *File) Close() error {
	var result *multierror.Error
	if mf.m != nil {
		if err := mf.m.Unmap(); err != nil {
			result = multierror.Append(result, fmt.Errorf("munmap: %w", err))
		}
		mf.m = nil
	}
	mf.Data = nil
	if mf.f != nil {
		if err := mf.f.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close: %w", err))
		}
		mf.f = nil
	}
	return result.ErrorOrNil()
}
