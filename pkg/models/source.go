package models

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// Source is a readable file handle staged for upload
type Source interface {
	Path() string
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// LocalFile is a Source backed by a file on disk
type LocalFile struct {
	path string
	size int64
}

// NewLocalFile stats path and returns a Source for it
func NewLocalFile(path string) (*LocalFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &LocalFile{path: path, size: info.Size()}, nil
}

func (f *LocalFile) Path() string { return f.path }
func (f *LocalFile) Name() string { return filepath.Base(f.path) }
func (f *LocalFile) Size() int64  { return f.size }

func (f *LocalFile) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// MemFile is an in-memory Source
type MemFile struct {
	FileName string
	Data     []byte
}

func (f *MemFile) Path() string { return f.FileName }
func (f *MemFile) Name() string { return filepath.Base(f.FileName) }
func (f *MemFile) Size() int64  { return int64(len(f.Data)) }

func (f *MemFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.Data)), nil
}
