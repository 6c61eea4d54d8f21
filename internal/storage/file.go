package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jorgepascosoto/resumable-db-dump/internal/errors"
)

// FileStorage stores blobs and dump artifacts as files under one directory.
type FileStorage struct {
	dir string
	// write is replaced in tests to simulate failing writes.
	write func(f *os.File, data []byte) (int, error)
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) Dir() string {
	return s.dir
}

// Path resolves a key to a file inside the storage directory.
func (s *FileStorage) Path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.dir, clean), nil
}

func (s *FileStorage) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, errors.NewStorageError("get", s.dir, key, err)
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NewStorageError("get", s.dir, key, errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.NewStorageError("get", s.dir, key, err)
	}
	return data, nil
}

// Put replaces the file atomically by writing a temp file and renaming it.
func (s *FileStorage) Put(ctx context.Context, key string, data []byte) error {
	path, err := s.Path(key)
	if err != nil {
		return errors.NewStorageError("put", s.dir, key, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.NewStorageError("put", s.dir, key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.NewStorageError("put", s.dir, key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewStorageError("put", s.dir, key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewStorageError("put", s.dir, key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.NewStorageError("put", s.dir, key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.NewStorageError("put", s.dir, key, err)
	}
	return nil
}

// Append adds data to the end of the file, creating it if needed, and syncs
// before returning so a confirmed append survives a crash. A failed append is
// truncated away so the file never ends in a partial write.
func (s *FileStorage) Append(ctx context.Context, key string, data []byte) error {
	path, err := s.Path(key)
	if err != nil {
		return errors.NewStorageError("append", s.dir, key, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.NewStorageError("append", s.dir, key, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.NewStorageError("append", s.dir, key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.NewStorageError("append", s.dir, key, err)
	}
	size := info.Size()

	write := s.write
	if write == nil {
		write = (*os.File).Write
	}
	if _, err := write(f, data); err != nil {
		return s.rollback(f, key, size, err)
	}
	if err := f.Sync(); err != nil {
		return s.rollback(f, key, size, err)
	}
	if err := f.Close(); err != nil {
		return errors.NewStorageError("append", s.dir, key, err)
	}
	return nil
}

// rollback cuts the file back to size after a failed append and closes it.
func (s *FileStorage) rollback(f *os.File, key string, size int64, cause error) error {
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return errors.NewStorageError("append", s.dir, key, fmt.Errorf("%w (truncate failed: %v)", cause, err))
	}
	if err := f.Sync(); err != nil {
		return errors.NewStorageError("append", s.dir, key, fmt.Errorf("%w (sync after truncate failed: %v)", cause, err))
	}
	return errors.NewStorageError("append", s.dir, key, cause)
}

// Delete removes the file. Missing files are not an error.
func (s *FileStorage) Delete(ctx context.Context, key string) error {
	path, err := s.Path(key)
	if err != nil {
		return errors.NewStorageError("delete", s.dir, key, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewStorageError("delete", s.dir, key, err)
	}
	return nil
}

func (s *FileStorage) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.Path(key)
	if err != nil {
		return false, errors.NewStorageError("stat", s.dir, key, err)
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.NewStorageError("stat", s.dir, key, err)
	}
	return true, nil
}

// Open returns the artifact for reading along with its size.
func (s *FileStorage) Open(key string) (io.ReadCloser, int64, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, 0, errors.NewStorageError("open", s.dir, key, err)
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, errors.NewStorageError("open", s.dir, key, errors.ErrNotFound)
	}
	if err != nil {
		return nil, 0, errors.NewStorageError("open", s.dir, key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.NewStorageError("open", s.dir, key, err)
	}
	return f, info.Size(), nil
}
