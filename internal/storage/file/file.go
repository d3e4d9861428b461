// Package file stores each key as a JSON document on disk.
package file

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"syscall"

	"github.com/yanun0323/errors"

	"sitesync/pkg/exception"
)

const fileExt = ".json"

// Store writes one file per key under Dir. A positive MaxBytes rejects larger
// values with exception.ErrStorageQuotaExceeded.
type Store struct {
	Dir      string
	MaxBytes int
}

// New creates the directory if needed.
func New(dir string, maxBytes int) (*Store, error) {
	if dir == "" {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "empty storage dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir").With("dir", dir)
	}
	return &Store{Dir: dir, MaxBytes: maxBytes}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.Dir, url.PathEscape(key)+fileExt)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, exception.ErrStorageNotFound
		}
		return nil, errors.Wrap(err, "read record").With("key", key)
	}
	return data, nil
}

// Set replaces the record atomically through a temp file and rename.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	if s.MaxBytes > 0 && len(value) > s.MaxBytes {
		return exception.ErrStorageQuotaExceeded
	}
	tmp, err := os.CreateTemp(s.Dir, ".tmp-*")
	if err != nil {
		return writeErr(err, "create temp record", key)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return writeErr(err, "write record", key)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return writeErr(err, "close record", key)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return writeErr(err, "rename record", key)
	}
	return nil
}

// writeErr maps a full disk to exception.ErrStorageQuotaExceeded.
func writeErr(err error, msg, key string) error {
	if exception.Is(err, syscall.ENOSPC) {
		return errors.Wrap(exception.ErrStorageQuotaExceeded, msg).With("key", key).With("cause", err.Error())
	}
	return errors.Wrap(err, msg).With("key", key)
}

func (s *Store) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete record").With("key", key)
	}
	return nil
}
