package storage

import (
	"context"
)

// Storage is a small key/value store holding opaque records.
//
// Get returns exception.ErrStorageNotFound for a missing key. Set may return
// exception.ErrStorageQuotaExceeded when the backend refuses the value size.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Closer is implemented by backends holding a connection or file handle.
type Closer interface {
	Close() error
}

// Close closes s when it holds resources.
func Close(s Storage) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}
