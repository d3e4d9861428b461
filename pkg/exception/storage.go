package exception

import "github.com/yanun0323/errors"

// Storage errors
var (
	// ErrStorageQuotaExceeded is returned when a write does not fit the store's capacity.
	ErrStorageQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrStorageNotFound is returned when a key has no value.
	ErrStorageNotFound = errors.New("storage: key not found")
)
