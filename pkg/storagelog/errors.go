package storagelog

import "errors"

var (
	// ErrUnknownTenant is returned when a tenant is not part of the configured set.
	ErrUnknownTenant = errors.New("unknown tenant")

	// ErrWriteFailed wraps local filesystem failures while appending or flushing.
	// The writer that produced it is unusable until the shard is rotated.
	ErrWriteFailed = errors.New("storage log write failed")

	// ErrClosed is returned by operations on a closed service or writer.
	ErrClosed = errors.New("storage log closed")

	// ErrLocked is returned by Open when another process holds the log directory.
	ErrLocked = errors.New("storage log directory locked by another process")
)
