package storage

import (
	"errors"
	"fmt"
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrSizeMismatch     = errors.New("size mismatch")
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidRange     = errors.New("invalid byte range")
	ErrInvalidPart      = errors.New("invalid part number")
	ErrUploadNotFound   = errors.New("multipart upload not found")

	// ErrChunkNotFound is returned when a multipart completion references a
	// chunk that was never stored. It also matches ErrKeyNotFound.
	ErrChunkNotFound = fmt.Errorf("chunk not found: %w", ErrKeyNotFound)
)

// ChecksumError describes a digest that did not match the caller's
// expectation. It matches ErrChecksumMismatch with errors.Is.
type ChecksumError struct {
	Key      string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %q: expected %s, got %s", e.Key, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}
