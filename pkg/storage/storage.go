package storage

import (
	"context"
	"iter"

	"github.com/eteran/cask/pkg/checksum"
)

// MultipartSuffix is appended to an object key to form the directory that
// holds the staging areas of its in-flight multipart uploads.
const MultipartSuffix = "+multipart"

// MultipartUploadID identifies a single in-flight multipart upload.
type MultipartUploadID string

func (id MultipartUploadID) String() string {
	return string(id)
}

// Chunk is one uploaded part of a multipart upload. ID is generated per
// upload call, Number is the part number supplied by the caller.
type Chunk struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
}

// ByteRange selects a window of an object. Reads return Upper-Lower bytes
// starting at Lower.
type ByteRange struct {
	Lower int64
	Upper int64
}

// ObjectStorage defines the contract a storage driver exposes to its host.
// Objects are addressed by slash separated keys.
type ObjectStorage interface {
	// Resolve returns the public URL of key.
	Resolve(key string) string

	// NewChecksumCalculator returns a fresh calculator using the algorithm
	// the storage verifies uploads with.
	NewChecksumCalculator() checksum.Calculator

	// Create ensures a directory exists at key, creating any missing parents.
	Create(ctx context.Context, key string) error

	// List returns the immediate child names of the directory at key. An empty
	// key lists the storage root. Files and missing keys have no children.
	List(ctx context.Context, key string) []string

	// Exists reports whether anything is stored at key. It never fails; any
	// error is reported as false.
	Exists(ctx context.Context, key string) bool

	// Delete recursively removes whatever is stored at key. Deleting a
	// missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Copy replaces destination with a copy of source and returns the public
	// URL of destination.
	Copy(ctx context.Context, source string, destination string) (string, error)

	// Move relocates source to destination and returns the public URL of
	// destination.
	Move(ctx context.Context, source string, destination string) (string, error)

	// Upload stores data at key. When expected is not empty the digest of
	// data must match it.
	Upload(ctx context.Context, key string, data []byte, expected string) error

	// UploadStream stores the chunks produced by chunks at key. A size of -1
	// means the total length is unknown.
	UploadStream(ctx context.Context, key string, chunks iter.Seq2[[]byte, error], size int64, expected string) error

	// Download returns the object at key, or the selected window of it when
	// rng is not nil.
	Download(ctx context.Context, key string, rng *ByteRange) ([]byte, error)

	// DownloadStream returns the object at key as a sequence of chunks of at
	// most chunkSize bytes.
	DownloadStream(ctx context.Context, key string, chunkSize int) (iter.Seq2[[]byte, error], error)

	// CreateMultipartUpload starts a new multipart upload for key.
	CreateMultipartUpload(ctx context.Context, key string) (MultipartUploadID, error)

	// UploadMultipartChunk stores data as one part of the upload.
	UploadMultipartChunk(ctx context.Context, key string, uploadID MultipartUploadID, partNumber int, data []byte) (Chunk, error)

	// UploadMultipartChunkStream stores the produced chunks as one part of
	// the upload.
	UploadMultipartChunkStream(ctx context.Context, key string, uploadID MultipartUploadID, partNumber int, chunks iter.Seq2[[]byte, error]) (Chunk, error)

	// CompleteMultipartUpload concatenates chunks, in the given order, into
	// the object at key and ends the upload.
	CompleteMultipartUpload(ctx context.Context, key string, uploadID MultipartUploadID, chunks []Chunk, expected string) error

	// CancelMultipartUpload discards the upload and every chunk stored for it.
	CancelMultipartUpload(ctx context.Context, key string, uploadID MultipartUploadID) error

	// ListMultipartUploads returns the IDs of the in-flight uploads for key.
	ListMultipartUploads(ctx context.Context, key string) []MultipartUploadID

	// ListMultipartChunks returns the chunks stored for the upload, ordered
	// by part number.
	ListMultipartChunks(ctx context.Context, key string, uploadID MultipartUploadID) ([]Chunk, error)
}
