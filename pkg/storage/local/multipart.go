package local

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"path/filepath"
	"slices"

	"github.com/eteran/cask/internal/workpool"
	"github.com/eteran/cask/pkg/checksum"
	"github.com/eteran/cask/pkg/storage"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Multipart uploads are staged under "<key>+multipart/<upload id>/", one
// file per chunk named "<chunk id>-<part number>". The staging directory
// existing is what makes an upload in flight; completing or cancelling it
// removes the directory, after which the ID is unknown.

func (s *LocalObjectStorage) CreateMultipartUpload(ctx context.Context, key string) (storage.MultipartUploadID, error) {
	if err := checkObjectKey(key); err != nil {
		return "", err
	}

	uploadID := storage.MultipartUploadID(uuid.NewString())
	dir, err := s.stagingDir(key, uploadID)
	if err != nil {
		return "", err
	}

	err = s.pool.Do(ctx, func() error {
		if err := s.fs.MkdirAll(dir, s.cfg.CreateMode); err != nil {
			return fmt.Errorf("create multipart upload for %q: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("created multipart upload", "key", key, "upload_id", uploadID)
	return uploadID, nil
}

func (s *LocalObjectStorage) UploadMultipartChunk(ctx context.Context, key string, uploadID storage.MultipartUploadID, partNumber int, data []byte) (storage.Chunk, error) {
	return s.UploadMultipartChunkStream(ctx, key, uploadID, partNumber, storage.BytesChunks(data))
}

// UploadMultipartChunkStream stores one part of an upload. Every call gets
// a fresh chunk ID, so uploading the same part number twice keeps both and
// the caller picks one when completing.
func (s *LocalObjectStorage) UploadMultipartChunkStream(ctx context.Context, key string, uploadID storage.MultipartUploadID, partNumber int, chunks iter.Seq2[[]byte, error]) (storage.Chunk, error) {
	if partNumber < 1 {
		return storage.Chunk{}, fmt.Errorf("%w: %d", storage.ErrInvalidPart, partNumber)
	}

	dir, err := s.activeUpload(ctx, key, uploadID)
	if err != nil {
		return storage.Chunk{}, err
	}

	chunk := storage.Chunk{ID: uuid.NewString(), Number: partNumber}
	target := filepath.Join(dir, chunkName(chunk))

	staged, err := workpool.Submit(ctx, s.pool, func() (*stagedFile, error) {
		return createStaged(s.fs, target, s.cfg.CreateMode, s.logger)
	})
	if err != nil {
		return storage.Chunk{}, fmt.Errorf("upload part %d of %q: %w", partNumber, key, err)
	}
	defer s.discard(staged)

	// Chunks are verified only as part of the assembled object.
	if err := s.drain(ctx, chunks, staged, discardCalculator{}); err != nil {
		return storage.Chunk{}, fmt.Errorf("upload part %d of %q: %w", partNumber, key, err)
	}

	err = s.pool.Do(ctx, func() error {
		return staged.Commit(s.cfg.CreateMode)
	})
	if err != nil {
		return storage.Chunk{}, fmt.Errorf("upload part %d of %q: %w", partNumber, key, err)
	}

	return chunk, nil
}

// CompleteMultipartUpload assembles chunks, in the order given, into the
// object at key. When a chunk is missing or the checksum does not match,
// nothing is written and the upload stays in flight so it can be retried or
// cancelled.
func (s *LocalObjectStorage) CompleteMultipartUpload(ctx context.Context, key string, uploadID storage.MultipartUploadID, chunks []storage.Chunk, expected string) error {
	dir, err := s.activeUpload(ctx, key, uploadID)
	if err != nil {
		return err
	}

	staged, err := workpool.Submit(ctx, s.pool, func() (*stagedFile, error) {
		return createStaged(s.fs, s.path(key), s.cfg.CreateMode, s.logger)
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload for %q: %w", key, err)
	}
	defer s.discard(staged)

	calc := s.newCalc()
	dest := io.MultiWriter(staged, checksum.Writer(calc))

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.pool.Do(ctx, func() error {
			return s.appendChunk(dest, dir, chunk)
		})
		if err != nil {
			return fmt.Errorf("complete multipart upload for %q: %w", key, err)
		}
	}

	if err := verify(key, calc, expected); err != nil {
		return err
	}

	err = s.pool.Do(ctx, func() error {
		if err := staged.Commit(s.cfg.CreateMode); err != nil {
			return fmt.Errorf("complete multipart upload for %q: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// The object is committed; leftover staging is only reported.
	err = s.pool.Do(ctx, func() error {
		return s.removeStaging(key, dir)
	})
	if err != nil {
		s.logger.Warn("failed to remove multipart staging", "key", key, "upload_id", uploadID, "err", err)
	}

	return nil
}

func (s *LocalObjectStorage) appendChunk(dest io.Writer, dir string, chunk storage.Chunk) error {
	if _, err := uuid.Parse(chunk.ID); err != nil || chunk.Number < 1 {
		return fmt.Errorf("%w: %s-%d", storage.ErrChunkNotFound, chunk.ID, chunk.Number)
	}

	file, err := s.fs.Open(filepath.Join(dir, chunkName(chunk)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", storage.ErrChunkNotFound, chunkName(chunk))
		}
		return err
	}
	defer file.Close()

	_, err = io.Copy(dest, file)
	return err
}

// CancelMultipartUpload removes the staging directory of uploadID together
// with every chunk in it. Other uploads for the same key are left alone.
func (s *LocalObjectStorage) CancelMultipartUpload(ctx context.Context, key string, uploadID storage.MultipartUploadID) error {
	dir, err := s.activeUpload(ctx, key, uploadID)
	if err != nil {
		return err
	}

	err = s.pool.Do(ctx, func() error {
		return s.removeStaging(key, dir)
	})
	if err != nil {
		return fmt.Errorf("cancel multipart upload for %q: %w", key, err)
	}

	s.logger.Debug("cancelled multipart upload", "key", key, "upload_id", uploadID)
	return nil
}

func (s *LocalObjectStorage) ListMultipartUploads(ctx context.Context, key string) []storage.MultipartUploadID {
	if err := checkObjectKey(key); err != nil {
		return []storage.MultipartUploadID{}
	}

	ids, err := workpool.Submit(ctx, s.pool, func() ([]storage.MultipartUploadID, error) {
		entries, err := afero.ReadDir(s.fs, s.multipartDir(key))
		if err != nil {
			return nil, err
		}

		ids := make([]storage.MultipartUploadID, 0, len(entries))
		for _, entry := range entries {
			if _, err := uuid.Parse(entry.Name()); err != nil || !entry.IsDir() {
				continue
			}
			ids = append(ids, storage.MultipartUploadID(entry.Name()))
		}
		return ids, nil
	})
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("list multipart uploads failed", "key", key, "err", err)
		}
		return []storage.MultipartUploadID{}
	}

	return ids
}

func (s *LocalObjectStorage) ListMultipartChunks(ctx context.Context, key string, uploadID storage.MultipartUploadID) ([]storage.Chunk, error) {
	dir, err := s.activeUpload(ctx, key, uploadID)
	if err != nil {
		return nil, err
	}

	chunks, err := workpool.Submit(ctx, s.pool, func() ([]storage.Chunk, error) {
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil {
			return nil, err
		}

		chunks := make([]storage.Chunk, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if chunk, ok := parseChunkName(entry.Name()); ok {
				chunks = append(chunks, chunk)
			}
		}
		return chunks, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list chunks of %q: %w", key, err)
	}

	slices.SortFunc(chunks, func(a, b storage.Chunk) int {
		return cmp.Or(cmp.Compare(a.Number, b.Number), cmp.Compare(a.ID, b.ID))
	})
	return chunks, nil
}

// activeUpload returns the staging directory of an upload that is still in
// flight.
func (s *LocalObjectStorage) activeUpload(ctx context.Context, key string, uploadID storage.MultipartUploadID) (string, error) {
	if err := checkObjectKey(key); err != nil {
		return "", err
	}

	dir, err := s.stagingDir(key, uploadID)
	if err != nil {
		return "", err
	}

	err = s.pool.Do(ctx, func() error {
		ok, err := afero.DirExists(s.fs, dir)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %q", storage.ErrUploadNotFound, uploadID)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return dir, nil
}

// removeStaging deletes one upload's staging directory and then the
// multipart directory of key once no other upload uses it.
func (s *LocalObjectStorage) removeStaging(key string, dir string) error {
	if err := s.fs.RemoveAll(dir); err != nil {
		return err
	}
	return removeIfEmpty(s.fs, s.multipartDir(key))
}

// discardCalculator is a checksum.Calculator for data nobody verifies.
type discardCalculator struct{}

func (discardCalculator) Update([]byte)    {}
func (discardCalculator) Finalize() string { return "" }
