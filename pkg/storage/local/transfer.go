package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"strings"

	"github.com/eteran/cask/internal/workpool"
	"github.com/eteran/cask/pkg/checksum"
	"github.com/eteran/cask/pkg/storage"

	"github.com/spf13/afero"
)

// verify compares the digest calc produced with the one the caller
// expected. An empty expectation accepts anything.
func verify(key string, calc checksum.Calculator, expected string) error {
	if expected == "" {
		return nil
	}

	actual := calc.Finalize()
	if !strings.EqualFold(actual, expected) {
		return &storage.ChecksumError{Key: key, Expected: expected, Actual: actual}
	}
	return nil
}

func (s *LocalObjectStorage) Upload(ctx context.Context, key string, data []byte, expected string) error {
	if err := checkObjectKey(key); err != nil {
		return err
	}

	calc := s.newCalc()
	calc.Update(data)
	if err := verify(key, calc, expected); err != nil {
		return err
	}

	return s.pool.Do(ctx, func() error {
		staged, err := createStaged(s.fs, s.path(key), s.cfg.CreateMode, s.logger)
		if err != nil {
			return fmt.Errorf("upload %q: %w", key, err)
		}
		defer staged.Discard()

		if _, err := staged.Write(data); err != nil {
			return fmt.Errorf("upload %q: %w", key, err)
		}

		if err := staged.Commit(s.cfg.CreateMode); err != nil {
			return fmt.Errorf("upload %q: %w", key, err)
		}
		return nil
	})
}

// UploadStream pulls chunks one at a time into a staging file, hashing them
// on the way. The object only replaces key once every chunk arrived, the
// size matches (when size is not -1) and the checksum matches.
func (s *LocalObjectStorage) UploadStream(ctx context.Context, key string, chunks iter.Seq2[[]byte, error], size int64, expected string) error {
	if err := checkObjectKey(key); err != nil {
		return err
	}

	staged, err := workpool.Submit(ctx, s.pool, func() (*stagedFile, error) {
		return createStaged(s.fs, s.path(key), s.cfg.CreateMode, s.logger)
	})
	if err != nil {
		return fmt.Errorf("upload %q: %w", key, err)
	}
	defer s.discard(staged)

	calc := s.newCalc()
	if err := s.drain(ctx, chunks, staged, calc); err != nil {
		return fmt.Errorf("upload %q: %w", key, err)
	}

	if size >= 0 && staged.size != size {
		return fmt.Errorf("upload %q: %w: expected %d bytes, got %d", key, storage.ErrSizeMismatch, size, staged.size)
	}

	if err := verify(key, calc, expected); err != nil {
		return err
	}

	return s.pool.Do(ctx, func() error {
		if err := staged.Commit(s.cfg.CreateMode); err != nil {
			return fmt.Errorf("upload %q: %w", key, err)
		}
		return nil
	})
}

// drain writes every chunk of seq to w and feeds it to calc.
func (s *LocalObjectStorage) drain(ctx context.Context, seq iter.Seq2[[]byte, error], w io.Writer, calc checksum.Calculator) error {
	for chunk, err := range seq {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		calc.Update(chunk)
		err := s.pool.Do(ctx, func() error {
			_, err := w.Write(chunk)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// discard removes a staging file that was never committed.
func (s *LocalObjectStorage) discard(staged *stagedFile) {
	if staged.done {
		return
	}

	// The caller may have given up already; clean up anyway.
	err := s.pool.Do(context.Background(), func() error {
		staged.Discard()
		return nil
	})
	if errors.Is(err, workpool.ErrClosed) {
		staged.Discard()
	}
}

// Download returns the object at key. With a range it returns Upper-Lower
// bytes starting at Lower, or the whole object when Upper lies beyond its
// end.
func (s *LocalObjectStorage) Download(ctx context.Context, key string, rng *storage.ByteRange) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	if rng != nil && (rng.Lower < 0 || rng.Upper < 0 || rng.Lower > rng.Upper) {
		return nil, fmt.Errorf("%w: %d-%d", storage.ErrInvalidRange, rng.Lower, rng.Upper)
	}

	return workpool.Submit(ctx, s.pool, func() ([]byte, error) {
		file, info, err := s.openObject(key)
		if err != nil {
			return nil, err
		}
		defer file.Close()

		if rng == nil || rng.Upper > info.Size() {
			data, err := io.ReadAll(file)
			if err != nil {
				return nil, fmt.Errorf("download %q: %w", key, err)
			}
			return data, nil
		}

		data := make([]byte, rng.Upper-rng.Lower)
		if _, err := file.ReadAt(data, rng.Lower); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("download %q: %w", key, err)
		}
		return data, nil
	})
}

// DownloadStream checks that key exists and returns a sequence reading it in
// chunks of chunkSize bytes. Each iteration opens the object afresh.
func (s *LocalObjectStorage) DownloadStream(ctx context.Context, key string, chunkSize int) (iter.Seq2[[]byte, error], error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	if chunkSize <= 0 {
		chunkSize = storage.DefaultChunkSize
	}

	err := s.pool.Do(ctx, func() error {
		file, _, err := s.openObject(key)
		if err != nil {
			return err
		}
		return file.Close()
	})
	if err != nil {
		return nil, err
	}

	return func(yield func([]byte, error) bool) {
		file, err := workpool.Submit(ctx, s.pool, func() (afero.File, error) {
			file, _, err := s.openObject(key)
			return file, err
		})
		if err != nil {
			yield(nil, err)
			return
		}
		defer file.Close()

		reader := &pooledReader{ctx: ctx, pool: s.pool, r: file}
		for chunk, err := range storage.ReaderChunks(reader, chunkSize) {
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}, nil
}

// openObject opens the regular file stored at key.
func (s *LocalObjectStorage) openObject(key string) (afero.File, fs.FileInfo, error) {
	file, err := s.fs.Open(s.path(key))
	if err != nil {
		return nil, nil, notFound(key, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("stat %q: %w", key, err)
	}

	if info.IsDir() {
		_ = file.Close()
		return nil, nil, fmt.Errorf("%w: %q is a directory", storage.ErrKeyNotFound, key)
	}

	return file, info, nil
}

// pooledReader performs every Read of r on the worker pool.
type pooledReader struct {
	ctx  context.Context
	pool *workpool.Pool
	r    io.Reader
}

func (r *pooledReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}

	res, err := workpool.Submit(r.ctx, r.pool, func() (result, error) {
		n, err := r.r.Read(p)
		return result{n: n, err: err}, nil
	})
	if err != nil {
		return 0, err
	}
	return res.n, res.err
}
