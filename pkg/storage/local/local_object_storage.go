// Package local implements storage.ObjectStorage on top of a directory tree.
//
// An object key maps directly onto a path below the configured root (and
// work directory). Writes are staged in a temporary file next to their
// target and renamed into place once their checksum has been verified, so a
// reader sees either the previous object or the complete new one. Every
// blocking filesystem call runs on a bounded worker pool.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"path/filepath"

	"github.com/eteran/cask/internal/workpool"
	"github.com/eteran/cask/pkg/checksum"
	"github.com/eteran/cask/pkg/storage"

	"github.com/spf13/afero"
)

// LocalObjectStorage stores objects as files on an afero filesystem.
type LocalObjectStorage struct {
	cfg     Configuration
	fs      afero.Fs
	baseURL *url.URL
	newCalc func() checksum.Calculator
	pool    *workpool.Pool
	logger  *slog.Logger

	// ownsPool is set when Close should shut the pool down.
	ownsPool bool
}

var _ storage.ObjectStorage = (*LocalObjectStorage)(nil)

// New creates a storage with its own worker pool. Call Close to release it.
func New(opts ...Option) (*LocalObjectStorage, error) {
	cfg, err := NewConfiguration(opts...)
	if err != nil {
		return nil, err
	}

	s, err := newStorage(cfg, workpool.New(cfg.Workers))
	if err != nil {
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

func newStorage(cfg Configuration, pool *workpool.Pool) (*LocalObjectStorage, error) {
	baseURL, err := url.Parse(cfg.PublicURL)
	if err != nil {
		return nil, fmt.Errorf("parse public url: %w", err)
	}

	newCalc, err := checksum.Factory(cfg.Checksum)
	if err != nil {
		return nil, err
	}

	return &LocalObjectStorage{
		cfg:     cfg,
		fs:      cfg.Fs,
		baseURL: baseURL,
		newCalc: newCalc,
		pool:    pool,
		logger:  cfg.Logger.With("driver", DriverID),
	}, nil
}

// Close waits for in-flight filesystem calls and releases the worker pool
// when the storage owns it. Storages made by a Driver share its pool and
// are released by Driver.Shutdown instead.
func (s *LocalObjectStorage) Close() {
	if s.ownsPool {
		s.pool.Close()
	}
}

// Configuration returns the settings the storage was built with.
func (s *LocalObjectStorage) Configuration() Configuration {
	return s.cfg
}

func (s *LocalObjectStorage) NewChecksumCalculator() checksum.Calculator {
	return s.newCalc()
}

func (s *LocalObjectStorage) Create(ctx context.Context, key string) error {
	if err := checkObjectKey(key); err != nil {
		return err
	}

	return s.pool.Do(ctx, func() error {
		if err := s.fs.MkdirAll(s.path(key), s.cfg.CreateMode); err != nil {
			return fmt.Errorf("create %q: %w", key, err)
		}
		return nil
	})
}

func (s *LocalObjectStorage) List(ctx context.Context, key string) []string {
	if err := checkKey(key); err != nil {
		s.logger.Debug("list rejected key", "key", key, "err", err)
		return []string{}
	}

	names, err := workpool.Submit(ctx, s.pool, func() ([]string, error) {
		entries, err := afero.ReadDir(s.fs, s.path(key))
		if err != nil {
			return nil, err
		}

		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		return names, nil
	})
	if err != nil {
		s.logger.Debug("list failed", "key", key, "err", err)
		return []string{}
	}

	return names
}

func (s *LocalObjectStorage) Exists(ctx context.Context, key string) bool {
	if err := checkKey(key); err != nil {
		return false
	}

	exists, err := workpool.Submit(ctx, s.pool, func() (bool, error) {
		return afero.Exists(s.fs, s.path(key))
	})
	if err != nil {
		s.logger.Debug("exists failed", "key", key, "err", err)
		return false
	}

	return exists
}

func (s *LocalObjectStorage) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	// Deleting the root would take every object with it.
	path := s.path(key)
	if path == s.path("") {
		return fmt.Errorf("%w: key is empty", storage.ErrInvalidKey)
	}

	return s.pool.Do(ctx, func() error {
		if err := s.fs.RemoveAll(path); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
		return nil
	})
}

func (s *LocalObjectStorage) Copy(ctx context.Context, source string, destination string) (string, error) {
	srcPath, destPath, err := s.transferPaths(source, destination)
	if err != nil {
		return "", err
	}

	if srcPath == destPath {
		if err := s.requireExists(ctx, source, srcPath); err != nil {
			return "", err
		}
		return s.Resolve(destination), nil
	}

	err = s.pool.Do(ctx, func() error {
		if _, err := s.fs.Stat(srcPath); err != nil {
			return notFound(source, err)
		}

		if err := s.replace(destPath); err != nil {
			return fmt.Errorf("copy %q to %q: %w", source, destination, err)
		}

		if err := copyTree(s.fs, srcPath, destPath, s.cfg.CreateMode); err != nil {
			return fmt.Errorf("copy %q to %q: %w", source, destination, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return s.Resolve(destination), nil
}

func (s *LocalObjectStorage) Move(ctx context.Context, source string, destination string) (string, error) {
	srcPath, destPath, err := s.transferPaths(source, destination)
	if err != nil {
		return "", err
	}

	if srcPath == destPath {
		if err := s.requireExists(ctx, source, srcPath); err != nil {
			return "", err
		}
		return s.Resolve(destination), nil
	}

	err = s.pool.Do(ctx, func() error {
		if _, err := s.fs.Stat(srcPath); err != nil {
			return notFound(source, err)
		}

		if err := s.replace(destPath); err != nil {
			return fmt.Errorf("move %q to %q: %w", source, destination, err)
		}

		if err := moveTree(s.fs, srcPath, destPath, s.cfg.CreateMode); err != nil {
			return fmt.Errorf("move %q to %q: %w", source, destination, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return s.Resolve(destination), nil
}

// transferPaths validates the keys of a copy or move and maps them onto the
// filesystem. Neither key may contain the other, since replacing the
// destination would then destroy the source.
func (s *LocalObjectStorage) transferPaths(source string, destination string) (string, string, error) {
	if err := checkKey(source); err != nil {
		return "", "", err
	}

	if err := checkObjectKey(destination); err != nil {
		return "", "", err
	}

	srcPath := s.path(source)
	destPath := s.path(destination)
	if srcPath == s.path("") {
		return "", "", fmt.Errorf("%w: source key is empty", storage.ErrInvalidKey)
	}

	if srcPath != destPath && (within(destPath, srcPath) || within(srcPath, destPath)) {
		return "", "", fmt.Errorf("%w: %q and %q overlap", storage.ErrInvalidKey, source, destination)
	}

	return srcPath, destPath, nil
}

// replace clears path and makes sure its parent exists.
func (s *LocalObjectStorage) replace(path string) error {
	if err := s.fs.RemoveAll(path); err != nil {
		return err
	}
	return s.fs.MkdirAll(filepath.Dir(path), s.cfg.CreateMode)
}

func (s *LocalObjectStorage) requireExists(ctx context.Context, key string, path string) error {
	return s.pool.Do(ctx, func() error {
		if _, err := s.fs.Stat(path); err != nil {
			return notFound(key, err)
		}
		return nil
	})
}

// notFound maps a missing path onto storage.ErrKeyNotFound and wraps any
// other failure as is.
func notFound(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %q", storage.ErrKeyNotFound, key)
	}
	return fmt.Errorf("stat %q: %w", key, err)
}
