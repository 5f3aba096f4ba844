package local

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/afero"
)

func copyFile(fsys afero.Fs, srcPath string, destPath string, perm fs.FileMode) error {
	srcFile, err := fsys.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := fsys.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(destFile, srcFile); err != nil {
		_ = destFile.Close()
		return err
	}

	return destFile.Close()
}

// linkOrCopyFile hard links srcPath to destPath when fsys is the operating
// system's filesystem, and copies the contents otherwise or when linking
// fails. Objects are only ever replaced by rename, never rewritten in place,
// so both names keep seeing the contents they were linked with.
func linkOrCopyFile(fsys afero.Fs, srcPath string, destPath string, perm fs.FileMode) error {
	if srcPath == destPath {
		return nil
	}

	// An existing destination has to go first, otherwise linking fails and
	// the copy would write through a link shared with another object.
	if err := fsys.Remove(destPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if _, ok := fsys.(*afero.OsFs); ok {
		if err := os.Link(srcPath, destPath); err == nil {
			return nil
		}
	}

	return copyFile(fsys, srcPath, destPath, perm)
}

// copyTree copies the file or directory at srcPath to destPath.
func copyTree(fsys afero.Fs, srcPath string, destPath string, perm fs.FileMode) error {
	info, err := fsys.Stat(srcPath)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return linkOrCopyFile(fsys, srcPath, destPath, perm)
	}

	return afero.Walk(fsys, srcPath, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(srcPath, path)
		if err != nil {
			return err
		}

		target := filepath.Join(destPath, rel)
		if info.IsDir() {
			return fsys.MkdirAll(target, perm)
		}
		return linkOrCopyFile(fsys, path, target, perm)
	})
}

// moveTree renames srcPath to destPath, falling back to copy and remove
// when the two live on different devices.
func moveTree(fsys afero.Fs, srcPath string, destPath string, perm fs.FileMode) error {
	err := fsys.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	if err := copyTree(fsys, srcPath, destPath, perm); err != nil {
		return err
	}

	return fsys.RemoveAll(srcPath)
}

// within reports whether path is parent itself or lies below it.
func within(path string, parent string) bool {
	if path == parent {
		return true
	}
	return strings.HasPrefix(path, parent+string(filepath.Separator))
}

// removeIfEmpty removes the directory at path when it has no entries left.
func removeIfEmpty(fsys afero.Fs, path string) error {
	entries, err := afero.ReadDir(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	if len(entries) > 0 {
		return nil
	}

	return fsys.Remove(path)
}

// stagedFile collects the contents of a file next to its final location
// and moves it into place on Commit. Until then the target is untouched.
type stagedFile struct {
	fsys   afero.Fs
	file   afero.File
	target string
	size   int64
	logger *slog.Logger
	done   bool
}

func createStaged(fsys afero.Fs, target string, perm fs.FileMode, logger *slog.Logger) (*stagedFile, error) {
	dir, base := filepath.Split(target)
	if err := fsys.MkdirAll(dir, perm); err != nil {
		return nil, fmt.Errorf("create parent directory: %w", err)
	}

	file, err := afero.TempFile(fsys, dir, "."+base+".partial-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	return &stagedFile{
		fsys:   fsys,
		file:   file,
		target: target,
		logger: logger,
	}, nil
}

func (f *stagedFile) Write(p []byte) (int, error) {
	n, err := f.file.Write(p)
	f.size += int64(n)
	return n, err
}

// Commit moves the staged contents into place, replacing whatever is there.
func (f *stagedFile) Commit(perm fs.FileMode) error {
	if err := f.file.Close(); err != nil {
		f.Discard()
		return fmt.Errorf("close staging file: %w", err)
	}

	if err := f.fsys.Chmod(f.file.Name(), perm); err != nil {
		f.Discard()
		return fmt.Errorf("chmod staging file: %w", err)
	}

	if err := f.fsys.Rename(f.file.Name(), f.target); err != nil {
		f.Discard()
		return fmt.Errorf("rename staging file: %w", err)
	}

	f.done = true
	return nil
}

// Discard removes the staged contents. It is a no-op after Commit.
func (f *stagedFile) Discard() {
	if f.done {
		return
	}
	f.done = true

	_ = f.file.Close()
	if err := f.fsys.Remove(f.file.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		f.logger.Debug("failed to remove staging file", "path", f.file.Name(), "err", err)
	}
}
