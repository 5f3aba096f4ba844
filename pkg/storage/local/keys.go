package local

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eteran/cask/pkg/storage"

	"github.com/google/uuid"
)

// checkKey rejects keys that could escape the storage root.
func checkKey(key string) error {
	switch {
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("%w: %q is absolute", storage.ErrInvalidKey, key)
	case strings.ContainsRune(key, 0):
		return fmt.Errorf("%w: %q contains a NUL byte", storage.ErrInvalidKey, key)
	case strings.ContainsRune(key, '\\'):
		return fmt.Errorf("%w: %q contains a backslash", storage.ErrInvalidKey, key)
	}

	for segment := range strings.SplitSeq(key, "/") {
		if segment == ".." {
			return fmt.Errorf("%w: %q contains a parent segment", storage.ErrInvalidKey, key)
		}
	}

	return nil
}

// checkObjectKey is checkKey for operations that create objects. Those
// additionally need a non-empty key and may not write into the reserved
// multipart staging namespace.
func checkObjectKey(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	if strings.Trim(key, "/.") == "" {
		return fmt.Errorf("%w: key is empty", storage.ErrInvalidKey)
	}

	for segment := range strings.SplitSeq(key, "/") {
		if strings.HasSuffix(segment, storage.MultipartSuffix) {
			return fmt.Errorf("%w: %q uses the reserved %s suffix", storage.ErrInvalidKey, key, storage.MultipartSuffix)
		}
	}

	return nil
}

// path maps key onto the filesystem. The key must have passed checkKey.
func (s *LocalObjectStorage) path(key string) string {
	return filepath.Join(s.cfg.RootPath, s.cfg.WorkDirectory, filepath.FromSlash(key))
}

// Resolve returns the public URL of key. The work directory and every key
// segment are escaped individually. Keys are cleaned as if rooted, so ".."
// never climbs out of the work directory.
func (s *LocalObjectStorage) Resolve(key string) string {
	clean := strings.TrimPrefix(path.Join("/", key), "/")

	// JoinPath unescapes what it is given, so a literal '%' in a key has to
	// be escaped first to survive.
	segments := strings.Split(path.Join(s.cfg.WorkDirectory, clean), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return s.baseURL.JoinPath(segments...).String()
}

// multipartDir is the directory holding every staging area of key.
func (s *LocalObjectStorage) multipartDir(key string) string {
	return s.path(key + storage.MultipartSuffix)
}

// stagingDir is the directory holding the chunks of one upload.
func (s *LocalObjectStorage) stagingDir(key string, uploadID storage.MultipartUploadID) (string, error) {
	if _, err := uuid.Parse(uploadID.String()); err != nil {
		return "", fmt.Errorf("%w: %q", storage.ErrUploadNotFound, uploadID)
	}
	return filepath.Join(s.multipartDir(key), uploadID.String()), nil
}

// chunkName is the file name a chunk is stored under inside its staging
// directory.
func chunkName(chunk storage.Chunk) string {
	return fmt.Sprintf("%s-%d", chunk.ID, chunk.Number)
}

// parseChunkName reverses chunkName. Chunk IDs contain dashes, so the part
// number is everything after the last one.
func parseChunkName(name string) (storage.Chunk, bool) {
	idx := strings.LastIndex(name, "-")
	if idx <= 0 {
		return storage.Chunk{}, false
	}

	number, err := strconv.Atoi(name[idx+1:])
	if err != nil || number < 1 {
		return storage.Chunk{}, false
	}

	id := name[:idx]
	if _, err := uuid.Parse(id); err != nil {
		return storage.Chunk{}, false
	}

	if chunkName(storage.Chunk{ID: id, Number: number}) != name {
		return storage.Chunk{}, false
	}

	return storage.Chunk{ID: id, Number: number}, true
}
