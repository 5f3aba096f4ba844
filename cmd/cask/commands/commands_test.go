package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eteran/cask/pkg/storage"

	"github.com/stretchr/testify/require"
)

// cask runs one command line in-process against a fresh command tree.
func cask(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()

	c := newCLI()

	var out bytes.Buffer
	c.root.SetOut(&out)
	c.root.SetArgs(append([]string{"--root", root, "--public-url", "http://localhost/", "--log-level", "error"}, args...))

	err := c.execute(t.Context())
	return out.String(), err
}

func mustCask(t *testing.T, root string, args ...string) string {
	t.Helper()

	out, err := cask(t, root, args...)
	require.NoError(t, err, "cask %s", strings.Join(args, " "))
	return out
}

func TestObjectCommands(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	root := filepath.Join(dir, "objects")

	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("lorem ipsum dolor sit amet"), 0o600))

	out := mustCask(t, root, "put", "--compute", "docs/a.txt", src)
	require.Contains(t, out, "http://localhost/docs/a.txt")

	require.Equal(t, "lorem ipsum dolor sit amet", mustCask(t, root, "get", "docs/a.txt"))

	mustCask(t, root, "cp", "docs/a.txt", "docs/b.txt")
	require.Equal(t, "http://localhost/docs/c.txt\n", mustCask(t, root, "mv", "docs/b.txt", "docs/c.txt"))
	require.ElementsMatch(t, []string{"a.txt", "c.txt"}, strings.Fields(mustCask(t, root, "ls", "docs")))

	require.Equal(t, "or", mustCask(t, root, "get", "--range", "1-3", "docs/c.txt"))
	mustCask(t, root, "get", "docs/c.txt", filepath.Join(dir, "out.txt"))
	got, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "lorem ipsum dolor sit amet", string(got))

	_, err = cask(t, root, "put", "--digest", "00000000", "docs/bad.txt", src)
	require.Error(t, err, "a wrong digest should fail the upload")

	missing := filepath.Join(dir, "missing.txt")
	_, err = cask(t, root, "get", "docs/missing.txt", missing)
	require.ErrorIs(t, err, storage.ErrKeyNotFound)
	require.NoFileExists(t, missing, "a failed download should not leave an output file")

	_, err = cask(t, root, "get", "--range", "0-4", "docs/missing.txt", missing)
	require.ErrorIs(t, err, storage.ErrKeyNotFound)
	require.NoFileExists(t, missing)

	mustCask(t, root, "rm", "docs")
	_, err = cask(t, root, "exists", "docs/a.txt")
	require.Error(t, err, "removed keys should not exist")
}

func TestMultipartCommands(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	root := filepath.Join(dir, "objects")

	first := filepath.Join(dir, "part1")
	second := filepath.Join(dir, "part2")
	require.NoError(t, os.WriteFile(first, []byte("lorem ipsum "), 0o600))
	require.NoError(t, os.WriteFile(second, []byte("dolor sit amet"), 0o600))

	uploadID := strings.TrimSpace(mustCask(t, root, "multipart", "create", "big.txt"))
	require.NotEmpty(t, uploadID)
	require.Equal(t, uploadID+"\n", mustCask(t, root, "multipart", "ls", "big.txt"))

	mustCask(t, root, "multipart", "upload", "big.txt", uploadID, "2", second)
	mustCask(t, root, "multipart", "upload", "big.txt", uploadID, "1", first)

	chunks := strings.Fields(mustCask(t, root, "multipart", "ls", "big.txt", uploadID))
	require.Len(t, chunks, 2)
	require.True(t, strings.HasSuffix(chunks[0], "-1"), "chunks are listed by part number")

	mustCask(t, root, "multipart", "complete", "big.txt", uploadID)
	require.Equal(t, "lorem ipsum dolor sit amet", mustCask(t, root, "get", "big.txt"))

	_, err := cask(t, root, "multipart", "abort", "big.txt", uploadID)
	require.Error(t, err, "a completed upload cannot be aborted")

	_, err = cask(t, root, "multipart", "stale")
	require.ErrorIs(t, err, errJournalDisabled)

	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("0123456789"), 0o600))

	out := mustCask(t, root, "put", "--multipart", "--part-size", "4", "--compute", "parts.txt", src)
	require.Contains(t, out, "in 3 parts")
	require.Equal(t, "0123456789", mustCask(t, root, "get", "parts.txt"))
	require.Empty(t, mustCask(t, root, "multipart", "ls", "parts.txt"), "completed uploads leave nothing in flight")
}

func TestCommandsRunRepeatedly(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "objects")

	// Each run sees its own context and flag values.
	for range 3 {
		uploadID := strings.TrimSpace(mustCask(t, root, "multipart", "create", "again.txt"))
		mustCask(t, root, "multipart", "abort", "again.txt", uploadID)
	}

	mustCask(t, root, "mkdir", "dir")
	require.Equal(t, "http://localhost/dir\n", mustCask(t, root, "exists", "dir"))
}
