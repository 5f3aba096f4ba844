package storage_test

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/eteran/cask/pkg/storage"

	"github.com/stretchr/testify/require"
)

func TestReaderChunks(t *testing.T) {
	t.Parallel()

	var chunks [][]byte
	for chunk, err := range storage.ReaderChunks(bytes.NewReader([]byte("abcdefg")), 3) {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	require.Equal(t, [][]byte{[]byte("abc"), []byte("def"), []byte("g")}, chunks)
}

func TestReaderChunksSmallReads(t *testing.T) {
	t.Parallel()

	// OneByteReader forces every chunk to be assembled from several reads.
	got, err := storage.Collect(storage.ReaderChunks(iotest.OneByteReader(bytes.NewReader([]byte("lorem ipsum"))), 4))
	require.NoError(t, err, "Collect error")
	require.Equal(t, "lorem ipsum", string(got))
}

func TestReaderChunksError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	r := io.MultiReader(bytes.NewReader([]byte("ab")), iotest.ErrReader(boom))

	got, err := storage.Collect(storage.ReaderChunks(r, 8))
	require.ErrorIs(t, err, boom)
	require.Equal(t, "ab", string(got), "data before the error is kept")
}

func TestBytesChunksStopsEarly(t *testing.T) {
	t.Parallel()

	seen := 0
	for range storage.BytesChunks([]byte("a"), []byte("b"), []byte("c")) {
		seen++
		if seen == 2 {
			break
		}
	}
	require.Equal(t, 2, seen)
}
