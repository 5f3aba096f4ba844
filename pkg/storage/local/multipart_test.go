package local_test

import (
	"strconv"
	"testing"

	"github.com/eteran/cask/pkg/storage"
	"github.com/eteran/cask/pkg/storage/local"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func chunkKey(key string, uploadID storage.MultipartUploadID, chunk storage.Chunk) string {
	return key + storage.MultipartSuffix + "/" + uploadID.String() + "/" + chunk.ID + "-" + strconv.Itoa(chunk.Number)
}

func TestMultipartUpload(t *testing.T) {
	t.Parallel()

	eachFs(t, func(t *testing.T, s *local.LocalObjectStorage) {
		ctx := t.Context()
		key := "dir02/test-04.txt"

		uploadID, err := s.CreateMultipartUpload(ctx, key)
		require.NoError(t, err, "CreateMultipartUpload error")
		require.True(t, s.Exists(ctx, key+storage.MultipartSuffix+"/"+uploadID.String()), "staging directory should exist")

		first, err := s.UploadMultipartChunk(ctx, key, uploadID, 1, []byte("lorem ipsum"))
		require.NoError(t, err, "UploadMultipartChunk error")
		require.Equal(t, 1, first.Number)
		require.True(t, s.Exists(ctx, chunkKey(key, uploadID, first)), "chunk file should exist")

		second, err := s.UploadMultipartChunk(ctx, key, uploadID, 2, []byte(" dolor sit amet"))
		require.NoError(t, err, "UploadMultipartChunk error")
		require.True(t, s.Exists(ctx, chunkKey(key, uploadID, second)), "chunk file should exist")

		want := []byte("lorem ipsum dolor sit amet")
		err = s.CompleteMultipartUpload(ctx, key, uploadID, []storage.Chunk{first, second}, mustSum(t, want))
		require.NoError(t, err, "CompleteMultipartUpload error")

		got, err := s.Download(ctx, key, nil)
		require.NoError(t, err, "Download error")
		require.Equal(t, want, got)

		require.False(t, s.Exists(ctx, key+storage.MultipartSuffix), "staging should be removed on completion")
		require.Equal(t, []string{"test-04.txt"}, s.List(ctx, "dir02"))

		err = s.CancelMultipartUpload(ctx, key, uploadID)
		require.ErrorIs(t, err, storage.ErrUploadNotFound, "a completed upload is unknown")

		_, err = s.UploadMultipartChunk(ctx, key, uploadID, 3, []byte("late"))
		require.ErrorIs(t, err, storage.ErrUploadNotFound)
	})
}

func TestMultipartCompleteUsesCallerOrder(t *testing.T) {
	t.Parallel()

	eachFs(t, func(t *testing.T, s *local.LocalObjectStorage) {
		ctx := t.Context()

		uploadID, err := s.CreateMultipartUpload(ctx, "order.txt")
		require.NoError(t, err, "CreateMultipartUpload error")

		a, err := s.UploadMultipartChunk(ctx, "order.txt", uploadID, 1, []byte("a"))
		require.NoError(t, err)
		b, err := s.UploadMultipartChunkStream(ctx, "order.txt", uploadID, 2, storage.BytesChunks([]byte("b"), []byte("b")))
		require.NoError(t, err)

		require.NoError(t, s.CompleteMultipartUpload(ctx, "order.txt", uploadID, []storage.Chunk{b, a}, ""), "CompleteMultipartUpload error")

		got, err := s.Download(ctx, "order.txt", nil)
		require.NoError(t, err, "Download error")
		require.Equal(t, "bba", string(got))
	})
}

func TestMultipartCompleteFailuresKeepStaging(t *testing.T) {
	t.Parallel()

	eachFs(t, func(t *testing.T, s *local.LocalObjectStorage) {
		ctx := t.Context()
		key := "retry.txt"

		uploadID, err := s.CreateMultipartUpload(ctx, key)
		require.NoError(t, err, "CreateMultipartUpload error")
		chunk, err := s.UploadMultipartChunk(ctx, key, uploadID, 1, []byte("payload"))
		require.NoError(t, err)

		missing := storage.Chunk{ID: uuid.NewString(), Number: 2}
		err = s.CompleteMultipartUpload(ctx, key, uploadID, []storage.Chunk{chunk, missing}, "")
		require.ErrorIs(t, err, storage.ErrChunkNotFound)
		require.ErrorIs(t, err, storage.ErrKeyNotFound, "a missing chunk is also a missing key")
		require.False(t, s.Exists(ctx, key))

		err = s.CompleteMultipartUpload(ctx, key, uploadID, []storage.Chunk{{ID: "../../escape", Number: 1}}, "")
		require.ErrorIs(t, err, storage.ErrChunkNotFound, "chunk IDs are never used as paths unchecked")

		err = s.CompleteMultipartUpload(ctx, key, uploadID, []storage.Chunk{chunk}, "12345678")
		require.ErrorIs(t, err, storage.ErrChecksumMismatch)
		require.False(t, s.Exists(ctx, key))
		require.True(t, s.Exists(ctx, chunkKey(key, uploadID, chunk)), "staging should survive a failed completion")
		require.Equal(t, []string{key + storage.MultipartSuffix}, s.List(ctx, ""), "failed completions leave no staging files next to the target")

		require.NoError(t, s.CompleteMultipartUpload(ctx, key, uploadID, []storage.Chunk{chunk}, mustSum(t, []byte("payload"))), "retry should succeed")

		got, err := s.Download(ctx, key, nil)
		require.NoError(t, err, "Download error")
		require.Equal(t, []byte("payload"), got)
	})
}

func TestMultipartCancelOnlyTouchesOneUpload(t *testing.T) {
	t.Parallel()

	eachFs(t, func(t *testing.T, s *local.LocalObjectStorage) {
		ctx := t.Context()
		key := "shared.bin"

		first, err := s.CreateMultipartUpload(ctx, key)
		require.NoError(t, err)
		second, err := s.CreateMultipartUpload(ctx, key)
		require.NoError(t, err)
		require.NotEqual(t, first, second)
		require.ElementsMatch(t, []storage.MultipartUploadID{first, second}, s.ListMultipartUploads(ctx, key))

		_, err = s.UploadMultipartChunk(ctx, key, first, 1, []byte("one"))
		require.NoError(t, err)
		kept, err := s.UploadMultipartChunk(ctx, key, second, 1, []byte("two"))
		require.NoError(t, err)

		require.NoError(t, s.CancelMultipartUpload(ctx, key, first), "CancelMultipartUpload error")
		require.False(t, s.Exists(ctx, key+storage.MultipartSuffix+"/"+first.String()))
		require.True(t, s.Exists(ctx, chunkKey(key, second, kept)), "other uploads should survive")
		require.Equal(t, []storage.MultipartUploadID{second}, s.ListMultipartUploads(ctx, key))

		require.ErrorIs(t, s.CancelMultipartUpload(ctx, key, first), storage.ErrUploadNotFound, "cancelling twice fails")

		require.NoError(t, s.CancelMultipartUpload(ctx, key, second), "CancelMultipartUpload error")
		require.False(t, s.Exists(ctx, key+storage.MultipartSuffix), "the multipart directory goes with the last upload")
		require.Empty(t, s.ListMultipartUploads(ctx, key))
	})
}

func TestMultipartChunks(t *testing.T) {
	t.Parallel()

	eachFs(t, func(t *testing.T, s *local.LocalObjectStorage) {
		ctx := t.Context()
		key := "parts.bin"

		uploadID, err := s.CreateMultipartUpload(ctx, key)
		require.NoError(t, err)

		third, err := s.UploadMultipartChunk(ctx, key, uploadID, 3, []byte("c"))
		require.NoError(t, err)
		first, err := s.UploadMultipartChunk(ctx, key, uploadID, 1, []byte("a"))
		require.NoError(t, err)
		again, err := s.UploadMultipartChunk(ctx, key, uploadID, 1, []byte("A"))
		require.NoError(t, err)
		require.NotEqual(t, first.ID, again.ID, "each upload gets its own chunk ID")

		chunks, err := s.ListMultipartChunks(ctx, key, uploadID)
		require.NoError(t, err, "ListMultipartChunks error")
		require.Len(t, chunks, 3, "duplicate part numbers never overwrite")
		require.ElementsMatch(t, []storage.Chunk{first, again}, chunks[:2])
		require.Equal(t, third, chunks[2])

		require.NoError(t, s.CompleteMultipartUpload(ctx, key, uploadID, []storage.Chunk{again, third}, ""))
		got, err := s.Download(ctx, key, nil)
		require.NoError(t, err)
		require.Equal(t, "Ac", string(got))
	})
}

func TestMultipartRejectsBadInput(t *testing.T) {
	t.Parallel()

	eachFs(t, func(t *testing.T, s *local.LocalObjectStorage) {
		ctx := t.Context()
		key := "bad.bin"

		uploadID, err := s.CreateMultipartUpload(ctx, key)
		require.NoError(t, err)

		_, err = s.UploadMultipartChunk(ctx, key, uploadID, 0, []byte("x"))
		require.ErrorIs(t, err, storage.ErrInvalidPart)

		unknown := storage.MultipartUploadID(uuid.NewString())
		_, err = s.UploadMultipartChunk(ctx, key, unknown, 1, []byte("x"))
		require.ErrorIs(t, err, storage.ErrUploadNotFound)

		_, err = s.UploadMultipartChunk(ctx, key, "../../etc", 1, []byte("x"))
		require.ErrorIs(t, err, storage.ErrUploadNotFound)

		_, err = s.ListMultipartChunks(ctx, key, unknown)
		require.ErrorIs(t, err, storage.ErrUploadNotFound)

		require.ErrorIs(t, s.CompleteMultipartUpload(ctx, key, unknown, nil, ""), storage.ErrUploadNotFound)

		_, err = s.CreateMultipartUpload(ctx, "x+multipart")
		require.ErrorIs(t, err, storage.ErrInvalidKey)

		_, err = s.UploadMultipartChunk(ctx, "other.bin", uploadID, 1, []byte("x"))
		require.ErrorIs(t, err, storage.ErrUploadNotFound, "upload IDs are scoped to their key")
	})
}
