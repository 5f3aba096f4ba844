package storage

import (
	"bytes"
	"errors"
	"io"
	"iter"
)

// DefaultChunkSize is used by the chunk helpers when no size is given.
const DefaultChunkSize = 32 * 1024

// ReaderChunks returns a sequence reading r in chunks of at most size bytes.
// Every yielded slice is freshly allocated and may be retained. The
// sequence ends at EOF; a read error is yielded once as the final element.
func ReaderChunks(r io.Reader, size int) iter.Seq2[[]byte, error] {
	if size <= 0 {
		size = DefaultChunkSize
	}

	return func(yield func([]byte, error) bool) {
		buf := make([]byte, size)
		for {
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}

			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}

			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// BytesChunks returns a sequence yielding each of parts in order.
func BytesChunks(parts ...[]byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, part := range parts {
			if !yield(part, nil) {
				return
			}
		}
	}
}

// Collect drains seq into a single buffer, stopping at the first error.
func Collect(seq iter.Seq2[[]byte, error]) ([]byte, error) {
	var buf bytes.Buffer
	for chunk, err := range seq {
		if err != nil {
			return buf.Bytes(), err
		}
		buf.Write(chunk)
	}
	return buf.Bytes(), nil
}
