package checksum_test

import (
	"io"
	"strings"
	"testing"

	"github.com/eteran/cask/pkg/checksum"

	"github.com/stretchr/testify/require"
)

func TestKnownDigests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		alg  checksum.Algorithm
		want string
	}{
		{checksum.CRC32, "3610a686"},
		{checksum.MD5, "5d41402abc4b2a76b9719d911017c592"},
		{checksum.SHA256, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
	}

	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			got, err := checksum.Sum(tt.alg, []byte("hello"))
			require.NoError(t, err, "Sum error")
			require.Equal(t, tt.want, got, "digest mismatch")
		})
	}
}

func TestIncrementalMatchesOneShot(t *testing.T) {
	t.Parallel()

	payload := []byte("lorem ipsum dolor sit amet")

	for _, alg := range checksum.Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			want, err := checksum.Sum(alg, payload)
			require.NoError(t, err, "Sum error")

			calc, err := checksum.New(alg)
			require.NoError(t, err, "New error")
			calc.Update(payload[:11])
			calc.Update(payload[11:])

			require.Equal(t, want, calc.Finalize(), "incremental digest should match one-shot digest")
		})
	}
}

func TestDigestsAreLowercaseHex(t *testing.T) {
	t.Parallel()

	for _, alg := range checksum.Algorithms() {
		got, err := checksum.Sum(alg, []byte("file storage test 01"))
		require.NoError(t, err, "Sum error")
		require.NotEmpty(t, got)
		require.Equal(t, strings.ToLower(got), got, "digest for %s should be lowercase", alg)
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	t.Parallel()

	_, err := checksum.New("rot13")
	require.Error(t, err, "expected error for unknown algorithm")

	_, err = checksum.Factory("rot13")
	require.Error(t, err, "expected error for unknown algorithm")
}

func TestWriterFeedsCalculator(t *testing.T) {
	t.Parallel()

	calc, err := checksum.New(checksum.SHA256)
	require.NoError(t, err)

	_, err = io.Copy(checksum.Writer(calc), strings.NewReader("hello"))
	require.NoError(t, err, "copy into checksum writer")
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", calc.Finalize())
}

type countingCalculator struct {
	n int
}

func (c *countingCalculator) Update(data []byte) { c.n += len(data) }
func (c *countingCalculator) Finalize() string   { return strings.Repeat("x", c.n) }

func TestWriterWrapsPlainCalculator(t *testing.T) {
	t.Parallel()

	calc := &countingCalculator{}
	_, err := io.WriteString(checksum.Writer(calc), "abc")
	require.NoError(t, err)
	require.Equal(t, "xxx", calc.Finalize())
}
