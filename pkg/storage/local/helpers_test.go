package local_test

import (
	"testing"

	"github.com/eteran/cask/pkg/storage/local"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testPublicURL = "http://localhost/"

// eachFs runs fn against a storage on the operating system's filesystem
// and one on an in-memory filesystem.
func eachFs(t *testing.T, fn func(t *testing.T, s *local.LocalObjectStorage), opts ...local.Option) {
	t.Helper()

	t.Run("os", func(t *testing.T) {
		t.Parallel()
		fn(t, newStorage(t, append([]local.Option{local.WithRootPath(t.TempDir())}, opts...)...))
	})

	t.Run("mem", func(t *testing.T) {
		t.Parallel()
		fn(t, newStorage(t, append([]local.Option{
			local.WithRootPath("/data"),
			local.WithFs(afero.NewMemMapFs()),
		}, opts...)...))
	})
}

func newStorage(t *testing.T, opts ...local.Option) *local.LocalObjectStorage {
	t.Helper()

	s, err := local.New(append([]local.Option{
		local.WithPublicURL(testPublicURL),
		local.WithWorkers(4),
	}, opts...)...)
	require.NoError(t, err, "New error")
	t.Cleanup(s.Close)

	return s
}
