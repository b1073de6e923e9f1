package provisioner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestProvision_CreatesDirectories creates all three directories, including intermediate ones.
func TestProvision_CreatesDirectories(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "var", "snipvault")

	state, err := New().Provision(context.Background(), base)
	require.NoError(t, err)
	require.Equal(t, base, state.BaseDir)
	require.Len(t, state.Directories, 3)

	for _, name := range []string{StateDir, LogsDir, CacheDir} {
		path, ok := state.Path(name)
		require.True(t, ok)

		info, statErr := os.Stat(path)
		require.NoError(t, statErr)
		require.True(t, info.IsDir())
	}

	for _, d := range state.Directories {
		require.True(t, d.Created)
	}
}

// TestProvision_Idempotent treats existing directories as success.
func TestProvision_Idempotent(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	p := New()

	_, err := p.Provision(context.Background(), base)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(base, LogsDir, "snipvault.log"), []byte("kept"), 0o600))

	state, err := p.Provision(context.Background(), base)
	require.NoError(t, err)

	for _, d := range state.Directories {
		require.False(t, d.Created)
	}

	data, err := os.ReadFile(filepath.Join(base, LogsDir, "snipvault.log"))
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), data)

	_, ok := state.Path("missing")
	require.False(t, ok)
}

// TestProvision_Collision fails when a runtime path is a regular file.
func TestProvision_Collision(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, CacheDir), []byte("x"), 0o600))

	_, err := New().Provision(context.Background(), base)
	require.ErrorIs(t, err, errNotDirectory)

	var provisionErr *Error
	require.True(t, errors.As(err, &provisionErr))
	require.Equal(t, filepath.Join(base, CacheDir), provisionErr.Path)
}

// TestProvision_BaseIsFile fails when the base directory is a regular file.
func TestProvision_BaseIsFile(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "base")
	require.NoError(t, os.WriteFile(base, []byte("x"), 0o600))

	_, err := New().Provision(context.Background(), base)

	var provisionErr *Error
	require.True(t, errors.As(err, &provisionErr))
}

// TestProvision_RepairsOwnerPermissions adds missing owner bits on existing directories.
func TestProvision_RepairsOwnerPermissions(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}

	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, StateDir), 0o500))

	state, err := New().Provision(context.Background(), base)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(base, StateDir))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o700), info.Mode().Perm()&0o700)
	require.Equal(t, info.Mode().Perm(), state.Directories[0].Mode)
}
