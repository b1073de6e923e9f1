package receipt

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFileRepository_NotFound verifies Load returns ErrNotFound for a fresh root.
func TestFileRepository_NotFound(t *testing.T) {
	t.Parallel()

	repo := NewFileRepository(t.TempDir())

	r, err := repo.Load(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, r)
}

// TestFileRepository_SaveLoad ensures Save followed by Load returns the same receipt
// and that saving twice produces identical bytes.
func TestFileRepository_SaveLoad(t *testing.T) {
	t.Parallel()

	repo := NewFileRepository(t.TempDir())
	want := &Receipt{
		Entries: []Entry{
			{Name: "click", Version: "8.1.7", Algorithm: "sha256", Digest: "aa", File: "resources/click/click.tar.gz"},
			{Name: "rich", Algorithm: "sha256", Digest: "bb", File: "resources/rich/rich.tar.gz"},
		},
	}

	require.NoError(t, repo.Save(context.Background(), want))

	first, err := os.ReadFile(repo.Path())
	require.NoError(t, err)

	got, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)

	require.NoError(t, repo.Save(context.Background(), got))

	second, err := os.ReadFile(repo.Path())
	require.NoError(t, err)
	require.Equal(t, first, second)

	_, err = os.Stat(repo.Path() + ".tmp")
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestReceipt_PutFind replaces entries in place and keeps the first-install order.
func TestReceipt_PutFind(t *testing.T) {
	t.Parallel()

	r := new(Receipt)
	r.Put(Entry{Name: "click", Digest: "aa"})
	r.Put(Entry{Name: "rich", Digest: "bb"})
	r.Put(Entry{Name: "click", Digest: "cc"})

	require.Equal(t, []string{"click", "rich"}, r.Names())

	e, ok := r.Find("click")
	require.True(t, ok)
	require.Equal(t, "cc", e.Digest)

	_, ok = r.Find("missing")
	require.False(t, ok)
	require.Len(t, r.Entries, 2)
}
