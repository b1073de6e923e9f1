package prerequisite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	t.Parallel()

	require.NoError(t, Check(context.Background(), nil))
	require.NoError(t, Check(context.Background(), []string{"sh"}))

	err := Check(context.Background(), []string{"snipvault-absent-one", "sh", "snipvault-absent-two"})
	require.ErrorIs(t, err, ErrMissing)

	var missingErr *MissingError
	require.True(t, errors.As(err, &missingErr))
	require.Equal(t, []string{"snipvault-absent-one", "snipvault-absent-two"}, missingErr.Names)
	require.Contains(t, err.Error(), "snipvault-absent-one, snipvault-absent-two")
}

func TestCheck_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, Check(ctx, []string{"sh"}), context.Canceled)
}
