package sync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInvalidSyncOperationError(t *testing.T) {
	err := &InvalidSyncOperationError{
		Table:     "items",
		Suggested: SyncAnchor{StoreID: mustID(t), Version: 8},
	}
	require.ErrorIs(t, err, ErrInvalidSyncOperation)
	require.Contains(t, err.Error(), `"items"`)
	require.Contains(t, err.Error(), "@8")

	wrapped := fmt.Errorf("apply failed: %w", err)
	var target *InvalidSyncOperationError
	require.ErrorAs(t, wrapped, &target)
	require.Equal(t, Version(8), target.Suggested.Version)
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrInvalidArgument,
		ErrNotInitialized,
		ErrInvalidConfig,
		ErrVersionTooOld,
		ErrWrongTarget,
		ErrConfigMismatch,
		ErrInvalidSyncOperation,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j {
				require.False(t, errors.Is(a, b))
			}
		}
	}
}
