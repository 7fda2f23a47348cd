package sdboot

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPoll(t *testing.T) {
	t.Run("done", func(t *testing.T) {
		calls := 0
		n, err := poll("op", 10, func() (bool, error) {
			calls++
			return calls == 3, nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, n)
		require.Equal(t, 3, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		n, err := poll("op", 10, func() (bool, error) {
			calls++
			return false, nil
		})
		require.Equal(t, 10, n)
		require.Equal(t, 10, calls)
		require.True(t, IsTimeout(err))
		var te *TimeoutError
		require.True(t, errors.As(err, &te))
		require.Equal(t, "op", te.Op)
		require.Equal(t, 10, te.Budget)
	})

	t.Run("error stops", func(t *testing.T) {
		calls := 0
		n, err := poll("op", 10, func() (bool, error) {
			calls++
			if calls == 2 {
				return false, errBus
			}
			return false, nil
		})
		require.Equal(t, 2, n)
		require.Equal(t, errBus, err)
		require.False(t, IsTimeout(err))
	})

	t.Run("zero budget", func(t *testing.T) {
		n, err := poll("op", 0, func() (bool, error) {
			t.Fatal("fn called with zero budget")
			return true, nil
		})
		require.Zero(t, n)
		require.True(t, IsTimeout(err))
	})
}
