package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDo_ReturnsFirstSuccess(t *testing.T) {
	calls := 0
	out, err := Do(context.Background(), 5, Fixed(0), func() (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, out)
	require.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	out, err := Do(context.Background(), 5, Fixed(0), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 3, calls)
}

func TestDo_FailsPermanentlyAtCeiling(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := Do(context.Background(), 3, Fixed(0), func() (int, error) {
		calls++
		return 0, boom
	})
	require.Equal(t, 3, calls)
	var pe *ErrFailedPermanently
	require.ErrorAs(t, err, &pe)
	require.ErrorIs(t, err, boom)
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, 3, Fixed(time.Hour), func() (int, error) {
		return 0, errors.New("never succeeds")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExponentialStrategy_Caps(t *testing.T) {
	s := &ExponentialStrategy{Min: time.Second, Max: 10 * time.Second}
	require.Equal(t, time.Second, s.Duration(0))
	require.Equal(t, 2*time.Second, s.Duration(1))
	require.Equal(t, 8*time.Second, s.Duration(3))
	require.Equal(t, 10*time.Second, s.Duration(30))
}
