package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMarker(t *testing.T) {
	status, err := ParseMarker([]byte("0"))
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)

	status, err = ParseMarker([]byte(" 7\n"))
	require.NoError(t, err)
	require.Equal(t, 7, status)

	status, err = ParseMarker(FormatMarker(-3))
	require.NoError(t, err)
	require.Equal(t, -3, status)

	_, err = ParseMarker([]byte("  "))
	require.ErrorIs(t, err, ErrEmptyMarker)

	status, err = ParseMarker([]byte("Done: 0"))
	require.Error(t, err)
	require.Equal(t, StatusMalformed, status)
}

func TestClampPercent(t *testing.T) {
	require.Equal(t, 0.0, ClampPercent(-5))
	require.Equal(t, 0.0, ClampPercent(math.NaN()))
	require.Equal(t, 42.5, ClampPercent(42.5))
	require.Equal(t, 100.0, ClampPercent(250))
}
