package testing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectPairs(t *testing.T) {
	require.Equal(t, [][2]int64{{10, 11}, {10, 12}, {10, 13}}, DirectPairs(10, 11, 12, 13))
	require.Empty(t, DirectPairs(10))
}

func TestReverse(t *testing.T) {
	in := []int64{1, 2, 3, 4}
	require.Equal(t, []int64{4, 3, 2, 1}, Reverse(in))
	require.Equal(t, []int64{1, 2, 3, 4}, in)
	require.Empty(t, Reverse([]string{}))
}

func TestRandString(t *testing.T) {
	s := RandString()
	require.Len(t, s, 12)
	require.NotEqual(t, s, RandString())
}
