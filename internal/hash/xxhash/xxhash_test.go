package xxhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashStable(t *testing.T) {
	t.Parallel()

	h := New()

	a, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 16)

	c, err := h.Hash([]byte("hello worlds"))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestHashEmpty(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash(nil)
	require.NoError(t, err)
	require.Len(t, got, 16)
}
