package shm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	a1, err := DeriveKey("/tmp/orders")
	require.NoError(t, err)
	a2, err := DeriveKey("/tmp/orders")
	require.NoError(t, err)
	b, err := DeriveKey("/tmp/quotes")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)

	seen := map[Key]string{}
	for i := 0; i < 1000; i++ {
		name := fmt.Sprintf("segment-%d", i)
		k, err := DeriveKey(name)
		require.NoError(t, err)
		assert.Positive(t, int32(k), name)
		if prev, ok := seen[k]; ok {
			t.Fatalf("%s and %s share key %s", prev, name, k)
		}
		seen[k] = name
	}
}

func TestDeriveKeyEmptyName(t *testing.T) {
	_, err := DeriveKey("")
	assert.True(t, IsKind(err, KindConfiguration))
	assert.ErrorIs(t, err, ErrInvalidName)
}
