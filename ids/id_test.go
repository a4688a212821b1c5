package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPairKeyOrderIndependent(t *testing.T) {
	require := require.New(t)

	require.Equal(PairKey("a", "b"), PairKey("b", "a"))
	require.Equal("a:a", PairKey("a", "a"))
	require.NotEqual(PairKey("a", "b"), PairKey("a", "c"))
}

func TestNewSecretLength(t *testing.T) {
	require := require.New(t)

	require.Len(NewSecret(16), 32)
	require.NotEqual(NewSecret(16), NewSecret(16))
}
