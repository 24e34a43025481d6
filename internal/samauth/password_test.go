package samauth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samresearch/sam-server/internal/samerr"
)

func TestPasswordRoundTrip(t *testing.T) {
	pw, err := GeneratePassword("correct horse battery staple")
	require.NoError(t, err)
	require.NotEmpty(t, pw.Hash)
	require.NotEmpty(t, pw.Salt)

	require.NoError(t, pw.Verify("correct horse battery staple"))

	err = pw.Verify("wrong password")
	require.True(t, samerr.Is(err, samerr.KindUnauthorized))
}

func TestPasswordDistinctSalts(t *testing.T) {
	a, err := GeneratePassword("same-password")
	require.NoError(t, err)
	b, err := GeneratePassword("same-password")
	require.NoError(t, err)

	require.NotEqual(t, a.Salt, b.Salt)
	require.NotEqual(t, a.Hash, b.Hash)
}
