package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyFormat(t *testing.T) {
	raw, prefix, hashed, err := GenerateKey()
	require.NoError(t, err)

	gotPrefix, secret, ok := strings.Cut(raw, ".")
	require.True(t, ok)
	assert.Equal(t, prefix, gotPrefix)
	assert.Len(t, prefix, 8)
	assert.NotEmpty(t, secret)
	assert.NotContains(t, hashed, secret)
}

func TestVerifySecretRoundTrip(t *testing.T) {
	raw, _, hashed, err := GenerateKey()
	require.NoError(t, err)
	_, secret, _ := strings.Cut(raw, ".")

	assert.True(t, VerifySecret(secret, hashed))
	assert.False(t, VerifySecret(secret+"x", hashed))
	assert.False(t, VerifySecret("", hashed))
}

func TestGenerateKeyUnique(t *testing.T) {
	_, p1, _, err := GenerateKey()
	require.NoError(t, err)
	_, p2, _, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
}
