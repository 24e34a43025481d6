package samauth

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samresearch/sam-server/internal/samerr"
)

func TestVerifyKeySignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	keyMaterial := []byte("a pre-key's public bytes")
	sig := ed25519.Sign(priv, keyMaterial)

	require.NoError(t, VerifyKeySignature(pub, keyMaterial, sig))

	tampered := append([]byte{}, keyMaterial...)
	tampered[0] ^= 0xFF
	err = VerifyKeySignature(pub, tampered, sig)
	require.True(t, samerr.Is(err, samerr.KindKeyVerificationFailed))
}

func TestVerifyKeySignatureMalformedIdentityKey(t *testing.T) {
	err := VerifyKeySignature([]byte("too-short"), []byte("key"), []byte("sig"))
	require.True(t, samerr.Is(err, samerr.KindKeyVerificationFailed))
}
