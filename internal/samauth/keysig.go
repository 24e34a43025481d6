package samauth

import (
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/samresearch/sam-server/internal/samerr"
)

// VerifyKeySignature checks that signature is a valid Ed25519 signature by
// identityKey over publicKey's bytes, grounded in original_source's
// auth/keys.rs::verify_key.
func VerifyKeySignature(identityKey, publicKey, signature []byte) error {
	if len(identityKey) != ed25519.PublicKeySize {
		return errors.Wrap(samerr.ErrKeyVerificationFailed, "malformed identity key")
	}
	if !ed25519.Verify(ed25519.PublicKey(identityKey), publicKey, signature) {
		return errors.WithStack(samerr.ErrKeyVerificationFailed)
	}
	return nil
}
