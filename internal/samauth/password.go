package samauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"

	"github.com/samresearch/sam-server/internal/samerr"
)

// Argon2 tuning parameters. These match the interactive-login profile
// recommended alongside the Argon2id reference implementation: enough work
// to resist offline cracking without making every login noticeably slow.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// Password is a salted Argon2id password hash, grounded in the one-hash-type
// model of original_source's auth/password.rs (hash + salt, no plaintext
// retained).
type Password struct {
	Hash string // base64-std encoded derived key
	Salt string // base64-std encoded salt
}

// GeneratePassword hashes a freshly chosen password with a random salt.
func GeneratePassword(password string) (Password, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Password{}, errors.Wrap(err, "generate salt")
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return Password{
		Hash: base64.StdEncoding.EncodeToString(hash),
		Salt: base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// Verify recomputes the hash with the stored salt and compares in constant
// time. Returns samerr.ErrUnauthorized (wrapped) on mismatch, never revealing
// which part of the credential was wrong.
func (p Password) Verify(candidate string) error {
	salt, err := base64.StdEncoding.DecodeString(p.Salt)
	if err != nil {
		return errors.Wrap(samerr.ErrUnauthorized, "decode salt")
	}
	want, err := base64.StdEncoding.DecodeString(p.Hash)
	if err != nil {
		return errors.Wrap(samerr.ErrUnauthorized, "decode hash")
	}
	got := argon2.IDKey([]byte(candidate), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return errors.WithStack(samerr.ErrUnauthorized)
	}
	return nil
}

func (p Password) String() string {
	return fmt.Sprintf("argon2id:%s", p.Salt)
}
