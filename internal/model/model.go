// Package model defines the core data types of the SAM server: accounts,
// devices, pre-key material, queued envelopes, and device-link tokens.
package model

import (
	"time"

	"github.com/google/uuid"
)

// AccountID uniquely identifies an account.
type AccountID uuid.UUID

// String returns the canonical textual form of the id.
func (a AccountID) String() string { return uuid.UUID(a).String() }

// ParseAccountID parses the canonical textual form of an AccountID.
func ParseAccountID(s string) (AccountID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AccountID{}, err
	}
	return AccountID(u), nil
}

// NewAccountID mints a fresh random AccountID.
func NewAccountID() AccountID {
	return AccountID(uuid.New())
}

// DeviceID identifies a device within an account. The primary device is
// always DeviceID(1).
type DeviceID uint32

// PrimaryDeviceID is the device id assigned at account registration.
const PrimaryDeviceID DeviceID = 1

// DeviceAddress is the composite key under which keys, messages, and
// subscriptions are held.
type DeviceAddress struct {
	AccountID AccountID
	DeviceID  DeviceID
}

// MessageID identifies a single queued envelope.
type MessageID uuid.UUID

// NewMessageID mints a fresh random MessageID.
func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

func (m MessageID) String() string { return uuid.UUID(m).String() }

// Account is a registered end user identity.
type Account struct {
	ID          AccountID
	Username    string
	IdentityKey []byte // Ed25519 public key, immutable after creation
	CreatedAt   time.Time
}

// DeviceActivation is the client-supplied metadata carried at registration
// and device-link time.
type DeviceActivation struct {
	Name           string
	RegistrationID uint16 // 1..16383
}

// Device is one of an account's linked clients.
type Device struct {
	AccountID      AccountID
	ID             DeviceID
	Name           string
	RegistrationID uint16
	CreatedAt      time.Time
	PasswordHash   string // encoded Argon2id hash, see internal/samauth
	PasswordSalt   string
}

// PreKey is a one-time EC pre-key; it carries no signature since it is not
// independently verifiable without the session protocol.
type PreKey struct {
	AccountID AccountID
	DeviceID  DeviceID
	KeyID     uint32
	PublicKey []byte
}

// SignedKey is common to PQ one-time, signed, and last-resort pre-keys: all
// three are signed under the owning account's identity key.
type SignedKey struct {
	AccountID AccountID
	DeviceID  DeviceID
	KeyID     uint32
	PublicKey []byte
	Signature []byte
}

// PreKeyBundle is the minimal material needed to start a session with one
// device.
type PreKeyBundle struct {
	DeviceID       DeviceID
	RegistrationID uint16
	PreKey         *PreKey    // nil if none remained
	PqPreKey       *SignedKey // always present if any PQ key was ever published
	SignedPreKey   *SignedKey // required
}

// PreKeyBundles is the per-account response to a bundle fetch: the identity
// key plus one bundle per device.
type PreKeyBundles struct {
	IdentityKey []byte
	Bundles     []PreKeyBundle
}

// PublishPreKeys is the payload of a key-publication request.
type PublishPreKeys struct {
	PreKeys          []PreKey
	PqPreKeys        []SignedKey
	SignedPreKey     *SignedKey
	LastResortPqKey  *SignedKey
}

// EnvelopeType distinguishes a data message from other session-level frames.
type EnvelopeType uint8

const (
	EnvelopeTypeMessage EnvelopeType = iota
	EnvelopeTypeAck
	EnvelopeTypeError
)

// ServerEnvelope is a queued, opaque payload en route to one destination
// device.
type ServerEnvelope struct {
	ID            MessageID
	Type          EnvelopeType
	DestAccountID AccountID
	DestDeviceID  DeviceID
	SrcAccountID  AccountID
	SrcDeviceID   DeviceID
	Content       []byte
}

// ClientEnvelope is an inbound message fanned out to one or more destination
// devices of a single destination account.
type ClientEnvelope struct {
	Type          EnvelopeType
	DestAccountID AccountID
	SrcAccountID  AccountID
	SrcDeviceID   DeviceID
	// Content is keyed by destination DeviceID; each entry becomes one
	// enqueue against that device's queue.
	Content map[DeviceID][]byte
}

// LinkToken is a minted, time-bounded device-link credential.
type LinkToken struct {
	ID        string // base64(SHA-256(Token)), used for used-token bookkeeping
	Token     string // "{accountId}.{unixMillis}:{base64url(signature)}"
	AccountID AccountID
	IssuedAt  time.Time
}

// RegistrationRequest is the payload of account creation.
type RegistrationRequest struct {
	Username    string
	Password    string
	IdentityKey []byte
	Activation  DeviceActivation
	KeyBundle   PublishPreKeys
}

// RegistrationResponse is returned on successful account creation.
type RegistrationResponse struct {
	AccountID AccountID
}

// LinkDeviceRequest is the payload of a device-link request.
type LinkDeviceRequest struct {
	Token      string
	Password   string
	Activation DeviceActivation
	KeyBundle  PublishPreKeys
}

// LinkDeviceResponse is returned on successful device linking.
type LinkDeviceResponse struct {
	AccountID AccountID
	DeviceID  DeviceID
}
