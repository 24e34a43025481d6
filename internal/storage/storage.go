// Package storage defines the persistence contracts required by the SAM
// service layer: AccountStore, DeviceStore, KeyStore, and MessageStore.
// Concrete backends (memory, SQL, Redis) implement these interfaces;
// services hold them as plain fields rather than a single bundled type,
// per SPEC_FULL.md §9's "no higher-kinded abstraction" design note.
package storage

import (
	"context"
	"time"

	"github.com/samresearch/sam-server/internal/model"
)

// AccountStore persists Account rows and the used-link-token set.
type AccountStore interface {
	AddAccount(ctx context.Context, account model.Account) error
	GetAccount(ctx context.Context, id model.AccountID) (model.Account, error)
	DeleteAccount(ctx context.Context, id model.AccountID) error

	// AddUsedLinkToken records tokenID as spent, failing with
	// samerr.ErrLinkTokenReused if it was already recorded. Required to make
	// device linking exactly-once (SPEC_FULL.md §9).
	AddUsedLinkToken(ctx context.Context, tokenID string, issuedAt time.Time) error

	// GC discards used-token bookkeeping older than the link-token validity
	// window, bounding storage growth (SPEC_FULL.md §12).
	GC(ctx context.Context, now time.Time) (int64, error)
}

// DeviceStore persists Device rows.
type DeviceStore interface {
	AddDevice(ctx context.Context, device model.Device) error
	GetDevice(ctx context.Context, addr model.DeviceAddress) (model.Device, error)
	GetAllDevices(ctx context.Context, accountID model.AccountID) ([]model.Device, error)
	DeleteDevice(ctx context.Context, addr model.DeviceAddress) error
}

// KeyStore persists pre-key material for each device.
type KeyStore interface {
	// AddOneTimePreKeys appends unsigned EC one-time pre-keys.
	AddOneTimePreKeys(ctx context.Context, keys []model.PreKey) error
	// PopOneTimePreKey removes and returns one EC one-time pre-key for addr,
	// or (nil, nil) if none remain.
	PopOneTimePreKey(ctx context.Context, addr model.DeviceAddress) (*model.PreKey, error)

	// AddOneTimePqPreKeys appends signed PQ one-time pre-keys.
	AddOneTimePqPreKeys(ctx context.Context, keys []model.SignedKey) error
	// PopOneTimePqPreKey removes and returns one PQ one-time pre-key for addr,
	// or (nil, nil) if none remain.
	PopOneTimePqPreKey(ctx context.Context, addr model.DeviceAddress) (*model.SignedKey, error)

	// SetSignedPreKey replaces the single current signed pre-key for addr.
	SetSignedPreKey(ctx context.Context, key model.SignedKey) error
	GetSignedPreKey(ctx context.Context, addr model.DeviceAddress) (*model.SignedKey, error)

	// SetLastResortPqPreKey replaces the persistent last-resort PQ key.
	SetLastResortPqPreKey(ctx context.Context, key model.SignedKey) error
	GetLastResortPqPreKey(ctx context.Context, addr model.DeviceAddress) (*model.SignedKey, error)

	// DeleteDeviceKeys removes all key material for addr (account/device teardown).
	DeleteDeviceKeys(ctx context.Context, addr model.DeviceAddress) error
}

// MessageStore persists queued ServerEnvelopes per device address. The live
// subscription channel is owned by internal/router, not by the store: a
// store only needs to durably hold the queue.
type MessageStore interface {
	PushMessage(ctx context.Context, env model.ServerEnvelope) error
	GetMessage(ctx context.Context, addr model.DeviceAddress, id model.MessageID) (model.ServerEnvelope, error)
	DeleteMessage(ctx context.Context, addr model.DeviceAddress, id model.MessageID) error
	MessageIDs(ctx context.Context, addr model.DeviceAddress) ([]model.MessageID, error)
	DeleteAllMessages(ctx context.Context, addr model.DeviceAddress) error
}
