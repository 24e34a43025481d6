package service

import (
	"context"

	"github.com/pkg/errors"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/samauth"
	"github.com/samresearch/sam-server/internal/samerr"
	"github.com/samresearch/sam-server/internal/storage"
)

// KeyService implements spec §4.6: signature-verified publication and
// one-time-key-consuming bundle assembly, grounded in original_source's
// logic/keys.rs.
type KeyService struct {
	Devices storage.DeviceStore
	Keys    storage.KeyStore
}

// Publish verifies and applies a batch of key material for one device.
// Every signature is checked before any store write, so a signature
// failure aborts the call with no partial writes applied (spec §4.6).
func (k *KeyService) Publish(ctx context.Context, accountID model.AccountID, deviceID model.DeviceID, identityKey []byte, bundle model.PublishPreKeys) error {
	for i := range bundle.PqPreKeys {
		bundle.PqPreKeys[i].AccountID = accountID
		bundle.PqPreKeys[i].DeviceID = deviceID
		if err := samauth.VerifyKeySignature(identityKey, bundle.PqPreKeys[i].PublicKey, bundle.PqPreKeys[i].Signature); err != nil {
			return err
		}
	}
	if bundle.SignedPreKey != nil {
		if err := samauth.VerifyKeySignature(identityKey, bundle.SignedPreKey.PublicKey, bundle.SignedPreKey.Signature); err != nil {
			return err
		}
	}
	if bundle.LastResortPqKey != nil {
		if err := samauth.VerifyKeySignature(identityKey, bundle.LastResortPqKey.PublicKey, bundle.LastResortPqKey.Signature); err != nil {
			return err
		}
	}

	// All signatures validated; apply in order. EC one-time keys carry no
	// signature and are appended unconditionally per spec §4.6.
	if len(bundle.PreKeys) > 0 {
		for i := range bundle.PreKeys {
			bundle.PreKeys[i].AccountID = accountID
			bundle.PreKeys[i].DeviceID = deviceID
		}
		if err := k.Keys.AddOneTimePreKeys(ctx, bundle.PreKeys); err != nil {
			return errors.Wrap(err, "add one-time pre-keys")
		}
	}
	if len(bundle.PqPreKeys) > 0 {
		if err := k.Keys.AddOneTimePqPreKeys(ctx, bundle.PqPreKeys); err != nil {
			return errors.Wrap(err, "add one-time pq pre-keys")
		}
	}
	if bundle.SignedPreKey != nil {
		key := *bundle.SignedPreKey
		key.AccountID, key.DeviceID = accountID, deviceID
		if err := k.Keys.SetSignedPreKey(ctx, key); err != nil {
			return errors.Wrap(err, "set signed pre-key")
		}
	}
	if bundle.LastResortPqKey != nil {
		key := *bundle.LastResortPqKey
		key.AccountID, key.DeviceID = accountID, deviceID
		if err := k.Keys.SetLastResortPqPreKey(ctx, key); err != nil {
			return errors.Wrap(err, "set last-resort pq key")
		}
	}

	return nil
}

// AssembleBundle pops one EC one-time key (if any) and one PQ one-time key
// (falling back to the persistent last-resort key), and reads the required
// signed pre-key, per spec §4.6.
func (k *KeyService) AssembleBundle(ctx context.Context, addr model.DeviceAddress) (model.PreKeyBundle, error) {
	device, err := k.Devices.GetDevice(ctx, addr)
	if err != nil {
		return model.PreKeyBundle{}, err
	}

	preKey, err := k.Keys.PopOneTimePreKey(ctx, addr)
	if err != nil {
		return model.PreKeyBundle{}, errors.Wrap(err, "pop one-time pre-key")
	}

	pqKey, err := k.Keys.PopOneTimePqPreKey(ctx, addr)
	if err != nil {
		return model.PreKeyBundle{}, errors.Wrap(err, "pop one-time pq pre-key")
	}
	if pqKey == nil {
		pqKey, err = k.Keys.GetLastResortPqPreKey(ctx, addr)
		if err != nil {
			return model.PreKeyBundle{}, errors.Wrap(err, "get last-resort pq key")
		}
	}
	if pqKey == nil {
		return model.PreKeyBundle{}, errors.WithStack(samerr.ErrNoPqKey)
	}

	signedKey, err := k.Keys.GetSignedPreKey(ctx, addr)
	if err != nil {
		return model.PreKeyBundle{}, errors.Wrap(err, "get signed pre-key")
	}
	if signedKey == nil {
		return model.PreKeyBundle{}, errors.WithStack(samerr.ErrNoSignedKey)
	}

	return model.PreKeyBundle{
		DeviceID:       device.ID,
		RegistrationID: device.RegistrationID,
		PreKey:         preKey,
		PqPreKey:       pqKey,
		SignedPreKey:   signedKey,
	}, nil
}

// AssembleForAccount returns the account's identity key plus one bundle per
// device, iterated in ascending device id order.
func (k *KeyService) AssembleForAccount(ctx context.Context, account model.Account) (model.PreKeyBundles, error) {
	devices, err := k.Devices.GetAllDevices(ctx, account.ID)
	if err != nil {
		return model.PreKeyBundles{}, errors.Wrap(err, "list devices")
	}

	bundles := make([]model.PreKeyBundle, 0, len(devices))
	for _, d := range devices {
		addr := model.DeviceAddress{AccountID: account.ID, DeviceID: d.ID}
		b, err := k.AssembleBundle(ctx, addr)
		if err != nil {
			return model.PreKeyBundles{}, errors.Wrapf(err, "assemble bundle for device %d", d.ID)
		}
		bundles = append(bundles, b)
	}

	return model.PreKeyBundles{IdentityKey: account.IdentityKey, Bundles: bundles}, nil
}
