package service

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/samauth"
	"github.com/samresearch/sam-server/internal/samerr"
	"github.com/samresearch/sam-server/internal/storage/memory"
)

// fixture wires a fresh in-memory store behind the full Account/Device/Key
// service trio, the same composition cmd/samserver/serve.go builds at
// startup.
type fixture struct {
	pub, priv   []byte
	accounts    *AccountService
	devices     *DeviceService
	keys        *KeyService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := memory.New(slog.Default())
	keys := &KeyService{Devices: store, Keys: store}
	devices := &DeviceService{
		Accounts:   store,
		Devices:    store,
		Keys:       store,
		Messages:   store,
		KeyService: keys,
		LinkTokens: samauth.NewLinkTokenAuthenticator([]byte("test-secret")),
	}
	accounts := &AccountService{Accounts: store, Devices: devices}
	return &fixture{pub: pub, priv: priv, accounts: accounts, devices: devices, keys: keys}
}

func (f *fixture) signedBundle() model.PublishPreKeys {
	signedPub := []byte("signed-pre-key-bytes")
	lastResortPub := []byte("last-resort-pq-key-bytes")
	return model.PublishPreKeys{
		PreKeys: []model.PreKey{
			{KeyID: 1, PublicKey: []byte("one-time-ec-1")},
			{KeyID: 2, PublicKey: []byte("one-time-ec-2")},
		},
		SignedPreKey: &model.SignedKey{
			KeyID: 10, PublicKey: signedPub, Signature: ed25519.Sign(f.priv, signedPub),
		},
		LastResortPqKey: &model.SignedKey{
			KeyID: 20, PublicKey: lastResortPub, Signature: ed25519.Sign(f.priv, lastResortPub),
		},
	}
}

func (f *fixture) register(t *testing.T) model.AccountID {
	t.Helper()
	resp, err := f.accounts.Register(context.Background(), model.RegistrationRequest{
		Username:    "alice",
		Password:    "correct horse battery staple",
		IdentityKey: f.pub,
		Activation:  model.DeviceActivation{Name: "phone", RegistrationID: 7},
		KeyBundle:   f.signedBundle(),
	})
	require.NoError(t, err)
	return resp.AccountID
}

func TestAccountServiceRegisterAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	accountID := f.register(t)

	devices, err := f.devices.Devices.GetAllDevices(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, model.PrimaryDeviceID, devices[0].ID)

	bundle, err := f.keys.AssembleBundle(ctx, model.DeviceAddress{AccountID: accountID, DeviceID: model.PrimaryDeviceID})
	require.NoError(t, err)
	require.NotNil(t, bundle.PreKey)
	require.NotNil(t, bundle.PqPreKey)
	require.NotNil(t, bundle.SignedPreKey)

	require.NoError(t, f.accounts.Delete(ctx, accountID))
	_, err = f.devices.Accounts.GetAccount(ctx, accountID)
	require.True(t, samerr.Is(err, samerr.KindAccountNotFound))
	devices, err = f.devices.Devices.GetAllDevices(ctx, accountID)
	require.NoError(t, err)
	require.Empty(t, devices)
}

func TestAccountServiceRegisterRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bundle := f.signedBundle()
	bundle.SignedPreKey.Signature = []byte("not-a-valid-signature-at-all...")

	req := model.RegistrationRequest{
		Username:    "bob",
		Password:    "pw",
		IdentityKey: f.pub,
		Activation:  model.DeviceActivation{Name: "phone", RegistrationID: 1},
		KeyBundle:   bundle,
	}
	_, err := f.accounts.Register(ctx, req)
	require.True(t, samerr.Is(err, samerr.KindKeyVerificationFailed))
}

func TestDeviceServiceNextDeviceIDAllocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	accountID := f.register(t)

	linkAndExpect := func(expected model.DeviceID) {
		token := f.devices.Provision(accountID)
		resp, err := f.devices.LinkDevice(ctx, model.LinkDeviceRequest{
			Token:      token.Token,
			Password:   "pw",
			Activation: model.DeviceActivation{Name: "laptop", RegistrationID: 2},
			KeyBundle:  f.signedBundle(),
		})
		require.NoError(t, err)
		require.Equal(t, expected, resp.DeviceID)
	}

	linkAndExpect(2)
	linkAndExpect(3)

	require.NoError(t, f.devices.Unlink(ctx, model.DeviceAddress{AccountID: accountID, DeviceID: 2}))
	linkAndExpect(2) // the gap left by unlinking device 2 is reused before device 4
}

func TestDeviceServiceUnlinkProtectsPrimary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	accountID := f.register(t)

	err := f.devices.Unlink(ctx, model.DeviceAddress{AccountID: accountID, DeviceID: model.PrimaryDeviceID})
	require.True(t, samerr.Is(err, samerr.KindPrimaryDeviceProtected))
}

func TestDeviceServiceLinkRejectsReusedToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	accountID := f.register(t)

	token := f.devices.Provision(accountID)
	req := model.LinkDeviceRequest{
		Token:      token.Token,
		Password:   "pw",
		Activation: model.DeviceActivation{Name: "tablet", RegistrationID: 3},
		KeyBundle:  f.signedBundle(),
	}
	_, err := f.devices.LinkDevice(ctx, req)
	require.NoError(t, err)

	req.KeyBundle = f.signedBundle()
	_, err = f.devices.LinkDevice(ctx, req)
	require.True(t, samerr.Is(err, samerr.KindLinkTokenReused))
}

func TestKeyServiceOneTimeKeyNotDoubleIssued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	accountID := f.register(t)
	addr := model.DeviceAddress{AccountID: accountID, DeviceID: model.PrimaryDeviceID}

	first, err := f.keys.AssembleBundle(ctx, addr)
	require.NoError(t, err)
	require.NotNil(t, first.PreKey)
	require.Equal(t, uint32(1), first.PreKey.KeyID)

	second, err := f.keys.AssembleBundle(ctx, addr)
	require.NoError(t, err)
	require.NotNil(t, second.PreKey)
	require.Equal(t, uint32(2), second.PreKey.KeyID)

	third, err := f.keys.AssembleBundle(ctx, addr)
	require.NoError(t, err)
	require.Nil(t, third.PreKey) // exhausted; signed/pq keys still present
	require.NotNil(t, third.SignedPreKey)
	require.NotNil(t, third.PqPreKey)
}
