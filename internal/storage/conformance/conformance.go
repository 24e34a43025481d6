// Package conformance provides a shared test suite proving any backend
// combination satisfies the AccountStore/DeviceStore/KeyStore/MessageStore
// contracts of spec.md §3-4, grounded in dexidp-dex's storage/conformance
// package (the RunTests-over-a-constructor shape) but rewritten against
// SAM's four independent interfaces and testify assertions, per
// SPEC_FULL.md §10.5.
package conformance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/samerr"
	"github.com/samresearch/sam-server/internal/storage"
)

// Stores bundles one backend's four store interfaces.
type Stores struct {
	Accounts storage.AccountStore
	Devices  storage.DeviceStore
	Keys     storage.KeyStore
	Messages storage.MessageStore
}

// RunTests runs every conformance test against a fresh set of stores
// produced by newStores, once per subtest.
func RunTests(t *testing.T, newStores func() Stores) {
	tests := []struct {
		name string
		run  func(t *testing.T, s Stores)
	}{
		{"AccountCRUD", testAccountCRUD},
		{"DeviceCRUD", testDeviceCRUD},
		{"OneTimePreKeyConsumption", testOneTimePreKeyConsumption},
		{"SignedAndLastResortKeys", testSignedAndLastResortKeys},
		{"MessageQueueFIFO", testMessageQueueFIFO},
		{"UsedLinkTokenGC", testUsedLinkTokenGC},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, newStores())
		})
	}
}

func testAccountCRUD(t *testing.T, s Stores) {
	ctx := context.Background()
	account := model.Account{ID: model.NewAccountID(), Username: "alice", IdentityKey: []byte("identity-key"), CreatedAt: time.Now().UTC()}

	require.NoError(t, s.Accounts.AddAccount(ctx, account))
	require.ErrorIs(t, s.Accounts.AddAccount(ctx, account), samerr.ErrAccountExists)

	got, err := s.Accounts.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, account.Username, got.Username)
	require.Equal(t, account.IdentityKey, got.IdentityKey)

	require.NoError(t, s.Accounts.DeleteAccount(ctx, account.ID))
	_, err = s.Accounts.GetAccount(ctx, account.ID)
	require.ErrorIs(t, err, samerr.ErrAccountNotFound)
	require.ErrorIs(t, s.Accounts.DeleteAccount(ctx, account.ID), samerr.ErrAccountNotFound)
}

func testDeviceCRUD(t *testing.T, s Stores) {
	ctx := context.Background()
	account := model.Account{ID: model.NewAccountID(), Username: "bob", IdentityKey: []byte("k"), CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Accounts.AddAccount(ctx, account))

	primary := model.Device{AccountID: account.ID, ID: model.PrimaryDeviceID, Name: "phone", RegistrationID: 7, CreatedAt: time.Now().UTC(), PasswordHash: "h", PasswordSalt: "s"}
	require.NoError(t, s.Devices.AddDevice(ctx, primary))
	require.ErrorIs(t, s.Devices.AddDevice(ctx, primary), samerr.ErrDeviceExists)

	second := primary
	second.ID = 2
	require.NoError(t, s.Devices.AddDevice(ctx, second))

	all, err := s.Devices.GetAllDevices(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, model.PrimaryDeviceID, all[0].ID)
	require.Equal(t, model.DeviceID(2), all[1].ID)

	addr := model.DeviceAddress{AccountID: account.ID, DeviceID: 2}
	require.NoError(t, s.Devices.DeleteDevice(ctx, addr))
	_, err = s.Devices.GetDevice(ctx, addr)
	require.ErrorIs(t, err, samerr.ErrDeviceNotFound)
}

func testOneTimePreKeyConsumption(t *testing.T, s Stores) {
	ctx := context.Background()
	account := model.Account{ID: model.NewAccountID(), Username: "carol", IdentityKey: []byte("k"), CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Accounts.AddAccount(ctx, account))
	device := model.Device{AccountID: account.ID, ID: model.PrimaryDeviceID, Name: "d", RegistrationID: 1, CreatedAt: time.Now().UTC(), PasswordHash: "h", PasswordSalt: "s"}
	require.NoError(t, s.Devices.AddDevice(ctx, device))
	addr := model.DeviceAddress{AccountID: account.ID, DeviceID: model.PrimaryDeviceID}

	require.NoError(t, s.Keys.AddOneTimePreKeys(ctx, []model.PreKey{
		{AccountID: account.ID, DeviceID: model.PrimaryDeviceID, KeyID: 1, PublicKey: []byte("a")},
		{AccountID: account.ID, DeviceID: model.PrimaryDeviceID, KeyID: 2, PublicKey: []byte("b")},
	}))

	first, err := s.Keys.PopOneTimePreKey(ctx, addr)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.Keys.PopOneTimePreKey(ctx, addr)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotEqual(t, first.KeyID, second.KeyID)

	third, err := s.Keys.PopOneTimePreKey(ctx, addr)
	require.NoError(t, err)
	require.Nil(t, third)
}

func testSignedAndLastResortKeys(t *testing.T, s Stores) {
	ctx := context.Background()
	account := model.Account{ID: model.NewAccountID(), Username: "dave", IdentityKey: []byte("k"), CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Accounts.AddAccount(ctx, account))
	device := model.Device{AccountID: account.ID, ID: model.PrimaryDeviceID, Name: "d", RegistrationID: 1, CreatedAt: time.Now().UTC(), PasswordHash: "h", PasswordSalt: "s"}
	require.NoError(t, s.Devices.AddDevice(ctx, device))
	addr := model.DeviceAddress{AccountID: account.ID, DeviceID: model.PrimaryDeviceID}

	signed, err := s.Keys.GetSignedPreKey(ctx, addr)
	require.NoError(t, err)
	require.Nil(t, signed)

	key := model.SignedKey{AccountID: account.ID, DeviceID: model.PrimaryDeviceID, KeyID: 3, PublicKey: []byte("pub"), Signature: []byte("sig")}
	require.NoError(t, s.Keys.SetSignedPreKey(ctx, key))
	signed, err = s.Keys.GetSignedPreKey(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, uint32(3), signed.KeyID)

	replacement := key
	replacement.KeyID = 4
	require.NoError(t, s.Keys.SetSignedPreKey(ctx, replacement))
	signed, err = s.Keys.GetSignedPreKey(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, uint32(4), signed.KeyID)

	lastResort := model.SignedKey{AccountID: account.ID, DeviceID: model.PrimaryDeviceID, KeyID: 33, PublicKey: []byte("pub"), Signature: []byte("sig")}
	require.NoError(t, s.Keys.SetLastResortPqPreKey(ctx, lastResort))
	got, err := s.Keys.GetLastResortPqPreKey(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, uint32(33), got.KeyID)

	// Popping a (nonexistent) one-time PQ key never removes the last resort.
	popped, err := s.Keys.PopOneTimePqPreKey(ctx, addr)
	require.NoError(t, err)
	require.Nil(t, popped)
	got, err = s.Keys.GetLastResortPqPreKey(ctx, addr)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func testMessageQueueFIFO(t *testing.T, s Stores) {
	ctx := context.Background()
	account := model.Account{ID: model.NewAccountID(), Username: "erin", IdentityKey: []byte("k"), CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Accounts.AddAccount(ctx, account))
	device := model.Device{AccountID: account.ID, ID: model.PrimaryDeviceID, Name: "d", RegistrationID: 1, CreatedAt: time.Now().UTC(), PasswordHash: "h", PasswordSalt: "s"}
	require.NoError(t, s.Devices.AddDevice(ctx, device))
	addr := model.DeviceAddress{AccountID: account.ID, DeviceID: model.PrimaryDeviceID}

	var ids []model.MessageID
	for i := 0; i < 3; i++ {
		env := model.ServerEnvelope{
			ID: model.NewMessageID(), Type: model.EnvelopeTypeMessage,
			DestAccountID: account.ID, DestDeviceID: model.PrimaryDeviceID,
			SrcAccountID: account.ID, SrcDeviceID: model.PrimaryDeviceID,
			Content: []byte{byte(i)},
		}
		require.NoError(t, s.Messages.PushMessage(ctx, env))
		ids = append(ids, env.ID)
	}

	got, err := s.Messages.MessageIDs(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, ids, got)

	env, err := s.Messages.GetMessage(ctx, addr, ids[1])
	require.NoError(t, err)
	require.Equal(t, []byte{1}, env.Content)

	require.NoError(t, s.Messages.DeleteMessage(ctx, addr, ids[1]))
	_, err = s.Messages.GetMessage(ctx, addr, ids[1])
	require.ErrorIs(t, err, samerr.ErrEnvelopeMissing)
	require.ErrorIs(t, s.Messages.DeleteMessage(ctx, addr, ids[1]), samerr.ErrEnvelopeMissing)

	got, err = s.Messages.MessageIDs(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, []model.MessageID{ids[0], ids[2]}, got)

	require.NoError(t, s.Messages.DeleteAllMessages(ctx, addr))
	got, err = s.Messages.MessageIDs(ctx, addr)
	require.NoError(t, err)
	require.Empty(t, got)
}

func testUsedLinkTokenGC(t *testing.T, s Stores) {
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Accounts.AddUsedLinkToken(ctx, "tok-fresh", now))
	require.ErrorIs(t, s.Accounts.AddUsedLinkToken(ctx, "tok-fresh", now), samerr.ErrLinkTokenReused)
	require.NoError(t, s.Accounts.AddUsedLinkToken(ctx, "tok-stale", now.Add(-2*time.Hour)))

	n, err := s.Accounts.GC(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// The stale token's id is usable again after GC; the fresh one still isn't.
	require.NoError(t, s.Accounts.AddUsedLinkToken(ctx, "tok-stale", now))
	require.ErrorIs(t, s.Accounts.AddUsedLinkToken(ctx, "tok-fresh", now), samerr.ErrLinkTokenReused)
}
