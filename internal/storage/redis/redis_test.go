package redis

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samresearch/sam-server/internal/model"
)

// TestRedisMessageStore exercises the MessageStore contract against a real
// Redis instance when SAM_REDIS_ADDR is set, mirroring dexidp-dex's
// env-var-gated storage/redis/redis_test.go.
func TestRedisMessageStore(t *testing.T) {
	addr := os.Getenv("SAM_REDIS_ADDR")
	if addr == "" {
		t.Skip("SAM_REDIS_ADDR not set, skipping")
	}

	store, err := New(Config{Addr: addr, DB: 15})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	addrKey := model.DeviceAddress{AccountID: model.NewAccountID(), DeviceID: 1}
	t.Cleanup(func() { _ = store.DeleteAllMessages(ctx, addrKey) })

	env := model.ServerEnvelope{
		ID: model.NewMessageID(), Type: model.EnvelopeTypeMessage,
		DestAccountID: addrKey.AccountID, DestDeviceID: addrKey.DeviceID,
		SrcAccountID: addrKey.AccountID, SrcDeviceID: addrKey.DeviceID,
		Content: []byte("hello"),
	}
	require.NoError(t, store.PushMessage(ctx, env))

	got, err := store.GetMessage(ctx, addrKey, env.ID)
	require.NoError(t, err)
	require.Equal(t, env.Content, got.Content)

	ids, err := store.MessageIDs(ctx, addrKey)
	require.NoError(t, err)
	require.Equal(t, []model.MessageID{env.ID}, ids)

	require.NoError(t, store.DeleteMessage(ctx, addrKey, env.ID))
	ids, err = store.MessageIDs(ctx, addrKey)
	require.NoError(t, err)
	require.Empty(t, ids)
}
