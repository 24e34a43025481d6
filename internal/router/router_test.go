package router

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/samerr"
	"github.com/samresearch/sam-server/internal/storage/memory"
)

func newTestRouter(t *testing.T) (*Router, *memory.Store, model.DeviceAddress) {
	t.Helper()
	store := memory.New(slog.Default())
	ctx := context.Background()

	accountID := model.NewAccountID()
	require.NoError(t, store.AddAccount(ctx, model.Account{ID: accountID, Username: "alice", IdentityKey: []byte("k"), CreatedAt: time.Now()}))
	require.NoError(t, store.AddDevice(ctx, model.Device{AccountID: accountID, ID: model.PrimaryDeviceID, Name: "phone", RegistrationID: 1, CreatedAt: time.Now(), PasswordHash: "h", PasswordSalt: "s"}))

	return New(store, store), store, model.DeviceAddress{AccountID: accountID, DeviceID: model.PrimaryDeviceID}
}

func envelope(addr model.DeviceAddress) model.ServerEnvelope {
	return model.ServerEnvelope{
		ID: model.NewMessageID(), Type: model.EnvelopeTypeMessage,
		DestAccountID: addr.AccountID, DestDeviceID: addr.DeviceID,
		SrcAccountID: addr.AccountID, SrcDeviceID: addr.DeviceID,
		Content: []byte("hi"),
	}
}

func TestRouterEnqueueUnknownRecipient(t *testing.T) {
	r, _, addr := newTestRouter(t)
	bad := addr
	bad.DeviceID = 99

	env := envelope(bad)
	err := r.Enqueue(context.Background(), env)
	require.True(t, samerr.Is(err, samerr.KindUnknownRecipient))
}

func TestRouterFIFOAndDelete(t *testing.T) {
	r, _, addr := newTestRouter(t)
	ctx := context.Background()

	var ids []model.MessageID
	for i := 0; i < 3; i++ {
		env := envelope(addr)
		require.NoError(t, r.Enqueue(ctx, env))
		ids = append(ids, env.ID)
	}

	got, err := r.IDs(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, ids, got)

	require.NoError(t, r.Ack(ctx, addr, ids[0]))
	got, err = r.IDs(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, ids[1:], got)
}

func TestRouterSubscribeConflict(t *testing.T) {
	r, _, addr := newTestRouter(t)

	_, err := r.Subscribe(addr)
	require.NoError(t, err)

	_, err = r.Subscribe(addr)
	require.True(t, samerr.Is(err, samerr.KindSessionConflict))

	r.Unsubscribe(addr)
	_, err = r.Subscribe(addr)
	require.NoError(t, err)
}

func TestRouterDispatchesToSubscription(t *testing.T) {
	r, _, addr := newTestRouter(t)
	ctx := context.Background()

	ch, err := r.Subscribe(addr)
	require.NoError(t, err)

	env := envelope(addr)
	require.NoError(t, r.Enqueue(ctx, env))

	select {
	case id := <-ch:
		require.Equal(t, env.ID, id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch notification")
	}
}

func TestRouterDropsNotificationOnFullChannelButKeepsQueue(t *testing.T) {
	r, _, addr := newTestRouter(t)
	ctx := context.Background()

	ch, err := r.Subscribe(addr)
	require.NoError(t, err)

	var ids []model.MessageID
	// Overflow the bounded notification channel; the queue itself must
	// still durably hold every message regardless of dropped notifications.
	for i := 0; i < SubscriptionCapacity+4; i++ {
		env := envelope(addr)
		require.NoError(t, r.Enqueue(ctx, env))
		ids = append(ids, env.ID)
	}

	got, err := r.IDs(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, ids, got)

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			goto done
		}
	}
done:
	require.LessOrEqual(t, drained, SubscriptionCapacity)
}

func TestRouterDeliverClientEnvelopeFanOut(t *testing.T) {
	store := memory.New(slog.Default())
	ctx := context.Background()
	accountID := model.NewAccountID()
	require.NoError(t, store.AddAccount(ctx, model.Account{ID: accountID, Username: "bob", IdentityKey: []byte("k"), CreatedAt: time.Now()}))
	require.NoError(t, store.AddDevice(ctx, model.Device{AccountID: accountID, ID: 1, Name: "d1", RegistrationID: 1, CreatedAt: time.Now(), PasswordHash: "h", PasswordSalt: "s"}))
	require.NoError(t, store.AddDevice(ctx, model.Device{AccountID: accountID, ID: 2, Name: "d2", RegistrationID: 1, CreatedAt: time.Now(), PasswordHash: "h", PasswordSalt: "s"}))

	r := New(store, store)
	failures := r.DeliverClientEnvelope(ctx, model.ClientEnvelope{
		Type: model.EnvelopeTypeMessage, DestAccountID: accountID,
		SrcAccountID: accountID, SrcDeviceID: 1,
		Content: map[model.DeviceID][]byte{1: []byte("a"), 2: []byte("b"), 99: []byte("c")},
	})
	require.Len(t, failures, 1)
	require.True(t, samerr.Is(failures[99], samerr.KindUnknownRecipient))

	ids, err := r.IDs(ctx, model.DeviceAddress{AccountID: accountID, DeviceID: 1})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	ids, err = r.IDs(ctx, model.DeviceAddress{AccountID: accountID, DeviceID: 2})
	require.NoError(t, err)
	require.Len(t, ids, 1)
}
