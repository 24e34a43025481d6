package session

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/router"
	"github.com/samresearch/sam-server/internal/storage/memory"
	"github.com/samresearch/sam-server/internal/wire"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newTestHarness(t *testing.T) (*router.Router, model.DeviceAddress) {
	t.Helper()
	store := memory.New(slog.Default())
	ctx := context.Background()
	accountID := model.NewAccountID()
	require.NoError(t, store.AddAccount(ctx, model.Account{ID: accountID, Username: "alice", IdentityKey: []byte("k"), CreatedAt: time.Now()}))
	require.NoError(t, store.AddDevice(ctx, model.Device{AccountID: accountID, ID: model.PrimaryDeviceID, Name: "d", RegistrationID: 1, CreatedAt: time.Now(), PasswordHash: "h", PasswordSalt: "s"}))
	return router.New(store, store), model.DeviceAddress{AccountID: accountID, DeviceID: model.PrimaryDeviceID}
}

func startSessionServer(t *testing.T, r *router.Router, addr model.DeviceAddress) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		sess := New(addr, r, conn, slog.Default())
		_ = sess.Run(req.Context())
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSessionResyncsQueuedMessagesOnConnect(t *testing.T) {
	r, addr := newTestHarness(t)
	ctx := context.Background()

	env := model.ServerEnvelope{
		ID: model.NewMessageID(), Type: model.EnvelopeTypeMessage,
		DestAccountID: addr.AccountID, DestDeviceID: addr.DeviceID,
		SrcAccountID: addr.AccountID, SrcDeviceID: addr.DeviceID,
		Content: []byte("queued-before-connect"),
	}
	require.NoError(t, r.Enqueue(ctx, env))

	wsURL := startSessionServer(t, r, addr)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	_, _, gotEnv, err := wire.DecodeServerMessage(payload)
	require.NoError(t, err)
	require.NotNil(t, gotEnv)
	require.Equal(t, env.Content, gotEnv.Content)
	require.Equal(t, env.ID, gotEnv.ID)
}

func TestSessionDispatchesLiveMessage(t *testing.T) {
	r, addr := newTestHarness(t)
	ctx := context.Background()

	wsURL := startSessionServer(t, r, addr)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server goroutine a moment to subscribe before enqueuing, so
	// the live dispatch path (not resync) delivers this one.
	time.Sleep(50 * time.Millisecond)

	env := model.ServerEnvelope{
		ID: model.NewMessageID(), Type: model.EnvelopeTypeMessage,
		DestAccountID: addr.AccountID, DestDeviceID: addr.DeviceID,
		SrcAccountID: addr.AccountID, SrcDeviceID: addr.DeviceID,
		Content: []byte("live-dispatch"),
	}
	require.NoError(t, r.Enqueue(ctx, env))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	_, _, gotEnv, err := wire.DecodeServerMessage(payload)
	require.NoError(t, err)
	require.NotNil(t, gotEnv)
	require.Equal(t, env.Content, gotEnv.Content)
}

func TestSessionAckDeletesQueuedMessage(t *testing.T) {
	r, addr := newTestHarness(t)
	ctx := context.Background()

	env := model.ServerEnvelope{
		ID: model.NewMessageID(), Type: model.EnvelopeTypeMessage,
		DestAccountID: addr.AccountID, DestDeviceID: addr.DeviceID,
		SrcAccountID: addr.AccountID, SrcDeviceID: addr.DeviceID,
		Content: []byte("to-be-acked"),
	}
	require.NoError(t, r.Enqueue(ctx, env))

	wsURL := startSessionServer(t, r, addr)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	ackFrame := wire.EncodeClientMessage(model.EnvelopeTypeAck, env.ID, nil)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, ackFrame))

	require.Eventually(t, func() bool {
		ids, err := r.IDs(ctx, addr)
		return err == nil && len(ids) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSessionRejectsSecondSubscriptionToSameAddress(t *testing.T) {
	r, addr := newTestHarness(t)

	first, err := r.Subscribe(addr)
	require.NoError(t, err)
	defer r.Unsubscribe(addr)
	_ = first

	sess := New(addr, r, nil, slog.Default())
	err = sess.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, StateRejected, sess.State())
}
