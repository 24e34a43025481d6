package httpapi

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/router"
	"github.com/samresearch/sam-server/internal/samauth"
	"github.com/samresearch/sam-server/internal/service"
	"github.com/samresearch/sam-server/internal/storage/memory"
)

type testServer struct {
	*httptest.Server
	pub, priv []byte
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := memory.New(slog.Default())
	keys := &service.KeyService{Devices: store, Keys: store}
	devices := &service.DeviceService{
		Accounts: store, Devices: store, Keys: store, Messages: store,
		KeyService: keys,
		LinkTokens: samauth.NewLinkTokenAuthenticator([]byte("test-secret")),
	}
	accounts := &service.AccountService{Accounts: store, Devices: devices}

	srv := New(Config{
		Accounts:     accounts,
		Devices:      devices,
		Keys:         keys,
		AccountStore: store,
		Router:       router.New(store, store),
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, pub: pub, priv: priv}
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func (ts *testServer) signedBundleJSON() jsonKeyBundle {
	signedPub := []byte("signed-pre-key-bytes")
	lastResortPub := []byte("last-resort-pq-key-bytes")
	return jsonKeyBundle{
		PreKeys: []jsonPreKey{
			{KeyID: 1, PublicKey: b64([]byte("one-time-1"))},
			{KeyID: 2, PublicKey: b64([]byte("one-time-2"))},
		},
		SignedPreKey:    &jsonSignedKey{KeyID: 10, PublicKey: b64(signedPub), Signature: b64(ed25519.Sign(ts.priv, signedPub))},
		LastResortPqKey: &jsonSignedKey{KeyID: 20, PublicKey: b64(lastResortPub), Signature: b64(ed25519.Sign(ts.priv, lastResortPub))},
	}
}

func (ts *testServer) doJSON(t *testing.T, method, path, username, password string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.Server.URL+path, &buf)
	require.NoError(t, err)
	if username != "" || password != "" {
		req.SetBasicAuth(username, password)
	}
	resp, err := ts.Server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (ts *testServer) register(t *testing.T, username, password string) model.AccountID {
	t.Helper()
	body := registrationRequestBody{
		Username:    username,
		Password:    password,
		IdentityKey: b64(ts.pub),
		Activation:  jsonDeviceActivation{Name: "phone", RegistrationID: 7},
		KeyBundle:   ts.signedBundleJSON(),
	}
	resp := ts.doJSON(t, http.MethodPost, "/api/v1/account", "", "", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	accountID, err := model.ParseAccountID(out["accountId"])
	require.NoError(t, err)
	return accountID
}

func TestRegisterAndFetchOwnKeys(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.register(t, "alice", "hunter2pass")

	resp := ts.doJSON(t, http.MethodGet, "/api/v1/keys/"+accountID.String(), accountID.String()+".1", "hunter2pass", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		IdentityKey string `json:"identityKey"`
		Bundles     []jsonPreKeyBundle
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, b64(ts.pub), out.IdentityKey)
	require.Len(t, out.Bundles, 1)
	require.NotNil(t, out.Bundles[0].PreKey)
	require.Equal(t, uint32(1), out.Bundles[0].PreKey.KeyID)
}

func TestRegisterRejectsInvalidSignature(t *testing.T) {
	ts := newTestServer(t)
	bundle := ts.signedBundleJSON()
	bundle.SignedPreKey.Signature = b64([]byte("garbage-signature-bytes........"))

	body := registrationRequestBody{
		Username:    "mallory",
		Password:    "pw",
		IdentityKey: b64(ts.pub),
		Activation:  jsonDeviceActivation{Name: "phone", RegistrationID: 1},
		KeyBundle:   bundle,
	}
	resp := ts.doJSON(t, http.MethodPost, "/api/v1/account", "", "", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.register(t, "bob", "pw")

	resp := ts.doJSON(t, http.MethodGet, "/api/v1/keys/"+accountID.String(), "", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProvisionLinkAndUnlinkFlow(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.register(t, "carol", "primarypass")

	resp := ts.doJSON(t, http.MethodGet, "/api/v1/devices/provision", accountID.String()+".1", "primarypass", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var provisioned struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&provisioned))
	require.NotEmpty(t, provisioned.Token)

	linkBody := linkDeviceRequestBody{
		Token:      provisioned.Token,
		Activation: jsonDeviceActivation{Name: "laptop", RegistrationID: 2},
		KeyBundle:  ts.signedBundleJSON(),
	}
	linkResp := ts.doJSON(t, http.MethodPost, "/api/v1/devices/link", "unused", "newdevicepw", linkBody)
	defer linkResp.Body.Close()
	require.Equal(t, http.StatusOK, linkResp.StatusCode)

	var linked struct {
		AccountID string `json:"accountId"`
		DeviceID  uint32 `json:"deviceId"`
	}
	require.NoError(t, json.NewDecoder(linkResp.Body).Decode(&linked))
	require.Equal(t, accountID.String(), linked.AccountID)
	require.Equal(t, uint32(2), linked.DeviceID)

	// The primary device may unlink the newly linked device.
	unlinkResp := ts.doJSON(t, http.MethodDelete, fmt.Sprintf("/api/v1/device/%d", linked.DeviceID), accountID.String()+".1", "primarypass", nil)
	defer unlinkResp.Body.Close()
	require.Equal(t, http.StatusNoContent, unlinkResp.StatusCode)

	// Primary device can never be unlinked through this route.
	protectResp := ts.doJSON(t, http.MethodDelete, "/api/v1/device/1", accountID.String()+".1", "primarypass", nil)
	defer protectResp.Body.Close()
	require.Equal(t, http.StatusForbidden, protectResp.StatusCode)
}

func TestLinkDeviceRejectsReusedToken(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.register(t, "dave", "primarypass")

	resp := ts.doJSON(t, http.MethodGet, "/api/v1/devices/provision", accountID.String()+".1", "primarypass", nil)
	defer resp.Body.Close()
	var provisioned struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&provisioned))

	linkBody := linkDeviceRequestBody{
		Token:      provisioned.Token,
		Activation: jsonDeviceActivation{Name: "tablet", RegistrationID: 3},
		KeyBundle:  ts.signedBundleJSON(),
	}
	first := ts.doJSON(t, http.MethodPost, "/api/v1/devices/link", "unused", "pw1", linkBody)
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	linkBody.KeyBundle = ts.signedBundleJSON()
	second := ts.doJSON(t, http.MethodPost, "/api/v1/devices/link", "unused", "pw2", linkBody)
	defer second.Body.Close()
	require.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestDeleteAccountRequiresPrimaryDevice(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.register(t, "erin", "primarypass")

	resp := ts.doJSON(t, http.MethodGet, "/api/v1/devices/provision", accountID.String()+".1", "primarypass", nil)
	var provisioned struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&provisioned))
	resp.Body.Close()

	linkResp := ts.doJSON(t, http.MethodPost, "/api/v1/devices/link", "unused", "secondarypw", linkDeviceRequestBody{
		Token: provisioned.Token, Activation: jsonDeviceActivation{Name: "laptop", RegistrationID: 2}, KeyBundle: ts.signedBundleJSON(),
	})
	var linked struct {
		DeviceID uint32 `json:"deviceId"`
	}
	require.NoError(t, json.NewDecoder(linkResp.Body).Decode(&linked))
	linkResp.Body.Close()

	deleteResp := ts.doJSON(t, http.MethodDelete, "/api/v1/account", fmt.Sprintf("%s.%d", accountID.String(), linked.DeviceID), "secondarypw", nil)
	defer deleteResp.Body.Close()
	require.Equal(t, http.StatusForbidden, deleteResp.StatusCode)

	primaryDeleteResp := ts.doJSON(t, http.MethodDelete, "/api/v1/account", accountID.String()+".1", "primarypass", nil)
	defer primaryDeleteResp.Body.Close()
	require.Equal(t, http.StatusNoContent, primaryDeleteResp.StatusCode)
}
