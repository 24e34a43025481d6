package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/samerr"
	"github.com/samresearch/sam-server/internal/session"
)

// --- wire JSON shapes ---
//
// Keys and signatures are base64-standard-encoded byte strings inside their
// JSON objects, per spec §6.

type jsonSignedKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

type jsonPreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type jsonDeviceActivation struct {
	Name           string `json:"name"`
	RegistrationID uint16 `json:"registrationId"`
}

type jsonKeyBundle struct {
	PreKeys         []jsonPreKey    `json:"preKeys"`
	PqPreKeys       []jsonSignedKey `json:"pqPreKeys"`
	SignedPreKey    *jsonSignedKey  `json:"signedPreKey"`
	LastResortPqKey *jsonSignedKey  `json:"lastResortPqPreKey"`
}

type registrationRequestBody struct {
	Username    string               `json:"username"`
	Password    string               `json:"password"`
	IdentityKey string               `json:"identityKey"`
	Activation  jsonDeviceActivation `json:"deviceActivation"`
	KeyBundle   jsonKeyBundle        `json:"keyBundle"`
}

type linkDeviceRequestBody struct {
	Token      string               `json:"token"`
	Activation jsonDeviceActivation `json:"deviceActivation"`
	KeyBundle  jsonKeyBundle        `json:"keyBundle"`
}

func decodeBase64(s string) []byte {
	b, _ := base64.StdEncoding.DecodeString(s)
	return b
}

func encodeBase64(b []byte) string {
	if b == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func toModelBundle(b jsonKeyBundle) model.PublishPreKeys {
	out := model.PublishPreKeys{}
	for _, k := range b.PreKeys {
		out.PreKeys = append(out.PreKeys, model.PreKey{KeyID: k.KeyID, PublicKey: decodeBase64(k.PublicKey)})
	}
	for _, k := range b.PqPreKeys {
		out.PqPreKeys = append(out.PqPreKeys, model.SignedKey{KeyID: k.KeyID, PublicKey: decodeBase64(k.PublicKey), Signature: decodeBase64(k.Signature)})
	}
	if b.SignedPreKey != nil {
		out.SignedPreKey = &model.SignedKey{KeyID: b.SignedPreKey.KeyID, PublicKey: decodeBase64(b.SignedPreKey.PublicKey), Signature: decodeBase64(b.SignedPreKey.Signature)}
	}
	if b.LastResortPqKey != nil {
		out.LastResortPqKey = &model.SignedKey{KeyID: b.LastResortPqKey.KeyID, PublicKey: decodeBase64(b.LastResortPqKey.PublicKey), Signature: decodeBase64(b.LastResortPqKey.Signature)}
	}
	return out
}

// handleRegister implements POST /api/v1/account.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registrationRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, samerr.ErrAuthMalformed)
		return
	}

	req := model.RegistrationRequest{
		Username:    body.Username,
		Password:    body.Password,
		IdentityKey: decodeBase64(body.IdentityKey),
		Activation: model.DeviceActivation{
			Name:           body.Activation.Name,
			RegistrationID: body.Activation.RegistrationID,
		},
		KeyBundle: toModelBundle(body.KeyBundle),
	}

	resp, err := s.cfg.Accounts.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accountId": resp.AccountID.String()})
}

// handleDeleteAccount implements DELETE /api/v1/account (primary only).
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, errUnauthorizedNoCreds)
		return
	}
	if user.DeviceID != model.PrimaryDeviceID {
		writeError(w, samerr.ErrPrimaryDeviceProtected)
		return
	}
	if err := s.cfg.Accounts.Delete(r.Context(), user.AccountID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetKeys implements GET /api/v1/keys/{accountId}.
func (s *Server) handleGetKeys(w http.ResponseWriter, r *http.Request) {
	accountIDStr := mux.Vars(r)["accountId"]
	accountID, err := model.ParseAccountID(accountIDStr)
	if err != nil {
		writeError(w, samerr.ErrAuthMalformed)
		return
	}
	account, err := s.cfg.AccountStore.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	bundles, err := s.cfg.Keys.AssembleForAccount(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSONBundles(bundles))
}

type jsonPreKeyBundle struct {
	DeviceID       uint32         `json:"deviceId"`
	RegistrationID uint16         `json:"registrationId"`
	PreKey         *jsonPreKey    `json:"preKey"`
	PqPreKey       *jsonSignedKey `json:"pqPreKey"`
	SignedPreKey   *jsonSignedKey `json:"signedPreKey"`
}

func toJSONBundles(b model.PreKeyBundles) map[string]any {
	bundles := make([]jsonPreKeyBundle, 0, len(b.Bundles))
	for _, bundle := range b.Bundles {
		jb := jsonPreKeyBundle{
			DeviceID:       uint32(bundle.DeviceID),
			RegistrationID: bundle.RegistrationID,
		}
		if bundle.PreKey != nil {
			jb.PreKey = &jsonPreKey{KeyID: bundle.PreKey.KeyID, PublicKey: encodeBase64(bundle.PreKey.PublicKey)}
		}
		if bundle.PqPreKey != nil {
			jb.PqPreKey = &jsonSignedKey{KeyID: bundle.PqPreKey.KeyID, PublicKey: encodeBase64(bundle.PqPreKey.PublicKey), Signature: encodeBase64(bundle.PqPreKey.Signature)}
		}
		if bundle.SignedPreKey != nil {
			jb.SignedPreKey = &jsonSignedKey{KeyID: bundle.SignedPreKey.KeyID, PublicKey: encodeBase64(bundle.SignedPreKey.PublicKey), Signature: encodeBase64(bundle.SignedPreKey.Signature)}
		}
		bundles = append(bundles, jb)
	}
	return map[string]any{
		"identityKey": encodeBase64(b.IdentityKey),
		"bundles":     bundles,
	}
}

// handlePublishKeys implements PUT /api/v1/keys.
func (s *Server) handlePublishKeys(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, errUnauthorizedNoCreds)
		return
	}
	var body jsonKeyBundle
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, samerr.ErrAuthMalformed)
		return
	}
	account, err := s.cfg.AccountStore.GetAccount(r.Context(), user.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Keys.Publish(r.Context(), user.AccountID, user.DeviceID, account.IdentityKey, toModelBundle(body)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleProvision implements GET /api/v1/devices/provision (primary only).
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, errUnauthorizedNoCreds)
		return
	}
	if user.DeviceID != model.PrimaryDeviceID {
		writeError(w, samerr.ErrPrimaryDeviceProtected)
		return
	}
	token := s.cfg.Devices.Provision(user.AccountID)
	writeJSON(w, http.StatusOK, map[string]string{"token": token.Token})
}

// handleLinkDevice implements POST /api/v1/devices/link.
func (s *Server) handleLinkDevice(w http.ResponseWriter, r *http.Request) {
	_, password, ok := r.BasicAuth()
	if !ok {
		writeError(w, errUnauthorizedNoCreds)
		return
	}
	var body linkDeviceRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, samerr.ErrAuthMalformed)
		return
	}
	req := model.LinkDeviceRequest{
		Token:    body.Token,
		Password: password,
		Activation: model.DeviceActivation{
			Name:           body.Activation.Name,
			RegistrationID: body.Activation.RegistrationID,
		},
		KeyBundle: toModelBundle(body.KeyBundle),
	}
	resp, err := s.cfg.Devices.LinkDevice(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountId": resp.AccountID.String(),
		"deviceId":  uint32(resp.DeviceID),
	})
}

// handleUnlinkDevice implements DELETE /api/v1/device/{id}.
func (s *Server) handleUnlinkDevice(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, errUnauthorizedNoCreds)
		return
	}
	targetID, err := parseDeviceIDParam(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, samerr.ErrAuthMalformed)
		return
	}
	// Primary may unlink any non-primary device of its own account; a
	// non-primary device may only unlink itself.
	if user.DeviceID != model.PrimaryDeviceID && user.DeviceID != targetID {
		writeError(w, samerr.ErrUnauthorized)
		return
	}
	addr := model.DeviceAddress{AccountID: user.AccountID, DeviceID: targetID}
	if err := s.cfg.Devices.Unlink(r.Context(), addr); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseDeviceIDParam(s string) (model.DeviceID, error) {
	var n uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, samerr.ErrAuthMalformed
		}
		n = n*10 + uint64(r-'0')
	}
	return model.DeviceID(n), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket implements GET /api/v1/websocket: upgrades the connection
// and drives the Authenticated Session to completion.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, errUnauthorizedNoCreds)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	addr := model.DeviceAddress{AccountID: user.AccountID, DeviceID: user.DeviceID}
	sess := session.New(addr, s.cfg.Router, conn, s.logger)
	if err := sess.Run(r.Context()); err != nil && s.logger != nil {
		s.logger.Warn("session ended", "error", err, "account_id", user.AccountID.String(), "device_id", uint32(user.DeviceID))
	}
	_ = conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
