package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/samresearch/sam-server/internal/samerr"
)

var errUnauthorizedNoCreds = samerr.New(samerr.KindUnauthorized, "missing credentials")

// writeError maps a samerr.Kind to the HTTP status table of spec §7 and
// writes a small JSON error body. Authentication failures never reveal
// which part of the credential was wrong.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch samerr.Of(err) {
	case samerr.KindAuthMalformed, samerr.KindUnauthorized:
		status, message = http.StatusUnauthorized, "unauthorized"
	case samerr.KindPrimaryDeviceProtected, samerr.KindLinkExpired, samerr.KindWrongSignature:
		status, message = http.StatusForbidden, "forbidden"
	case samerr.KindAccountNotFound, samerr.KindDeviceNotFound, samerr.KindEnvelopeMissing:
		status, message = http.StatusNotFound, "not found"
	case samerr.KindAccountExists, samerr.KindDeviceExists, samerr.KindLinkTokenReused:
		status, message = http.StatusConflict, "conflict"
	case samerr.KindKeyVerificationFailed, samerr.KindNoSignedKey, samerr.KindNoPqKey:
		status, message = http.StatusUnprocessableEntity, "unprocessable"
	case samerr.KindUnknownRecipient:
		status, message = http.StatusNotFound, "not found"
	case samerr.KindStoreFailure:
		status, message = http.StatusInternalServerError, "storage error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
