package samauth

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/samerr"
)

// Credentials is a parsed "accountId.deviceId:password" basic-auth userinfo,
// grounded in original_source's auth/authenticated_user.rs.
type Credentials struct {
	AccountID model.AccountID
	DeviceID  model.DeviceID
	Password  string
}

// ParseCredentials splits a basic-auth username/password pair into an
// account id, device id, and password. The username must be of the form
// "{accountId}.{deviceId}"; the first '.' is the split point so AccountID's
// UUID textual form (which never contains '.') is unambiguous.
func ParseCredentials(username, password string) (Credentials, error) {
	dot := strings.Index(username, ".")
	if dot < 0 {
		return Credentials{}, errors.Wrap(samerr.ErrAuthMalformed, "missing device id separator")
	}
	accountID, err := model.ParseAccountID(username[:dot])
	if err != nil {
		return Credentials{}, errors.Wrap(samerr.ErrAuthMalformed, "malformed account id")
	}
	deviceID, err := parseDeviceID(username[dot+1:])
	if err != nil {
		return Credentials{}, errors.Wrap(samerr.ErrAuthMalformed, "malformed device id")
	}
	return Credentials{AccountID: accountID, DeviceID: deviceID, Password: password}, nil
}

func parseDeviceID(s string) (model.DeviceID, error) {
	var n uint64
	if s == "" {
		return 0, errors.New("empty device id")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("non-numeric device id")
		}
		n = n*10 + uint64(r-'0')
		if n > 0xFFFFFFFF {
			return 0, errors.New("device id overflow")
		}
	}
	return model.DeviceID(n), nil
}
