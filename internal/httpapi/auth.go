package httpapi

import (
	"context"
	"net/http"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/samauth"
	"github.com/samresearch/sam-server/internal/samerr"
)

type authContextKey int

const authUserContextKey authContextKey = 0

// authenticatedUser is the result of resolving basic-auth credentials
// against the Account and Device stores, grounded in original_source's
// auth/authenticated_user.rs.
type authenticatedUser struct {
	AccountID model.AccountID
	DeviceID  model.DeviceID
}

// withAuth requires valid basic auth credentials for an existing account and
// device, per spec §6's "auth: yes" routes.
func (s *Server) withAuth(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), authUserContextKey, user)
		h(w, r.WithContext(ctx))
	})
}

// withAuthOptional is used by registration and device-link, whose basic-auth
// userinfo does not name an existing account/device yet; the handler itself
// validates whatever credential scheme applies.
func (s *Server) withAuthOptional(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(h)
}

func (s *Server) authenticate(r *http.Request) (authenticatedUser, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return authenticatedUser{}, errUnauthorizedNoCreds
	}
	creds, err := samauth.ParseCredentials(username, password)
	if err != nil {
		return authenticatedUser{}, err
	}

	device, err := s.cfg.Devices.Devices.GetDevice(r.Context(), addressOf(creds))
	if err != nil {
		if samerr.Is(err, samerr.KindDeviceNotFound) {
			return authenticatedUser{}, samerr.ErrUnauthorized
		}
		return authenticatedUser{}, err
	}
	pw := samauth.Password{Hash: device.PasswordHash, Salt: device.PasswordSalt}
	if err := pw.Verify(creds.Password); err != nil {
		return authenticatedUser{}, err
	}

	return authenticatedUser{AccountID: creds.AccountID, DeviceID: creds.DeviceID}, nil
}

func addressOf(c samauth.Credentials) model.DeviceAddress {
	return model.DeviceAddress{AccountID: c.AccountID, DeviceID: c.DeviceID}
}

func userFromContext(ctx context.Context) (authenticatedUser, bool) {
	u, ok := ctx.Value(authUserContextKey).(authenticatedUser)
	return u, ok
}
