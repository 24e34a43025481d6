package samauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/samerr"
)

// LinkTokenValidity is the absolute deadline (spec §4.2) within which a
// minted token must be presented.
const LinkTokenValidity = 600 * time.Second

// LinkTokenAuthenticator mints and verifies HMAC-signed, time-bounded
// device-link tokens, grounded in original_source's auth/device.rs.
type LinkTokenAuthenticator struct {
	secret []byte
	now    func() time.Time
}

// NewLinkTokenAuthenticator builds an authenticator bound to the given
// server-wide link secret.
func NewLinkTokenAuthenticator(secret []byte) *LinkTokenAuthenticator {
	return &LinkTokenAuthenticator{secret: secret, now: time.Now}
}

// Mint issues a fresh LinkToken for accountID, timestamped now.
func (a *LinkTokenAuthenticator) Mint(accountID model.AccountID) model.LinkToken {
	issuedAt := a.now()
	claims := fmt.Sprintf("%s.%d", accountID.String(), issuedAt.UnixMilli())
	sig := a.sign(claims)
	token := claims + ":" + base64.URLEncoding.EncodeToString(sig)
	idSum := sha256.Sum256([]byte(token))
	return model.LinkToken{
		ID:        base64.StdEncoding.EncodeToString(idSum[:]),
		Token:     token,
		AccountID: accountID,
		IssuedAt:  issuedAt,
	}
}

func (a *LinkTokenAuthenticator) sign(claims string) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(claims))
	return mac.Sum(nil)
}

// TokenID computes the deterministic used-token id for a raw token string,
// without verifying it. DeviceService.LinkDevice uses it, after Verify has
// succeeded, to record the token in the used-token set.
func TokenID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Verify checks a presented token's signature and freshness, returning the
// bound AccountID on success.
func (a *LinkTokenAuthenticator) Verify(token string) (model.AccountID, error) {
	idx := strings.LastIndex(token, ":")
	if idx < 0 {
		return model.AccountID{}, errors.Wrap(samerr.ErrAuthMalformed, "malformed link token")
	}
	claims, sigPart := token[:idx], token[idx+1:]

	sig, err := base64.URLEncoding.DecodeString(sigPart)
	if err != nil {
		return model.AccountID{}, errors.Wrap(samerr.ErrAuthMalformed, "decode signature")
	}
	expected := a.sign(claims)
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return model.AccountID{}, errors.WithStack(samerr.ErrWrongSignature)
	}

	dot := strings.LastIndex(claims, ".")
	if dot < 0 {
		return model.AccountID{}, errors.Wrap(samerr.ErrAuthMalformed, "malformed claims")
	}
	accountID, err := model.ParseAccountID(claims[:dot])
	if err != nil {
		return model.AccountID{}, errors.Wrap(samerr.ErrAuthMalformed, "parse account id")
	}
	issuedMillis, err := strconv.ParseInt(claims[dot+1:], 10, 64)
	if err != nil {
		return model.AccountID{}, errors.Wrap(samerr.ErrAuthMalformed, "parse timestamp")
	}

	elapsed := a.now().UnixMilli() - issuedMillis
	if elapsed > LinkTokenValidity.Milliseconds() {
		return model.AccountID{}, errors.WithStack(samerr.ErrLinkExpired)
	}
	return accountID, nil
}
