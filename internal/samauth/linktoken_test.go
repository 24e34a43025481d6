package samauth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/samerr"
)

func TestLinkTokenMintAndVerify(t *testing.T) {
	auth := NewLinkTokenAuthenticator([]byte("server-secret"))
	accountID := model.NewAccountID()

	token := auth.Mint(accountID)
	require.NotEmpty(t, token.Token)
	require.Equal(t, accountID, token.AccountID)
	require.Equal(t, TokenID(token.Token), token.ID)

	got, err := auth.Verify(token.Token)
	require.NoError(t, err)
	require.Equal(t, accountID, got)
}

func TestLinkTokenExpiry(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	auth := NewLinkTokenAuthenticator([]byte("server-secret"))
	auth.now = func() time.Time { return fixedNow }

	token := auth.Mint(model.NewAccountID())

	auth.now = func() time.Time { return fixedNow.Add(LinkTokenValidity - time.Second) }
	_, err := auth.Verify(token.Token)
	require.NoError(t, err)

	auth.now = func() time.Time { return fixedNow.Add(LinkTokenValidity + time.Second) }
	_, err = auth.Verify(token.Token)
	require.True(t, samerr.Is(err, samerr.KindLinkExpired))
}

func TestLinkTokenWrongSignature(t *testing.T) {
	auth := NewLinkTokenAuthenticator([]byte("server-secret"))
	other := NewLinkTokenAuthenticator([]byte("different-secret"))
	token := auth.Mint(model.NewAccountID())

	_, err := other.Verify(token.Token)
	require.True(t, samerr.Is(err, samerr.KindWrongSignature))
}

func TestLinkTokenMalformed(t *testing.T) {
	auth := NewLinkTokenAuthenticator([]byte("server-secret"))

	_, err := auth.Verify("no-colon-in-here")
	require.True(t, samerr.Is(err, samerr.KindAuthMalformed))

	claims := "claims-with-no-dot"
	sig := auth.sign(claims)
	token := claims + ":" + base64.URLEncoding.EncodeToString(sig)
	_, err = auth.Verify(token)
	require.True(t, samerr.Is(err, samerr.KindAuthMalformed))
}
