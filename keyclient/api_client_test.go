package keyclient

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/mailio/go-mailio-keyshare/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiBase = "https://keys.mail.io/api/v1"

func newMockedAPIClient(t *testing.T) *APIClient {
	t.Helper()
	auth := &StaticProvider{Token: "id-token", ProviderType: types.AuthProviderKeycloak}
	c := NewAPIClient("https://keys.mail.io", auth)
	c.GetClient().SetRetryCount(0)
	httpmock.ActivateNonDefault(c.GetClient().GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func jsonBody(req *http.Request, v interface{}) error {
	return json.NewDecoder(req.Body).Decode(v)
}

func TestAPIClientSendsTokenAndHolderProof(t *testing.T) {
	c := newMockedAPIClient(t)
	did, key, err := util.DIDKeyFromSeed(make([]byte, ed25519.SeedSize))
	require.NoError(t, err)
	c.SetHolderKey(key)

	var proven string
	httpmock.RegisterResponder("PUT", apiBase+"/keys/auth-share", func(req *http.Request) (*http.Response, error) {
		var in types.InputStoreAuthShare
		if err := jsonBody(req, &in); err != nil {
			return httpmock.NewStringResponse(http.StatusBadRequest, ""), nil
		}
		proof := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		holder, vErr := util.VerifyHolderProof(proof, in.AuthToken, time.Now())
		if vErr != nil {
			return httpmock.NewStringResponse(http.StatusUnauthorized, `{"code":401,"message":"unauthorized"}`), nil
		}
		proven = holder
		return httpmock.NewJsonResponse(200, types.OutputStoreAuthShare{Success: true, ShareVersion: 3})
	})

	out, err := c.StoreAuthShare(context.Background(), "02ab", did, types.SecurityLevelBasic)
	require.NoError(t, err)
	assert.Equal(t, 3, out.ShareVersion)
	assert.Equal(t, did, proven)
}

func TestAPIClientMapsErrors(t *testing.T) {
	c := newMockedAPIClient(t)
	httpmock.RegisterResponder("POST", apiBase+"/keys/recovery/get",
		httpmock.NewStringResponder(http.StatusGone, `{"code":410,"message":"share unavailable"}`))
	httpmock.RegisterResponder("POST", apiBase+"/keys/delete",
		httpmock.NewStringResponder(http.StatusNotFound, `{"code":404,"message":"not found"}`))
	httpmock.RegisterResponder("POST", apiBase+"/keys/recovery",
		httpmock.NewStringResponder(http.StatusBadRequest, `{"code":400,"message":"passkey not registered"}`))
	httpmock.RegisterResponder("POST", apiBase+"/keys/migrate",
		httpmock.NewStringResponder(http.StatusForbidden, `{"code":403,"message":"unauthorized"}`))

	_, err := c.GetRecoveryShare(context.Background(), types.RecoveryMethodPassword, "")
	assert.ErrorIs(t, err, types.ErrShareVersionUnavailable)
	assert.ErrorIs(t, c.DeleteUserKey(context.Background()), types.ErrNotFound)
	err = c.AddRecoveryMethod(context.Background(), types.InputAddRecoveryMethod{Type: types.RecoveryMethodPasskey, CredentialID: "c1"})
	assert.ErrorIs(t, err, types.ErrPasskeyNotRegistered)
	assert.ErrorIs(t, c.MarkMigrated(context.Background()), types.ErrUnauthorized)
}

func TestAPIClientWithoutTokenFailsLocally(t *testing.T) {
	c := NewAPIClient("https://keys.mail.io", &StaticProvider{})
	_, err := c.GetAuthShare(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func signedIDToken(t *testing.T, sub, email string) string {
	t.Helper()
	tok, err := jwt.NewBuilder().Subject(sub).Claim("email", email).Expiration(time.Now().Add(time.Hour)).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("irrelevant-for-the-client")))
	require.NoError(t, err)
	return string(signed)
}

func TestRefreshingProviderCachesAndRefreshes(t *testing.T) {
	p := NewRefreshingProvider(types.AuthProviderKeycloak, "https://sso.test/token", "mailio", "refresh-1")
	httpmock.ActivateNonDefault(p.GetClient().GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	idToken := signedIDToken(t, "kc-1", "Bob@Example.com")
	var grants []string
	httpmock.RegisterResponder("POST", "https://sso.test/token", func(req *http.Request) (*http.Response, error) {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		grants = append(grants, req.PostForm.Get("refresh_token"))
		return httpmock.NewJsonResponse(200, map[string]interface{}{
			"id_token":      idToken,
			"refresh_token": "refresh-2",
			"expires_in":    300,
		})
	})

	tok, err := p.GetIDToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, idToken, tok)
	_, err = p.GetIDToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"refresh-1"}, grants)

	now = now.Add(5 * time.Minute)
	_, err = p.GetIDToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"refresh-1", "refresh-2"}, grants)

	user, err := p.GetCurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kc-1", user.ID)
	assert.Equal(t, "bob@example.com", user.Email)

	p.SignOut()
	user, err = p.GetCurrentUser(context.Background())
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestRefreshingProviderInvalidGrant(t *testing.T) {
	p := NewRefreshingProvider(types.AuthProviderOIDC, "https://sso.test/token", "mailio", "revoked")
	p.GetClient().SetRetryCount(0)
	httpmock.ActivateNonDefault(p.GetClient().GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	httpmock.RegisterResponder("POST", "https://sso.test/token",
		httpmock.NewJsonResponderOrPanic(http.StatusBadRequest, map[string]string{"error": "invalid_grant"}))

	_, err := p.GetIDToken(context.Background())
	assert.ErrorIs(t, err, ErrNotSignedIn)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}
