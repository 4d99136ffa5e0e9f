package services

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPasskeyService(t *testing.T) (*PasskeyService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          "localhost",
		RPDisplayName: "Mailio Keyshare",
		RPOrigins:     []string{"http://localhost:4200"},
	})
	require.NoError(t, err)

	env := types.NewEnvironment(client)
	env.WebAuthN = wa
	return NewPasskeyService(newTestSelector(), env), mr
}

func testUserKey() *types.UserKey {
	key := &types.UserKey{ContactMethod: testContact}
	key.UnderscoreID = testContact.DocumentID()
	return key
}

func TestPasskeyUserRegistry(t *testing.T) {
	svc, _ := newTestPasskeyService(t)
	key := testUserKey()

	has, err := svc.HasCredential(key.UnderscoreID, EncodeCredentialID([]byte("cred-1")))
	require.NoError(t, err)
	assert.False(t, has)

	user := &types.PasskeyUser{
		ID:          types.PasskeyUserHandle(key.UnderscoreID),
		KeyID:       key.UnderscoreID,
		Name:        "alice@example.com",
		DisplayName: "a***e@e******.com",
		Credentials: []webauthn.Credential{{ID: []byte("cred-1")}},
	}
	require.NoError(t, svc.SaveUser(user))

	// second save updates in place
	user.Credentials = append(user.Credentials, webauthn.Credential{ID: []byte("cred-2")})
	require.NoError(t, svc.SaveUser(user))

	got, err := svc.GetUser(key.UnderscoreID)
	require.NoError(t, err)
	assert.Len(t, got.Credentials, 2)
	assert.Equal(t, types.PasskeyUserHandle(key.UnderscoreID), got.WebAuthnID())
	assert.LessOrEqual(t, len(got.WebAuthnID()), 64)

	has, err = svc.HasCredential(key.UnderscoreID, EncodeCredentialID([]byte("cred-2")))
	require.NoError(t, err)
	assert.True(t, has)
	has, err = svc.HasCredential(key.UnderscoreID, "!!not-base64!!")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, svc.DeleteUser(key.UnderscoreID))
	_, err = svc.GetUser(key.UnderscoreID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	// deleting twice is fine
	assert.NoError(t, svc.DeleteUser(key.UnderscoreID))
}

func TestPasskeyBeginRegistration(t *testing.T) {
	svc, mr := newTestPasskeyService(t)
	key := testUserKey()
	require.NoError(t, svc.SaveUser(&types.PasskeyUser{
		KeyID:       key.UnderscoreID,
		Name:        "alice@example.com",
		Credentials: []webauthn.Credential{{ID: []byte("cred-1")}},
	}))

	options, err := svc.BeginRegistration(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "localhost", options.Response.RelyingParty.ID)
	require.Len(t, options.Response.CredentialExcludeList, 1)
	assert.Equal(t, []byte("cred-1"), []byte(options.Response.CredentialExcludeList[0].CredentialID))
	assert.True(t, mr.Exists(sessionKey(key.UnderscoreID)))
}

func TestPasskeyFinishRegistrationRejected(t *testing.T) {
	svc, _ := newTestPasskeyService(t)
	key := testUserKey()
	att := &types.WebauthnAttestationResponseJSON{ID: "abc", RawID: "abc", Type: "public-key"}

	// no ceremony started
	_, err := svc.FinishRegistration(context.Background(), key, att)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = svc.BeginRegistration(context.Background(), key)
	require.NoError(t, err)
	_, err = svc.FinishRegistration(context.Background(), key, att)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestPasskeyDisabled(t *testing.T) {
	svc := NewPasskeyService(newTestSelector(), nil)
	assert.False(t, svc.Enabled())
	_, err := svc.BeginRegistration(context.Background(), testUserKey())
	assert.ErrorIs(t, err, types.ErrBadRequest)
}
