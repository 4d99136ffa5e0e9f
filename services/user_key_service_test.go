package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/repository"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testContact = types.ContactMethod{Type: types.ContactMethodEmail, Value: "Alice@Example.com"}

func newTestSelector() *repository.CouchDBSelector {
	sel := repository.NewCouchDBSelector()
	for _, db := range repository.Databases {
		sel.AddDB(repository.NewMemoryRepository(db))
	}
	return sel
}

func newTestUserKeyService(t *testing.T) (*UserKeyService, repository.Repository) {
	t.Helper()
	global.Conf.KeyShare.ServerSecret = "test-server-secret"
	global.Conf.KeyShare.PreviousShareRetention = 5
	sel := newTestSelector()
	repo, err := sel.ChooseDB(repository.UserKey)
	require.NoError(t, err)
	return NewUserKeyService(sel), repo
}

func share(n int) string {
	return fmt.Sprintf("02%064x", n)
}

func TestUpsertCreatesFirstVersion(t *testing.T) {
	svc, repo := newTestUserKeyService(t)
	link := &types.AuthProviderLink{Type: types.AuthProviderFirebase, ID: "uid-1"}

	key, err := svc.Upsert(testContact, link, share(1), "did:key:z6MkAlice", "")
	require.NoError(t, err)
	assert.Equal(t, 1, key.ShareVersion)
	assert.Equal(t, types.KeyProviderSSS, key.KeyProvider)
	assert.Equal(t, types.SecurityLevelBasic, key.SecurityLevel)
	assert.Equal(t, "alice@example.com", key.ContactMethod.Value)
	assert.Empty(t, key.PreviousAuthShares)

	// stored encrypted, never as the plain share
	raw, err := repo.GetByID(context.Background(), "email:alice@example.com")
	require.NoError(t, err)
	assert.NotContains(t, string(raw.([]byte)), share(1))

	got, err := svc.GetCurrentOrVersioned(testContact, nil)
	require.NoError(t, err)
	require.NotNil(t, got.AuthShare)
	assert.Equal(t, share(1), *got.AuthShare)
	assert.Equal(t, 1, got.ShareVersion)
}

func TestUpsertRotatesAndServesPreviousVersions(t *testing.T) {
	svc, _ := newTestUserKeyService(t)
	for i := 1; i <= 3; i++ {
		_, err := svc.Upsert(testContact, nil, share(i), "did:key:z6MkAlice", types.SecurityLevelEnhanced)
		require.NoError(t, err)
	}
	key, err := svc.Get(testContact)
	require.NoError(t, err)
	assert.Equal(t, 3, key.ShareVersion)
	assert.Equal(t, []int{1, 2}, key.PreviousVersions())

	for v := 1; v <= 3; v++ {
		got, err := svc.GetCurrentOrVersioned(testContact, intPtr(v))
		require.NoError(t, err)
		assert.Equal(t, share(v), *got.AuthShare)
		assert.Equal(t, v, got.ShareVersion)
	}
	_, err = svc.GetCurrentOrVersioned(testContact, intPtr(9))
	assert.ErrorIs(t, err, types.ErrShareVersionUnavailable)
}

func TestRotationEvictsAndPrunesRecoveryMethods(t *testing.T) {
	svc, _ := newTestUserKeyService(t)
	_, err := svc.Upsert(testContact, nil, share(1), "did:key:z6MkAlice", "")
	require.NoError(t, err)

	_, err = svc.AddRecoveryMethod(testContact, types.RecoveryMethod{
		Type:           types.RecoveryMethodPassword,
		EncryptedShare: []byte(`{"ciphertext":"AA=="}`),
		ShareVersion:   intPtr(1),
	}, "")
	require.NoError(t, err)
	_, err = svc.AddRecoveryMethod(testContact, types.RecoveryMethod{Type: types.RecoveryMethodBackup}, "")
	require.NoError(t, err)

	// version 2: version 1 retained, method still served
	_, err = svc.Upsert(testContact, nil, share(2), "", "")
	require.NoError(t, err)
	m, err := svc.GetRecoveryMethod(testContact, types.RecoveryMethodPassword, "")
	require.NoError(t, err)
	assert.Equal(t, 1, *m.ShareVersion)

	// versions 3..7 push version 1 out of the five retained ones
	for i := 3; i <= 7; i++ {
		_, err = svc.Upsert(testContact, nil, share(i), "", "")
		require.NoError(t, err)
	}
	key, err := svc.Get(testContact)
	require.NoError(t, err)
	assert.Equal(t, 7, key.ShareVersion)
	assert.Equal(t, []int{2, 3, 4, 5, 6}, key.PreviousVersions())
	require.Len(t, key.RecoveryMethods, 1)
	assert.Equal(t, types.RecoveryMethodBackup, key.RecoveryMethods[0].Type)

	_, err = svc.GetCurrentOrVersioned(testContact, intPtr(1))
	assert.ErrorIs(t, err, types.ErrShareVersionUnavailable)
	_, err = svc.GetRecoveryMethod(testContact, types.RecoveryMethodPassword, "")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGetRecoveryMethodNeverServesOrphans(t *testing.T) {
	svc, repo := newTestUserKeyService(t)
	// written around the service, as an old server version could have left it
	require.NoError(t, repo.Save(context.Background(), testContact.DocumentID(), &types.UserKey{
		ContactMethod: testContact,
		ShareVersion:  4,
		RecoveryMethods: []types.RecoveryMethod{
			{Type: types.RecoveryMethodPasskey, CredentialID: "c1", ShareVersion: intPtr(1)},
		},
	}))
	_, err := svc.GetRecoveryMethod(testContact, types.RecoveryMethodPasskey, "c1")
	assert.ErrorIs(t, err, types.ErrShareVersionUnavailable)

	n, err := svc.SweepOrphanedRecoveryMethods()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	key, err := svc.Get(testContact)
	require.NoError(t, err)
	assert.Empty(t, key.RecoveryMethods)

	n, err = svc.SweepOrphanedRecoveryMethods()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAddRecoveryMethodReplacesSameType(t *testing.T) {
	svc, _ := newTestUserKeyService(t)
	_, err := svc.Upsert(testContact, nil, share(1), "did:key:z6MkAlice", "")
	require.NoError(t, err)

	add := func(m types.RecoveryMethod) {
		_, err := svc.AddRecoveryMethod(testContact, m, "")
		require.NoError(t, err)
	}
	add(types.RecoveryMethod{Type: types.RecoveryMethodPassword, EncryptedShare: []byte(`"a"`), ShareVersion: intPtr(1)})
	add(types.RecoveryMethod{Type: types.RecoveryMethodPassword, EncryptedShare: []byte(`"b"`), ShareVersion: intPtr(1)})
	add(types.RecoveryMethod{Type: types.RecoveryMethodPasskey, CredentialID: "c1", EncryptedShare: []byte(`"p1"`)})
	add(types.RecoveryMethod{Type: types.RecoveryMethodPasskey, CredentialID: "c2", EncryptedShare: []byte(`"p2"`)})

	key, err := svc.Get(testContact)
	require.NoError(t, err)
	assert.Len(t, key.RecoveryMethods, 3)
	assert.Equal(t, types.SecurityLevelEnhanced, key.SecurityLevel)

	m, err := svc.GetRecoveryMethod(testContact, types.RecoveryMethodPassword, "")
	require.NoError(t, err)
	assert.JSONEq(t, `"b"`, string(m.EncryptedShare))

	m, err = svc.GetRecoveryMethod(testContact, types.RecoveryMethodPasskey, "c2")
	require.NoError(t, err)
	assert.JSONEq(t, `"p2"`, string(m.EncryptedShare))

	_, err = svc.GetRecoveryMethod(testContact, types.RecoveryMethodPhrase, "")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = svc.AddRecoveryMethod(testContact, types.RecoveryMethod{Type: types.RecoveryMethodPhrase, ShareVersion: intPtr(5)}, "")
	assert.ErrorIs(t, err, types.ErrShareVersionUnavailable)

	_, err = svc.AddRecoveryMethod(types.ContactMethod{Type: types.ContactMethodEmail, Value: "nobody@example.com"},
		types.RecoveryMethod{Type: types.RecoveryMethodPhrase}, "")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLegacyShareMigratedOnRead(t *testing.T) {
	svc, repo := newTestUserKeyService(t)
	require.NoError(t, repo.Save(context.Background(), testContact.DocumentID(), &types.UserKey{
		ContactMethod: testContact,
		KeyProvider:   types.KeyProviderSSS,
		AuthShare:     &types.EncryptedShare{EncryptedData: share(1)},
		ShareVersion:  2,
		PreviousAuthShares: []types.PreviousAuthShare{
			{AuthShare: types.EncryptedShare{EncryptedData: share(0)}, ShareVersion: 1},
		},
	}))

	got, err := svc.GetCurrentOrVersioned(testContact, nil)
	require.NoError(t, err)
	assert.Equal(t, share(1), *got.AuthShare)

	key, err := svc.Get(testContact)
	require.NoError(t, err)
	assert.Equal(t, "v1", key.AuthShare.Version)
	assert.Equal(t, "v1", key.PreviousAuthShares[0].AuthShare.Version)

	got, err = svc.GetCurrentOrVersioned(testContact, intPtr(1))
	require.NoError(t, err)
	assert.Equal(t, share(0), *got.AuthShare)
}

// conflictingRepo lets another writer rotate the record right before the first save
type conflictingRepo struct {
	repository.Repository
	interfere func()
}

func (c *conflictingRepo) Save(ctx context.Context, docID string, data interface{}) error {
	if c.interfere != nil {
		f := c.interfere
		c.interfere = nil
		f()
	}
	return c.Repository.Save(ctx, docID, data)
}

func TestConcurrentRotationLaterWriterWins(t *testing.T) {
	svc, repo := newTestUserKeyService(t)
	_, err := svc.Upsert(testContact, nil, share(1), "did:key:z6MkAlice", "")
	require.NoError(t, err)

	other := *svc
	cr := &conflictingRepo{Repository: repo}
	svc.userKeyRepo = cr
	cr.interfere = func() {
		_, err := other.Upsert(testContact, nil, share(2), "", "")
		require.NoError(t, err)
	}

	key, err := svc.Upsert(testContact, nil, share(3), "", "")
	require.NoError(t, err)
	assert.Equal(t, 3, key.ShareVersion)
	assert.Equal(t, []int{1, 2}, key.PreviousVersions())

	got, err := svc.GetCurrentOrVersioned(testContact, nil)
	require.NoError(t, err)
	assert.Equal(t, share(3), *got.AuthShare)
	got, err = svc.GetCurrentOrVersioned(testContact, intPtr(2))
	require.NoError(t, err)
	assert.Equal(t, share(2), *got.AuthShare)
}

func TestFindByAuthProviderAndDID(t *testing.T) {
	svc, _ := newTestUserKeyService(t)
	_, err := svc.Upsert(testContact, &types.AuthProviderLink{Type: types.AuthProviderKeycloak, ID: "kc-1"}, share(1), "did:key:z6MkOld", "")
	require.NoError(t, err)
	_, err = svc.Upsert(testContact, nil, share(2), "did:web:alice.example.com", "")
	require.NoError(t, err)
	require.NoError(t, svc.AddAuthProviderLink(testContact, types.AuthProviderLink{Type: types.AuthProviderFirebase, ID: "fb-1"}))
	require.NoError(t, svc.AddAuthProviderLink(testContact, types.AuthProviderLink{Type: types.AuthProviderFirebase, ID: "fb-1"}))

	key, err := svc.FindByAuthProvider(types.AuthProviderLink{Type: types.AuthProviderFirebase, ID: "fb-1"})
	require.NoError(t, err)
	assert.Len(t, key.AuthProviders, 2)

	_, err = svc.FindByAuthProvider(types.AuthProviderLink{Type: types.AuthProviderFirebase, ID: "kc-1"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	key, err = svc.FindByDID("did:key:z6MkOld")
	require.NoError(t, err)
	assert.Equal(t, "did:web:alice.example.com", key.PrimaryDID)
	key, err = svc.FindByDID("did:web:alice.example.com")
	require.NoError(t, err)
	assert.Equal(t, testContact.DocumentID(), key.UnderscoreID)

	key, err = svc.Resolve(&types.AuthUser{ID: "kc-1", ProviderType: types.AuthProviderKeycloak})
	require.NoError(t, err)
	assert.Equal(t, "did:web:alice.example.com", key.PrimaryDID)
}

func TestMarkMigratedAndDelete(t *testing.T) {
	svc, repo := newTestUserKeyService(t)
	require.NoError(t, repo.Save(context.Background(), testContact.DocumentID(), &types.UserKey{
		ContactMethod: testContact,
		KeyProvider:   types.KeyProviderWeb3Auth,
		PrimaryDID:    "did:key:z6MkAlice",
	}))

	require.NoError(t, svc.MarkMigrated(testContact))
	key, err := svc.Get(testContact)
	require.NoError(t, err)
	assert.True(t, key.MigratedFromWeb3Auth)
	assert.NotNil(t, key.MigratedAt)
	assert.Equal(t, types.KeyProviderSSS, key.KeyProvider)

	require.NoError(t, svc.Delete(testContact))
	_, err = svc.Get(testContact)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(testContact), types.ErrNotFound)
	assert.ErrorIs(t, svc.MarkMigrated(testContact), types.ErrNotFound)
}

func TestUpsertWithoutServerSecret(t *testing.T) {
	svc, _ := newTestUserKeyService(t)
	svc.secret = nil
	_, err := svc.Upsert(testContact, nil, share(1), "did:key:z6MkAlice", "")
	assert.ErrorIs(t, err, types.ErrServerMisconfigured)
}
