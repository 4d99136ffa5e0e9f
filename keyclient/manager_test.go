package keyclient

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/qrlogin"
	"github.com/mailio/go-mailio-keyshare/recovery"
	"github.com/mailio/go-mailio-keyshare/repository"
	"github.com/mailio/go-mailio-keyshare/services"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/mailio/go-mailio-keyshare/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUser = &types.AuthUser{ID: "uid-1", Email: "alice@example.com", ProviderType: types.AuthProviderFirebase}

// serviceKeyServer serves the KeyServer API straight from a UserKeyService
type serviceKeyServer struct {
	svc        *services.UserKeyService
	user       *types.AuthUser
	legacy     bool
	emailShare string
	deleteErr  error
}

func newServiceKeyServer(t *testing.T) *serviceKeyServer {
	t.Helper()
	global.Conf.KeyShare.ServerSecret = "test-server-secret"
	global.Conf.KeyShare.PreviousShareRetention = 5
	sel := repository.NewCouchDBSelector()
	for _, db := range repository.Databases {
		sel.AddDB(repository.NewMemoryRepository(db))
	}
	return &serviceKeyServer{svc: services.NewUserKeyService(sel), user: testUser}
}

func (s *serviceKeyServer) contact() types.ContactMethod {
	c, _ := s.user.ContactMethod()
	return c
}

func (s *serviceKeyServer) GetAuthShare(ctx context.Context, shareVersion *int) (*types.OutputAuthShare, error) {
	if s.legacy {
		return &types.OutputAuthShare{Exists: true, KeyProvider: types.KeyProviderWeb3Auth}, nil
	}
	v, err := s.svc.GetCurrentOrVersioned(s.contact(), shareVersion)
	if errors.Is(err, types.ErrNotFound) {
		return &types.OutputAuthShare{Exists: false, RecoveryMethods: []types.RecoveryMethodInfo{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return v.Output(), nil
}

func (s *serviceKeyServer) StoreAuthShare(ctx context.Context, authShare string, primaryDID string, securityLevel types.SecurityLevel) (*types.OutputStoreAuthShare, error) {
	link := s.user.Link()
	key, err := s.svc.Upsert(s.contact(), &link, authShare, primaryDID, securityLevel)
	if err != nil {
		return nil, err
	}
	return &types.OutputStoreAuthShare{Success: true, ShareVersion: key.ShareVersion}, nil
}

func (s *serviceKeyServer) AddRecoveryMethod(ctx context.Context, in types.InputAddRecoveryMethod) error {
	_, err := s.svc.AddRecoveryMethod(s.contact(), types.RecoveryMethod{
		Type:           in.Type,
		CredentialID:   in.CredentialID,
		EncryptedShare: in.EncryptedShare,
		ShareVersion:   in.ShareVersion,
	}, in.RecoveryEmail)
	return err
}

func (s *serviceKeyServer) GetRecoveryShare(ctx context.Context, methodType types.RecoveryMethodType, credentialID string) (*types.OutputRecoveryShare, error) {
	m, err := s.svc.GetRecoveryMethod(s.contact(), methodType, credentialID)
	if err != nil {
		return nil, err
	}
	return &types.OutputRecoveryShare{Type: m.Type, CredentialID: m.CredentialID, EncryptedShare: m.EncryptedShare, ShareVersion: m.ShareVersion}, nil
}

func (s *serviceKeyServer) MarkMigrated(ctx context.Context) error {
	s.legacy = false
	return s.svc.MarkMigrated(s.contact())
}

func (s *serviceKeyServer) DeleteUserKey(ctx context.Context) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.svc.Delete(s.contact())
}

func (s *serviceKeyServer) EmailBackup(ctx context.Context, emailShare string, email string) error {
	s.emailShare = emailShare
	return nil
}

func (s *serviceKeyServer) PasskeyRegistrationOptions(ctx context.Context) (json.RawMessage, error) {
	return nil, types.ErrBadRequest
}

func (s *serviceKeyServer) VerifyPasskeyRegistration(ctx context.Context, attestation json.RawMessage) error {
	return nil
}

func newTestManager(server KeyServer) *Manager {
	auth := &StaticProvider{Token: "token", User: testUser, ProviderType: types.AuthProviderFirebase}
	return NewManager(server, auth, vault.New(vault.NewMemoryStorage(), vault.NewMemoryKeyStore()), WithKDFParams(recovery.MinKDFParams))
}

func TestSetupLoginAndRotate(t *testing.T) {
	server := newServiceKeyServer(t)
	m := newTestManager(server)
	ctx := context.Background()

	did, err := m.Setup(ctx)
	require.NoError(t, err)
	assert.Contains(t, did, "did:key:z6Mk")
	assert.Equal(t, 1, m.ShareVersion())

	m.deactivate()
	got, err := m.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, did, got)

	v, err := m.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	m.deactivate()
	got, err = m.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, did, got)
	assert.Equal(t, 2, m.ShareVersion())
}

func TestLoginWithoutDeviceShare(t *testing.T) {
	server := newServiceKeyServer(t)
	_, err := newTestManager(server).Setup(context.Background())
	require.NoError(t, err)

	_, err = newTestManager(server).Login(context.Background())
	assert.ErrorIs(t, err, ErrNoDeviceShare)
}

func TestRotationEvictionScenario(t *testing.T) {
	server := newServiceKeyServer(t)
	ctx := context.Background()
	first := newTestManager(server)

	did, err := first.Setup(ctx)
	require.NoError(t, err)
	_, err = first.AddRecoveryMethod(ctx, recovery.PasswordMethod{Password: "correct horse"})
	require.NoError(t, err)
	_, err = first.AddRecoveryMethod(ctx, recovery.EmailMethod{Email: "alice.backup@example.com"})
	require.NoError(t, err)
	emailed := server.emailShare
	require.NotEmpty(t, emailed)
	assert.Equal(t, "0001", emailed[:4])

	_, err = first.Rotate(ctx)
	require.NoError(t, err)

	// a new device recovers with the method registered against version 1
	second := newTestManager(server)
	coordinator := NewCoordinator(second, nil)
	state := coordinator.Initialize(ctx)
	require.Equal(t, StatusNeedsRecovery, state.Status)
	require.Len(t, state.RecoveryMethods, 2)

	_, err = coordinator.Recover(ctx, recovery.PasswordMethod{Password: "wrong"})
	assert.ErrorIs(t, err, recovery.ErrDecryptionFailed)
	assert.Equal(t, StatusNeedsRecovery, coordinator.State().Status)

	state, err = coordinator.Recover(ctx, recovery.PasswordMethod{Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, state.Status)
	assert.Equal(t, did, state.DID)
	assert.Equal(t, 1, second.ShareVersion())

	// evict version 1
	for i := 0; i < 5; i++ {
		_, err = first.Rotate(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 7, first.ShareVersion())

	third := newTestManager(server)
	_, err = third.Recover(ctx, recovery.PasswordMethod{Password: "correct horse"})
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = third.Recover(ctx, recovery.EmailMethod{EmailShare: emailed})
	assert.ErrorIs(t, err, types.ErrShareVersionUnavailable)
	assert.EqualError(t, types.ErrShareVersionUnavailable, "share unavailable")

	// the device that recovered at version 1 is stale now
	state = NewCoordinator(second, nil).Initialize(ctx)
	assert.Equal(t, StatusNeedsRecovery, state.Status)
	has, err := second.HasLocalShare(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	// the current device is unaffected
	first.deactivate()
	got, err := first.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, did, got)
}

func TestRecoverWithPhraseAndBackup(t *testing.T) {
	server := newServiceKeyServer(t)
	ctx := context.Background()
	m := newTestManager(server)
	did, err := m.Setup(ctx)
	require.NoError(t, err)

	added, err := m.AddRecoveryMethod(ctx, recovery.PhraseMethod{})
	require.NoError(t, err)
	require.NotEmpty(t, added.Phrase)
	backup, err := m.ExportBackup(ctx, "backup password")
	require.NoError(t, err)

	byPhrase := newTestManager(server)
	got, err := byPhrase.Recover(ctx, recovery.PhraseMethod{Phrase: added.Phrase})
	require.NoError(t, err)
	assert.Equal(t, did, got)

	byBackup := newTestManager(server)
	got, err = byBackup.Recover(ctx, recovery.BackupMethod{File: backup, Password: "backup password"})
	require.NoError(t, err)
	assert.Equal(t, did, got)

	// recovered devices log in on their own afterwards
	byBackup.deactivate()
	got, err = byBackup.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, did, got)
}

func TestRecoverRejectsForeignKeyBeforeWriting(t *testing.T) {
	server := newServiceKeyServer(t)
	ctx := context.Background()
	m := newTestManager(server)
	_, err := m.Setup(ctx)
	require.NoError(t, err)
	backup, err := m.ExportBackup(ctx, "backup password")
	require.NoError(t, err)

	var file map[string]interface{}
	require.NoError(t, json.Unmarshal(backup, &file))
	file["primaryDid"] = "did:key:z6MkSomebodyElse"
	tampered, err := json.Marshal(file)
	require.NoError(t, err)

	other := newTestManager(server)
	_, err = other.Recover(ctx, recovery.BackupMethod{File: tampered, Password: "backup password"})
	assert.ErrorIs(t, err, ErrDIDMismatch)
	has, err := other.HasLocalShare(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestAddRecoveryMethodAfterLoginRotates(t *testing.T) {
	server := newServiceKeyServer(t)
	ctx := context.Background()
	m := newTestManager(server)
	_, err := m.Setup(ctx)
	require.NoError(t, err)

	m.deactivate()
	_, err = m.Login(ctx)
	require.NoError(t, err)

	added, err := m.AddRecoveryMethod(ctx, recovery.PasswordMethod{Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, 2, added.ShareVersion)
	assert.Equal(t, 2, m.ShareVersion())

	_, err = m.AddRecoveryMethod(ctx, recovery.PasskeyMethod{})
	assert.ErrorIs(t, err, recovery.ErrAuthenticatorUnavailable)
}

func TestCrossDeviceLoginAdoptsDeviceShare(t *testing.T) {
	server := newServiceKeyServer(t)
	ctx := context.Background()
	m := newTestManager(server)
	did, err := m.Setup(ctx)
	require.NoError(t, err)

	share, version, err := m.DeviceShare(ctx)
	require.NoError(t, err)
	require.NotNil(t, version)

	other := newTestManager(server)
	got, err := other.CompleteCrossDeviceLogin(ctx, &qrlogin.Approval{DeviceShare: share, ShareVersion: version})
	require.NoError(t, err)
	assert.Equal(t, did, got)
	assert.Equal(t, 1, other.ShareVersion())
}

func TestDeleteAccountJoinsFailures(t *testing.T) {
	server := newServiceKeyServer(t)
	ctx := context.Background()
	m := newTestManager(server)
	_, err := m.Setup(ctx)
	require.NoError(t, err)

	server.deleteErr = types.ErrInternal
	err = m.DeleteAccount(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInternal)
	has, _ := m.HasLocalShare(ctx)
	assert.False(t, has)
	assert.Empty(t, m.DID())

	server.deleteErr = nil
	require.NoError(t, m.DeleteAccount(ctx))
	// already gone on the server
	require.NoError(t, m.DeleteAccount(ctx))
}
