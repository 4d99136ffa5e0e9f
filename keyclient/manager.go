// Package keyclient is the device side of the key custody scheme: it splits the identity key,
// keeps the device share in the local vault and the auth share on the key server, and
// reconstructs the key from any two shares.
package keyclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/qrlogin"
	"github.com/mailio/go-mailio-keyshare/recovery"
	"github.com/mailio/go-mailio-keyshare/sss"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/mailio/go-mailio-keyshare/util"
	"github.com/mailio/go-mailio-keyshare/vault"
)

var (
	ErrNoActiveKey     = errors.New("no active key, login first")
	ErrNoDeviceShare   = errors.New("no device share on this device")
	ErrNoServerRecord  = errors.New("no key record on server")
	ErrNoAuthShare     = errors.New("no auth share found on server")
	ErrNotMigrated     = errors.New("key has not been migrated yet")
	ErrDIDMismatch     = errors.New("reconstructed key does not match the account DID")
	ErrUnsupportedType = errors.New("unsupported recovery method")
)

const seedSize = ed25519.SeedSize

// AddedMethod is what the caller has to keep after adding a recovery method
type AddedMethod struct {
	Type         types.RecoveryMethodType
	ShareVersion int
	// Phrase is set for phrase methods, the only copy of it
	Phrase string
	// Backup is set for backup methods
	Backup []byte
}

// Manager holds the key of the signed in user while the session lasts
type Manager struct {
	server   KeyServer
	auth     AuthProvider
	vault    *vault.Vault
	passkeys recovery.Authenticator
	kdf      recovery.KDFParams

	mu   sync.Mutex
	seed []byte
	did  string
	// version is the share version the device share pairs with
	version int
	// recoveryShare belongs to the split of version and is only known right after a split
	recoveryShare sss.Share
}

type Option func(*Manager)

// WithAuthenticator enables passkey recovery methods
func WithAuthenticator(a recovery.Authenticator) Option {
	return func(m *Manager) { m.passkeys = a }
}

func WithKDFParams(p recovery.KDFParams) Option {
	return func(m *Manager) { m.kdf = p }
}

func NewManager(server KeyServer, auth AuthProvider, v *vault.Vault, opts ...Option) *Manager {
	m := &Manager{
		server:   server,
		auth:     auth,
		vault:    v,
		passkeys: recovery.NoAuthenticator{},
		kdf:      recovery.DefaultKDFParams,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// DID of the active key
func (m *Manager) DID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.did
}

// ShareVersion the active device share pairs with
func (m *Manager) ShareVersion() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// PrivateKey returns the active signing key (nil before login)
func (m *Manager) PrivateKey() ed25519.PrivateKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seed == nil {
		return nil
	}
	return ed25519.NewKeyFromSeed(m.seed)
}

func (m *Manager) deviceShareID(ctx context.Context) (string, *types.AuthUser, error) {
	user, err := m.auth.GetCurrentUser(ctx)
	if err != nil {
		return "", nil, err
	}
	if user == nil || user.ID == "" {
		return "", nil, ErrNotSignedIn
	}
	return vault.DeviceShareID(user.ID), user, nil
}

// HasLocalShare reports whether this device holds a device share for the signed in user
func (m *Manager) HasLocalShare(ctx context.Context) (bool, error) {
	id, _, err := m.deviceShareID(ctx)
	if err != nil {
		return false, err
	}
	return m.vault.Has(id), nil
}

// activate makes seed the active key, wiping whatever was active before
func (m *Manager) activate(seed []byte, did string, version int, recoveryShare sss.Share) {
	m.mu.Lock()
	sss.Wipe(m.seed)
	sss.Wipe(m.recoveryShare)
	m.seed = seed
	m.did = did
	m.version = version
	m.recoveryShare = recoveryShare
	m.mu.Unlock()

	if hs, ok := m.server.(HolderKeySetter); ok {
		hs.SetHolderKey(ed25519.NewKeyFromSeed(seed))
	}
}

func (m *Manager) deactivate() {
	m.mu.Lock()
	sss.Wipe(m.seed)
	sss.Wipe(m.recoveryShare)
	m.seed = nil
	m.did = ""
	m.version = 0
	m.recoveryShare = nil
	m.mu.Unlock()

	if hs, ok := m.server.(HolderKeySetter); ok {
		hs.SetHolderKey(nil)
	}
}

// Setup creates a fresh identity key and stores its shares
func (m *Manager) Setup(ctx context.Context) (string, error) {
	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", err
	}
	return m.SetupWithKey(ctx, seed)
}

// SetupWithKey splits an existing seed. The auth share is stored first, so a failed local
// write leaves a device that can still recover instead of a device share without a server half.
func (m *Manager) SetupWithKey(ctx context.Context, seed []byte) (string, error) {
	if len(seed) != seedSize {
		return "", fmt.Errorf("seed must be %d bytes", seedSize)
	}
	seed = append([]byte(nil), seed...)
	did, _, err := util.DIDKeyFromSeed(seed)
	if err != nil {
		sss.Wipe(seed)
		return "", err
	}
	if err := m.storeNewSplit(ctx, seed, did); err != nil {
		sss.Wipe(seed)
		return "", err
	}
	return did, nil
}

// storeNewSplit splits seed, stores the auth share and then the device share with its version
func (m *Manager) storeNewSplit(ctx context.Context, seed []byte, did string) error {
	id, _, err := m.deviceShareID(ctx)
	if err != nil {
		return err
	}
	set, err := sss.SplitAndVerify(seed)
	if err != nil {
		return err
	}
	defer sss.Wipe(set.Device)
	defer sss.Wipe(set.Auth)

	stored, err := m.server.StoreAuthShare(ctx, set.Auth.String(), did, "")
	if err != nil {
		sss.Wipe(set.Recovery)
		return fmt.Errorf("store auth share: %w", err)
	}
	if err := m.vault.Store(id, set.Device); err != nil {
		sss.Wipe(set.Recovery)
		return fmt.Errorf("store device share: %w", err)
	}
	if err := m.vault.StoreVersion(id, stored.ShareVersion); err != nil {
		sss.Wipe(set.Recovery)
		return fmt.Errorf("store device share version: %w", err)
	}
	m.activate(seed, did, stored.ShareVersion, set.Recovery)
	level.Info(global.Logger).Log("msg", "stored new share set", "did", did, "shareVersion", stored.ShareVersion)
	return nil
}

// Migrate moves a legacy single party key onto shares
func (m *Manager) Migrate(ctx context.Context, seed []byte) (string, error) {
	did, err := m.SetupWithKey(ctx, seed)
	if err != nil {
		return "", err
	}
	if err := m.server.MarkMigrated(ctx); err != nil {
		return "", fmt.Errorf("mark migrated: %w", err)
	}
	return did, nil
}

// reconstruct combines a share with the server's auth share of the given version and checks
// that the key belongs to the account before anything is written
func (m *Manager) reconstruct(ctx context.Context, share sss.Share, version *int, expectedDID string) ([]byte, string, int, error) {
	out, err := m.server.GetAuthShare(ctx, version)
	if err != nil {
		return nil, "", 0, err
	}
	if !out.Exists {
		return nil, "", 0, ErrNoServerRecord
	}
	if out.KeyProvider != "" && out.KeyProvider != types.KeyProviderSSS {
		return nil, "", 0, ErrNotMigrated
	}
	if out.AuthShare == nil {
		return nil, "", 0, ErrNoAuthShare
	}
	authShare, err := sss.ParseShare(*out.AuthShare)
	if err != nil {
		return nil, "", 0, err
	}
	defer sss.Wipe(authShare)

	seed, err := sss.Combine([]sss.Share{share, authShare})
	if err != nil {
		return nil, "", 0, err
	}
	if len(seed) != seedSize {
		sss.Wipe(seed)
		return nil, "", 0, ErrDIDMismatch
	}
	did, _, err := util.DIDKeyFromSeed(seed)
	if err != nil {
		sss.Wipe(seed)
		return nil, "", 0, err
	}
	if expectedDID == "" {
		expectedDID = out.PrimaryDID
	}
	if expectedDID != "" && did != expectedDID {
		sss.Wipe(seed)
		level.Warn(global.Logger).Log("msg", "reconstructed key does not match account", "security", "did_mismatch")
		return nil, "", 0, ErrDIDMismatch
	}

	served := out.ShareVersion
	if version != nil {
		served = *version
	}
	return seed, did, served, nil
}

// Login reconstructs the key from the local device share and the server's auth share of the
// version the device share was split with
func (m *Manager) Login(ctx context.Context) (string, error) {
	id, _, err := m.deviceShareID(ctx)
	if err != nil {
		return "", err
	}
	raw, err := m.vault.Get(id)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", ErrNoDeviceShare
	}
	device := sss.Share(raw)
	defer sss.Wipe(device)

	var version *int
	if v, ok, vErr := m.vault.GetVersion(id); vErr != nil {
		return "", vErr
	} else if ok {
		version = &v
	}

	seed, did, served, err := m.reconstruct(ctx, device, version, "")
	if err != nil {
		return "", err
	}
	m.activate(seed, did, served, nil)
	return did, nil
}

// Rotate splits the active key again. Older versions stay on the server within retention.
func (m *Manager) Rotate(ctx context.Context) (int, error) {
	m.mu.Lock()
	if m.seed == nil {
		m.mu.Unlock()
		return 0, ErrNoActiveKey
	}
	seed := append([]byte(nil), m.seed...)
	did := m.did
	m.mu.Unlock()

	if err := m.storeNewSplit(ctx, seed, did); err != nil {
		sss.Wipe(seed)
		return 0, err
	}
	return m.ShareVersion(), nil
}

// currentRecoveryShare returns a copy of the recovery share of the active split, rotating
// first when the split happened before this session
func (m *Manager) currentRecoveryShare(ctx context.Context) (sss.Share, int, string, error) {
	m.mu.Lock()
	if m.seed == nil {
		m.mu.Unlock()
		return nil, 0, "", ErrNoActiveKey
	}
	if m.recoveryShare == nil {
		m.mu.Unlock()
		if _, err := m.Rotate(ctx); err != nil {
			return nil, 0, "", err
		}
		m.mu.Lock()
	}
	defer m.mu.Unlock()
	return append(sss.Share(nil), m.recoveryShare...), m.version, m.did, nil
}

// AddRecoveryMethod protects the recovery share of the active split with the given method
// and registers the method for that share version
func (m *Manager) AddRecoveryMethod(ctx context.Context, method recovery.Method) (*AddedMethod, error) {
	share, version, did, err := m.currentRecoveryShare(ctx)
	if err != nil {
		return nil, err
	}
	defer sss.Wipe(share)

	added := &AddedMethod{Type: method.Type(), ShareVersion: version}
	input := types.InputAddRecoveryMethod{Type: method.Type(), ShareVersion: &version}

	switch mt := method.(type) {
	case recovery.PasswordMethod:
		env, eErr := recovery.EncryptWithPassword(share, mt.Password, m.kdf)
		if eErr != nil {
			return nil, eErr
		}
		if input.EncryptedShare, err = env.MarshalRaw(); err != nil {
			return nil, err
		}
	case recovery.PasskeyMethod:
		credentialID, env, pErr := m.registerPasskey(ctx, share)
		if pErr != nil {
			return nil, pErr
		}
		input.CredentialID = credentialID
		if input.EncryptedShare, err = env.MarshalRaw(); err != nil {
			return nil, err
		}
	case recovery.PhraseMethod:
		phrase, pErr := recovery.ShareToPhrase(share)
		if pErr != nil {
			return nil, pErr
		}
		added.Phrase = phrase
	case recovery.BackupMethod:
		file, bErr := recovery.NewBackupFile(share, mt.Password, did, &version, m.kdf)
		if bErr != nil {
			return nil, bErr
		}
		if added.Backup, err = file.Marshal(); err != nil {
			return nil, err
		}
	case recovery.EmailMethod:
		if mt.Email == "" {
			return nil, fmt.Errorf("recovery email is required")
		}
		input.RecoveryEmail = mt.Email
	default:
		return nil, ErrUnsupportedType
	}

	if err := m.server.AddRecoveryMethod(ctx, input); err != nil {
		return nil, fmt.Errorf("register %s recovery method: %w", method.Type(), err)
	}

	if mt, ok := method.(recovery.EmailMethod); ok {
		emailShare, fErr := recovery.FormatVersionedShare(share, version)
		if fErr != nil {
			return nil, fErr
		}
		if err := m.server.EmailBackup(ctx, emailShare, mt.Email); err != nil {
			return nil, fmt.Errorf("send recovery email: %w", err)
		}
	}
	return added, nil
}

func (m *Manager) registerPasskey(ctx context.Context, share sss.Share) (string, *recovery.Envelope, error) {
	if m.passkeys == nil || !m.passkeys.Available() {
		return "", nil, recovery.ErrAuthenticatorUnavailable
	}
	user, err := m.auth.GetCurrentUser(ctx)
	if err != nil {
		return "", nil, err
	}
	if user == nil {
		return "", nil, ErrNotSignedIn
	}

	// servers without WebAuthn answer bad request and accept unregistered credentials
	options, err := m.server.PasskeyRegistrationOptions(ctx)
	if err != nil && !errors.Is(err, types.ErrBadRequest) {
		return "", nil, err
	}

	name := user.Email
	if name == "" {
		name = user.Phone
	}
	if name == "" {
		name = user.ID
	}
	cred, err := m.passkeys.Register(ctx, recovery.PasskeyUser{ID: []byte(user.ID), Name: name, DisplayName: name})
	if err != nil {
		return "", nil, err
	}
	if options != nil && len(cred.Attestation) > 0 {
		if err := m.server.VerifyPasskeyRegistration(ctx, cred.Attestation); err != nil {
			return "", nil, fmt.Errorf("verify passkey registration: %w", err)
		}
	}
	env, err := recovery.EncryptWithPasskey(ctx, m.passkeys, cred.ID, share)
	if err != nil {
		return "", nil, err
	}
	return base64.RawURLEncoding.EncodeToString(cred.ID), env, nil
}

// ExportBackup seals the recovery share of the active split into a backup file
func (m *Manager) ExportBackup(ctx context.Context, password string) ([]byte, error) {
	added, err := m.AddRecoveryMethod(ctx, recovery.BackupMethod{Password: password})
	if err != nil {
		return nil, err
	}
	return added.Backup, nil
}

// recoveredShare derives the recovery share and the version it belongs to
func (m *Manager) recoveredShare(ctx context.Context, method recovery.Method) (sss.Share, *int, string, error) {
	switch mt := method.(type) {
	case recovery.PasswordMethod:
		out, err := m.server.GetRecoveryShare(ctx, types.RecoveryMethodPassword, "")
		if err != nil {
			return nil, nil, "", err
		}
		env, err := recovery.ParseEnvelope(out.EncryptedShare)
		if err != nil {
			return nil, nil, "", err
		}
		share, err := recovery.DecryptWithPassword(env, mt.Password)
		if err != nil {
			return nil, nil, "", err
		}
		return share, out.ShareVersion, "", nil
	case recovery.PasskeyMethod:
		out, err := m.server.GetRecoveryShare(ctx, types.RecoveryMethodPasskey, mt.CredentialID)
		if err != nil {
			return nil, nil, "", err
		}
		credentialID, err := util.FixAndDecodeURLBase64(out.CredentialID)
		if err != nil {
			return nil, nil, "", fmt.Errorf("credential id: %w", recovery.ErrInvalidEnvelope)
		}
		env, err := recovery.ParseEnvelope(out.EncryptedShare)
		if err != nil {
			return nil, nil, "", err
		}
		share, err := recovery.DecryptWithPasskey(ctx, m.passkeys, credentialID, env)
		if err != nil {
			return nil, nil, "", err
		}
		return share, out.ShareVersion, "", nil
	case recovery.PhraseMethod:
		share, err := recovery.PhraseToShare(mt.Phrase)
		if err != nil {
			return nil, nil, "", err
		}
		// the registered method tells which version the phrase belongs to
		out, err := m.server.GetRecoveryShare(ctx, types.RecoveryMethodPhrase, "")
		if err != nil {
			sss.Wipe(share)
			if errors.Is(err, types.ErrNotFound) {
				return nil, nil, "", fmt.Errorf("no phrase registered: %w", recovery.ErrDecryptionFailed)
			}
			return nil, nil, "", err
		}
		return share, out.ShareVersion, "", nil
	case recovery.BackupMethod:
		file, err := recovery.ParseBackupFile(mt.File)
		if err != nil {
			return nil, nil, "", err
		}
		share, err := file.Open(mt.Password)
		if err != nil {
			return nil, nil, "", err
		}
		return share, file.ShareVersion, file.PrimaryDID, nil
	case recovery.EmailMethod:
		share, version, err := recovery.ParseVersionedShare(mt.EmailShare)
		if err != nil {
			return nil, nil, "", err
		}
		return share, &version, "", nil
	}
	return nil, nil, "", ErrUnsupportedType
}

// Recover reconstructs the key from a recovery method and the server's auth share of the
// matching version. The recovery share becomes this device's share for that version.
func (m *Manager) Recover(ctx context.Context, method recovery.Method) (string, error) {
	id, _, err := m.deviceShareID(ctx)
	if err != nil {
		return "", err
	}
	share, version, expectedDID, err := m.recoveredShare(ctx, method)
	if err != nil {
		level.Info(global.Logger).Log("msg", "recovery failed", "method", method.Type(), "error", err)
		return "", err
	}
	defer sss.Wipe(share)

	return m.adoptShare(ctx, id, share, version, expectedDID)
}

// adoptShare verifies share against the server and stores it as the local device share
func (m *Manager) adoptShare(ctx context.Context, id string, share sss.Share, version *int, expectedDID string) (string, error) {
	seed, did, served, err := m.reconstruct(ctx, share, version, expectedDID)
	if err != nil {
		return "", err
	}
	if err := m.vault.Store(id, share); err != nil {
		sss.Wipe(seed)
		return "", fmt.Errorf("store device share: %w", err)
	}
	if err := m.vault.StoreVersion(id, served); err != nil {
		sss.Wipe(seed)
		return "", fmt.Errorf("store device share version: %w", err)
	}
	m.activate(seed, did, served, nil)
	return did, nil
}

// DeviceShare hands the local device share to a cross-device approval
func (m *Manager) DeviceShare(ctx context.Context) (string, *int, error) {
	id, _, err := m.deviceShareID(ctx)
	if err != nil {
		return "", nil, err
	}
	raw, err := m.vault.Get(id)
	if err != nil {
		return "", nil, err
	}
	if raw == nil {
		return "", nil, ErrNoDeviceShare
	}
	defer sss.Wipe(raw)
	v, ok, err := m.vault.GetVersion(id)
	if err != nil {
		return "", nil, err
	}
	var version *int
	if ok {
		version = &v
	}
	return sss.Share(raw).String(), version, nil
}

// CompleteCrossDeviceLogin adopts the device share received from another device
func (m *Manager) CompleteCrossDeviceLogin(ctx context.Context, approval *qrlogin.Approval) (string, error) {
	id, _, err := m.deviceShareID(ctx)
	if err != nil {
		return "", err
	}
	share, err := sss.ParseShare(approval.DeviceShare)
	if err != nil {
		return "", err
	}
	defer sss.Wipe(share)
	return m.adoptShare(ctx, id, share, approval.ShareVersion, "")
}

// RecoveryMethods lists the methods registered on the server
func (m *Manager) RecoveryMethods(ctx context.Context) ([]types.RecoveryMethodInfo, error) {
	out, err := m.server.GetAuthShare(ctx, nil)
	if err != nil {
		return nil, err
	}
	return out.RecoveryMethods, nil
}

// DeleteAccount purges the server record and the local vault. Both are always attempted and
// the call fails if either failed, so it can simply be retried.
func (m *Manager) DeleteAccount(ctx context.Context) error {
	serverErr := m.server.DeleteUserKey(ctx)
	if errors.Is(serverErr, types.ErrNotFound) {
		serverErr = nil
	}
	if serverErr != nil {
		serverErr = fmt.Errorf("server purge: %w", serverErr)
	}
	localErr := m.vault.ClearAll()
	if localErr != nil {
		localErr = fmt.Errorf("local purge: %w", localErr)
	}
	m.deactivate()

	if err := errors.Join(serverErr, localErr); err != nil {
		level.Error(global.Logger).Log("msg", "account deletion incomplete", "error", err)
		return err
	}
	return nil
}

// Logout forgets the key and removes local shares
func (m *Manager) Logout(ctx context.Context) error {
	m.deactivate()
	return m.vault.ClearAll()
}

// ForgetDeviceShare drops the local device share of the signed in user (stale share)
func (m *Manager) ForgetDeviceShare(ctx context.Context) error {
	id, _, err := m.deviceShareID(ctx)
	if err != nil {
		return err
	}
	return m.vault.Delete(id)
}

var _ qrlogin.DeviceShareSource = (*Manager)(nil)
