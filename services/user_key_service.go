package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/metrics"
	"github.com/mailio/go-mailio-keyshare/repository"
	"github.com/mailio/go-mailio-keyshare/sharecipher"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/mailio/go-mailio-keyshare/util"
)

// number of times a write is re-read and retried after a revision conflict
const maxConflictRetries = 5

type UserKeyService struct {
	userKeyRepo repository.Repository
	cipher      *sharecipher.Cipher
	secret      []byte
	retention   int
	now         func() time.Time
}

// VersionedAuthShare is the result of reading the auth share of a user key
type VersionedAuthShare struct {
	UserKey *types.UserKey
	// AuthShare is the decrypted share (hex), nil when the record holds no share
	AuthShare    *string
	ShareVersion int
}

// Output is the get-auth-share response for the record (envelopes stripped)
func (v *VersionedAuthShare) Output() *types.OutputAuthShare {
	key := v.UserKey
	out := &types.OutputAuthShare{
		Exists:          true,
		AuthShare:       v.AuthShare,
		PrimaryDID:      key.PrimaryDID,
		SecurityLevel:   key.SecurityLevel,
		KeyProvider:     key.KeyProvider,
		ShareVersion:    v.ShareVersion,
		RecoveryMethods: make([]types.RecoveryMethodInfo, 0, len(key.RecoveryMethods)),
	}
	for _, m := range key.RecoveryMethods {
		out.RecoveryMethods = append(out.RecoveryMethods, m.Info())
	}
	if key.RecoveryEmail != "" {
		masked := util.MaskEmail(key.RecoveryEmail)
		out.MaskedRecoveryEmail = &masked
	}
	return out
}

func NewUserKeyService(dbSelector repository.DBSelector) *UserKeyService {
	userKeyRepo, err := dbSelector.ChooseDB(repository.UserKey)
	if err != nil {
		level.Error(global.Logger).Log("msg", "failed to choose user key repository", "error", err)
		panic(err)
	}
	retention := global.Conf.KeyShare.PreviousShareRetention
	if retention <= 0 {
		retention = global.DefaultPreviousShareRetention
	}
	return &UserKeyService{
		userKeyRepo: userKeyRepo,
		cipher:      sharecipher.Default(),
		secret:      []byte(global.Conf.KeyShare.ServerSecret),
		retention:   retention,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Retention returns the number of previous auth shares kept per record
func (s *UserKeyService) Retention() int {
	return s.retention
}

func (s *UserKeyService) get(ctx context.Context, docID string) (*types.UserKey, error) {
	resp, err := s.userKeyRepo.GetByID(ctx, docID)
	if err != nil {
		if err != types.ErrNotFound {
			level.Error(global.Logger).Log("msg", "failed to get user key", "error", err)
		}
		return nil, err
	}
	var key types.UserKey
	if mErr := repository.MapToObject(resp, &key); mErr != nil {
		level.Error(global.Logger).Log("msg", "failed to map user key", "error", mErr)
		return nil, mErr
	}
	return &key, nil
}

// Get returns the user key stored for the contact method
func (s *UserKeyService) Get(contact types.ContactMethod) (*types.UserKey, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	return s.get(ctx, contact.DocumentID())
}

// update reads the record, applies fn and writes it back. On a revision conflict the record is
// re-read and fn applied again, so the later writer wins with a consistent document.
func (s *UserKeyService) update(contact types.ContactMethod, createIfMissing bool, fn func(key *types.UserKey, exists bool) error) (*types.UserKey, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	docID := contact.DocumentID()
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		key, err := s.get(ctx, docID)
		exists := true
		if err != nil {
			if err != types.ErrNotFound || !createIfMissing {
				return nil, err
			}
			exists = false
			now := s.now()
			key = &types.UserKey{
				ContactMethod: types.ContactMethod{
					Type:  contact.Type,
					Value: strings.ToLower(strings.TrimSpace(contact.Value)),
				},
				AuthProviders:      []types.AuthProviderLink{},
				KeyProvider:        types.KeyProviderSSS,
				PreviousAuthShares: []types.PreviousAuthShare{},
				SecurityLevel:      types.SecurityLevelBasic,
				RecoveryMethods:    []types.RecoveryMethod{},
				CreatedAt:          now,
			}
		}
		if err := fn(key, exists); err != nil {
			return nil, err
		}
		key.UpdatedAt = s.now()

		sErr := s.userKeyRepo.Save(ctx, docID, key)
		if sErr == nil {
			return key, nil
		}
		if sErr != types.ErrConflict {
			level.Error(global.Logger).Log("msg", "failed to save user key", "error", sErr)
			return nil, sErr
		}
		metrics.UserKeyConflictsTotal.Inc()
		level.Debug(global.Logger).Log("msg", "user key write conflict, retrying", "attempt", attempt+1)
	}
	return nil, types.ErrConflict
}

// Upsert stores a new auth share for the contact method. An existing share is rotated into
// previousAuthShares (the oldest evicted past retention) and the share version advances.
// Recovery methods referencing evicted versions are pruned in the same write.
func (s *UserKeyService) Upsert(contact types.ContactMethod, link *types.AuthProviderLink, authShare string, primaryDID string, securityLevel types.SecurityLevel) (*types.UserKey, error) {
	encrypted, err := s.cipher.Encrypt(authShare, s.secret)
	if err != nil {
		if err != types.ErrServerMisconfigured {
			level.Error(global.Logger).Log("msg", "failed to encrypt auth share", "error", err)
		}
		return nil, err
	}

	var evicted int
	var pruned []types.RecoveryMethod
	rotated := false
	key, err := s.update(contact, true, func(key *types.UserKey, exists bool) error {
		now := s.now()
		evicted, pruned, rotated = 0, nil, false

		if exists && key.AuthShare != nil {
			createdAt := key.UpdatedAt
			if key.ShareUpdatedAt != nil {
				createdAt = *key.ShareUpdatedAt
			}
			version := key.ShareVersion
			if version < 1 {
				version = 1
			}
			history := append(key.PreviousAuthShares, types.PreviousAuthShare{
				AuthShare:    *key.AuthShare,
				ShareVersion: version,
				CreatedAt:    createdAt,
			})
			if len(history) > s.retention {
				evicted = len(history) - s.retention
				history = history[evicted:]
			}
			key.PreviousAuthShares = history
			key.ShareVersion = version + 1
			rotated = true
		} else if key.ShareVersion < 1 {
			key.ShareVersion = 1
		}
		key.AuthShare = encrypted
		key.ShareUpdatedAt = &now

		if primaryDID != "" && key.PrimaryDID != primaryDID {
			if key.PrimaryDID != "" && !slices.Contains(key.LinkedDIDs, key.PrimaryDID) {
				key.LinkedDIDs = append(key.LinkedDIDs, key.PrimaryDID)
			}
			key.PrimaryDID = primaryDID
		}
		if securityLevel != "" {
			key.SecurityLevel = securityLevel
		}
		if link != nil && link.ID != "" && !key.HasAuthProvider(*link) {
			key.AuthProviders = append(key.AuthProviders, *link)
		}

		// recomputed from the record being written, so the version rotated out just now still counts
		key.RecoveryMethods, pruned = PruneOrphanedRecoveryMethods(key.RecoveryMethods, key.ShareVersion, key.PreviousVersions())
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rotated {
		metrics.AuthShareRotationsTotal.Inc()
	}
	if evicted > 0 {
		metrics.AuthShareEvictionsTotal.Add(float64(evicted))
	}
	if len(pruned) > 0 {
		metrics.RecoveryMethodsPrunedTotal.Add(float64(len(pruned)))
		level.Info(global.Logger).Log("msg", "pruned orphaned recovery methods", "count", len(pruned), "shareVersion", key.ShareVersion)
	}
	return key, nil
}

// GetCurrentOrVersioned returns the current auth share or, when version is set, any retained
// previous version. A version that was evicted returns types.ErrShareVersionUnavailable.
// Legacy plaintext shares are re-encrypted on the way out (best effort).
func (s *UserKeyService) GetCurrentOrVersioned(contact types.ContactMethod, version *int) (*VersionedAuthShare, error) {
	key, err := s.Get(contact)
	if err != nil {
		return nil, err
	}

	result := &VersionedAuthShare{UserKey: key, ShareVersion: key.ShareVersion}
	record := key.AuthShare
	if version != nil && *version != key.ShareVersion {
		record = key.AuthShareByVersion(*version)
		if record == nil {
			return nil, types.ErrShareVersionUnavailable
		}
		result.ShareVersion = *version
	}
	if record == nil {
		return result, nil
	}

	plain, err := s.cipher.Decrypt(record, s.secret)
	if err != nil {
		level.Error(global.Logger).Log("msg", "failed to decrypt auth share", "shareVersion", result.ShareVersion, "error", err)
		return nil, err
	}
	result.AuthShare = &plain

	if hasLegacyShares(key) {
		if mErr := s.migrateLegacyShares(contact); mErr != nil {
			level.Warn(global.Logger).Log("msg", "failed to migrate legacy auth shares", "error", mErr)
		}
	}
	return result, nil
}

func hasLegacyShares(key *types.UserKey) bool {
	if sharecipher.IsLegacy(key.AuthShare) {
		return true
	}
	for i := range key.PreviousAuthShares {
		if sharecipher.IsLegacy(&key.PreviousAuthShares[i].AuthShare) {
			return true
		}
	}
	return false
}

// migrateLegacyShares encrypts every plaintext share of the record at rest
func (s *UserKeyService) migrateLegacyShares(contact types.ContactMethod) error {
	migrated := 0
	_, err := s.update(contact, false, func(key *types.UserKey, exists bool) error {
		migrated = 0
		if sharecipher.IsLegacy(key.AuthShare) {
			enc, err := s.cipher.Encrypt(key.AuthShare.EncryptedData, s.secret)
			if err != nil {
				return err
			}
			key.AuthShare = enc
			migrated++
		}
		for i := range key.PreviousAuthShares {
			prev := &key.PreviousAuthShares[i].AuthShare
			if !sharecipher.IsLegacy(prev) {
				continue
			}
			enc, err := s.cipher.Encrypt(prev.EncryptedData, s.secret)
			if err != nil {
				return err
			}
			*prev = *enc
			migrated++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if migrated > 0 {
		metrics.LegacySharesMigratedTotal.Add(float64(migrated))
	}
	return nil
}

// AddAuthProviderLink links another identity provider account to an existing record
func (s *UserKeyService) AddAuthProviderLink(contact types.ContactMethod, link types.AuthProviderLink) error {
	if link.ID == "" || link.Type == "" {
		return types.ErrBadRequest
	}
	_, err := s.update(contact, false, func(key *types.UserKey, exists bool) error {
		if !key.HasAuthProvider(link) {
			key.AuthProviders = append(key.AuthProviders, link)
		}
		return nil
	})
	return err
}

func sameMethod(a, b types.RecoveryMethod) bool {
	if a.Type != b.Type {
		return false
	}
	// every passkey is its own method
	if a.Type == types.RecoveryMethodPasskey {
		return a.CredentialID == b.CredentialID
	}
	return true
}

// AddRecoveryMethod registers a recovery method, replacing an existing one of the same type
// (passkeys: same credential). The referenced share version must be current or retained.
func (s *UserKeyService) AddRecoveryMethod(contact types.ContactMethod, method types.RecoveryMethod, recoveryEmail string) (*types.UserKey, error) {
	return s.update(contact, false, func(key *types.UserKey, exists bool) error {
		if method.ShareVersion != nil && isOrphaned(key, &method) {
			return types.ErrShareVersionUnavailable
		}
		method.CreatedAt = s.now()

		methods := make([]types.RecoveryMethod, 0, len(key.RecoveryMethods)+1)
		for _, m := range key.RecoveryMethods {
			if !sameMethod(m, method) {
				methods = append(methods, m)
			}
		}
		key.RecoveryMethods = append(methods, method)
		if recoveryEmail != "" {
			key.RecoveryEmail = strings.ToLower(strings.TrimSpace(recoveryEmail))
		}
		if key.SecurityLevel == types.SecurityLevelBasic || key.SecurityLevel == "" {
			key.SecurityLevel = types.SecurityLevelEnhanced
		}
		return nil
	})
}

// GetRecoveryMethod returns the recovery method of the given type (and credential for passkeys).
// A method whose share version was evicted is never served.
func (s *UserKeyService) GetRecoveryMethod(contact types.ContactMethod, methodType types.RecoveryMethodType, credentialID string) (*types.RecoveryMethod, error) {
	key, err := s.Get(contact)
	if err != nil {
		return nil, err
	}
	for i := range key.RecoveryMethods {
		m := key.RecoveryMethods[i]
		if m.Type != methodType {
			continue
		}
		if credentialID != "" && m.CredentialID != credentialID {
			continue
		}
		if isOrphaned(key, &m) {
			level.Info(global.Logger).Log("msg", "recovery method references evicted share version", "type", m.Type, "shareVersion", *m.ShareVersion)
			return nil, types.ErrShareVersionUnavailable
		}
		return &m, nil
	}
	return nil, types.ErrNotFound
}

// MarkMigrated flags the record as migrated from the legacy key provider
func (s *UserKeyService) MarkMigrated(contact types.ContactMethod) error {
	_, err := s.update(contact, false, func(key *types.UserKey, exists bool) error {
		now := s.now()
		key.MigratedFromWeb3Auth = true
		key.MigratedAt = &now
		key.KeyProvider = types.KeyProviderSSS
		return nil
	})
	return err
}

// Delete removes the record of the contact method
func (s *UserKeyService) Delete(contact types.ContactMethod) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	err := s.userKeyRepo.Delete(ctx, contact.DocumentID())
	if err != nil && err != types.ErrNotFound {
		level.Error(global.Logger).Log("msg", "failed to delete user key", "error", err)
	}
	return err
}

func (s *UserKeyService) findOne(selector map[string]interface{}) (*types.UserKey, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	docs, err := s.userKeyRepo.Find(ctx, selector, 1)
	if err != nil {
		level.Error(global.Logger).Log("msg", "failed to query user keys", "error", err)
		return nil, err
	}
	if len(docs) == 0 {
		return nil, types.ErrNotFound
	}
	var key types.UserKey
	if mErr := repository.MapToObject(docs[0], &key); mErr != nil {
		return nil, mErr
	}
	return &key, nil
}

// FindByAuthProvider returns the record linked to the identity provider account
func (s *UserKeyService) FindByAuthProvider(link types.AuthProviderLink) (*types.UserKey, error) {
	return s.findOne(map[string]interface{}{
		"authProviders": map[string]interface{}{
			"$elemMatch": map[string]interface{}{
				"type": string(link.Type),
				"id":   link.ID,
			},
		},
	})
}

// FindByDID returns the record whose primary or linked DID matches
func (s *UserKeyService) FindByDID(did string) (*types.UserKey, error) {
	return s.findOne(map[string]interface{}{
		"$or": []interface{}{
			map[string]interface{}{"primaryDid": did},
			map[string]interface{}{"linkedDids": map[string]interface{}{"$elemMatch": map[string]interface{}{"$eq": did}}},
		},
	})
}

// Resolve finds the record of an authenticated user, by contact method first and by linked
// provider account otherwise
func (s *UserKeyService) Resolve(user *types.AuthUser) (*types.UserKey, error) {
	if contact, ok := user.ContactMethod(); ok {
		key, err := s.Get(contact)
		if err == nil || err != types.ErrNotFound {
			return key, err
		}
	}
	return s.FindByAuthProvider(user.Link())
}

// SweepOrphanedRecoveryMethods pages through all records and persists pruning of
// recovery methods whose share version is no longer held. Returns the number of methods pruned.
func (s *UserKeyService) SweepOrphanedRecoveryMethods() (int, error) {
	start := time.Now()
	defer func() {
		metrics.RecoverySweepLatency.Observe(float64(time.Since(start).Milliseconds()))
	}()

	const pageSize = 100
	total := 0
	var errs []error
	for skip := 0; ; skip += pageSize {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
		docs, err := s.userKeyRepo.GetAll(ctx, pageSize, skip)
		cancel()
		if err != nil {
			return total, err
		}
		for _, doc := range docs {
			var key types.UserKey
			if mErr := repository.MapToObject(doc, &key); mErr != nil {
				errs = append(errs, mErr)
				continue
			}
			if _, dropped := PruneOrphanedRecoveryMethods(key.RecoveryMethods, key.ShareVersion, key.PreviousVersions()); len(dropped) == 0 {
				continue
			}
			n := 0
			_, uErr := s.update(key.ContactMethod, false, func(k *types.UserKey, exists bool) error {
				var dropped []types.RecoveryMethod
				k.RecoveryMethods, dropped = PruneOrphanedRecoveryMethods(k.RecoveryMethods, k.ShareVersion, k.PreviousVersions())
				n = len(dropped)
				return nil
			})
			if uErr != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key.UnderscoreID, uErr))
				continue
			}
			total += n
		}
		if len(docs) < pageSize {
			break
		}
	}
	if total > 0 {
		metrics.RecoveryMethodsPrunedTotal.Add(float64(total))
	}
	return total, errors.Join(errs...)
}
