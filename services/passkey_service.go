package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-kit/log/level"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/repository"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/mailio/go-mailio-keyshare/util"
	"github.com/redis/go-redis/v9"
)

const passkeySessionTTL = 5 * time.Minute

// PasskeyService keeps the registry of passkey credentials (WebAuthn) a user registered as
// recovery methods. The PRF secret never reaches the server, only the credential.
type PasskeyService struct {
	env             *types.Environment
	passkeyUserRepo repository.Repository
}

func NewPasskeyService(dbSelector repository.DBSelector, env *types.Environment) *PasskeyService {
	if dbSelector == nil {
		panic("dbSelector cannot be nil")
	}
	passkeyUserRepo, rErr := dbSelector.ChooseDB(repository.PasskeyUser)
	if rErr != nil {
		level.Error(global.Logger).Log("msg", "failed to choose passkey user repository", "error", rErr)
		panic(rErr)
	}
	return &PasskeyService{
		passkeyUserRepo: passkeyUserRepo,
		env:             env,
	}
}

// Enabled reports whether the WebAuthn relying party is configured
func (s *PasskeyService) Enabled() bool {
	return s.env != nil && s.env.WebAuthN != nil && s.env.RedisClient != nil
}

func sessionKey(keyID string) string {
	return "webauthn_reg_sess_" + hex.EncodeToString(types.PasskeyUserHandle(keyID))
}

// GetUser gets the passkey user of a user key from the database
func (s *PasskeyService) GetUser(keyID string) (*types.PasskeyUser, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	resp, err := s.passkeyUserRepo.GetByID(ctx, keyID)
	if err != nil {
		if err != types.ErrNotFound {
			level.Error(global.Logger).Log("msg", "failed to get passkey user", "error", err)
		}
		return nil, err
	}

	var user types.PasskeyUserDB
	mErr := repository.MapToObject(resp, &user)
	if mErr != nil {
		level.Error(global.Logger).Log("msg", "failed to map object", "error", mErr)
		return nil, mErr
	}
	return types.MapPasskeyUserFromDB(user), nil
}

// getOrNewUser returns the stored passkey user or a fresh one for the user key
func (s *PasskeyService) getOrNewUser(key *types.UserKey) (*types.PasskeyUser, error) {
	user, err := s.GetUser(key.UnderscoreID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	return &types.PasskeyUser{
		ID:          types.PasskeyUserHandle(key.UnderscoreID),
		KeyID:       key.UnderscoreID,
		Name:        key.ContactMethod.Value,
		DisplayName: util.MaskEmail(key.ContactMethod.Value),
	}, nil
}

// SaveUser saves a new passkey user or overrides the existing one
func (s *PasskeyService) SaveUser(user *types.PasskeyUser) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	newUserDB := types.MapPasskeyUserToDB(*user)

	resp, uErr := s.passkeyUserRepo.GetByID(ctx, newUserDB.KeyID)
	if uErr != nil && uErr != types.ErrNotFound {
		level.Error(global.Logger).Log("msg", "failed to get passkey user", "error", uErr)
		return uErr
	}
	if uErr == nil {
		var existing types.PasskeyUserDB
		if mErr := repository.MapToObject(resp, &existing); mErr != nil {
			level.Error(global.Logger).Log("msg", "failed to map object", "error", mErr)
			return mErr
		}
		newUserDB.UnderscoreRev = existing.UnderscoreRev
	}

	err := s.passkeyUserRepo.Save(ctx, newUserDB.KeyID, newUserDB)
	if err != nil {
		level.Error(global.Logger).Log("msg", "failed to save passkey user", "error", err)
		return err
	}
	return nil
}

// DeleteUser removes every registered credential of the user key
func (s *PasskeyService) DeleteUser(keyID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	err := s.passkeyUserRepo.Delete(ctx, keyID)
	if err != nil && err != types.ErrNotFound {
		level.Error(global.Logger).Log("msg", "failed to delete passkey user", "error", err)
		return err
	}
	return nil
}

// HasCredential checks if the (base64url) credential id is registered for the user key
func (s *PasskeyService) HasCredential(keyID string, credentialID string) (bool, error) {
	raw, dErr := util.FixAndDecodeURLBase64(credentialID)
	if dErr != nil {
		return false, nil
	}
	user, err := s.GetUser(keyID)
	if err != nil {
		if err == types.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	for _, cred := range user.Credentials {
		if bytes.Equal(cred.ID, raw) {
			return true, nil
		}
	}
	return false, nil
}

// BeginRegistration creates the registration options of a new passkey and keeps the ceremony
// session in Redis. Already registered credentials are excluded.
func (s *PasskeyService) BeginRegistration(ctx context.Context, key *types.UserKey) (*protocol.CredentialCreation, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("webauthn not configured: %w", types.ErrBadRequest)
	}
	user, err := s.getOrNewUser(key)
	if err != nil {
		return nil, err
	}
	exclusions := make([]protocol.CredentialDescriptor, 0, len(user.Credentials))
	for _, cred := range user.Credentials {
		exclusions = append(exclusions, cred.Descriptor())
	}

	options, session, err := s.env.WebAuthN.BeginRegistration(user,
		webauthn.WithExclusions(exclusions),
		webauthn.WithExtensions(protocol.AuthenticationExtensions{"prf": map[string]interface{}{}}),
	)
	if err != nil {
		level.Error(global.Logger).Log("msg", "failed to begin passkey registration", "error", err)
		return nil, types.ErrInternal
	}

	sessionBytes, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	if err := s.env.RedisClient.Set(ctx, sessionKey(key.UnderscoreID), sessionBytes, passkeySessionTTL).Err(); err != nil {
		level.Error(global.Logger).Log("msg", "failed to store webauthn session", "error", err)
		return nil, types.ErrInternal
	}
	return options, nil
}

// FinishRegistration verifies the attestation against the stored ceremony session and adds
// the credential to the registry
func (s *PasskeyService) FinishRegistration(ctx context.Context, key *types.UserKey, attestation *types.WebauthnAttestationResponseJSON) (*webauthn.Credential, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("webauthn not configured: %w", types.ErrBadRequest)
	}
	sessKey := sessionKey(key.UnderscoreID)
	sessBytes, err := s.env.RedisClient.Get(ctx, sessKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("registration session not found: %w", types.ErrUnauthorized)
		}
		level.Error(global.Logger).Log("msg", "failed to get webauthn session", "error", err)
		return nil, types.ErrInternal
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(sessBytes, &session); err != nil {
		level.Error(global.Logger).Log("msg", "failed to unmarshal webauthn session", "error", err)
		return nil, types.ErrInternal
	}

	user, err := s.getOrNewUser(key)
	if err != nil {
		return nil, err
	}

	// the library expects the raw request body
	attRespMrsh, err := json.Marshal(attestation)
	if err != nil {
		return nil, err
	}
	pcc, pccErr := protocol.ParseCredentialCreationResponseBody(io.NopCloser(bytes.NewReader(attRespMrsh)))
	if pccErr != nil {
		level.Warn(global.Logger).Log("msg", "failed to parse credential creation response", "error", pccErr)
		return nil, fmt.Errorf("invalid attestation: %w", types.ErrUnauthorized)
	}
	credential, cErr := s.env.WebAuthN.CreateCredential(user, session, pcc)
	if cErr != nil {
		level.Warn(global.Logger).Log("msg", "failed to create credential", "error", cErr)
		return nil, fmt.Errorf("attestation rejected: %w", types.ErrUnauthorized)
	}

	credentialExists := false
	for _, cred := range user.Credentials {
		if bytes.Equal(cred.ID, credential.ID) {
			credentialExists = true
		}
	}
	if !credentialExists {
		user.Credentials = append(user.Credentials, *credential)
	}
	if err := s.SaveUser(user); err != nil {
		return nil, err
	}

	if delErr := s.env.RedisClient.Del(ctx, sessKey).Err(); delErr != nil {
		level.Warn(global.Logger).Log("msg", "failed to delete webauthn session", "error", delErr)
	}
	return credential, nil
}

// EncodeCredentialID is the form credential ids take in recovery methods
func EncodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}
