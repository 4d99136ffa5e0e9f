package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/services"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/mailio/go-mailio-keyshare/util"
)

type UserKeyApi struct {
	userKeyService      *services.UserKeyService
	identityService     *services.IdentityService
	passkeyService      *services.PasskeyService
	notificationService *services.NotificationService
	validator           *validator.Validate
}

func NewUserKeyApi(userKeyService *services.UserKeyService, identityService *services.IdentityService, passkeyService *services.PasskeyService, notificationService *services.NotificationService) *UserKeyApi {
	return &UserKeyApi{
		userKeyService:      userKeyService,
		identityService:     identityService,
		passkeyService:      passkeyService,
		notificationService: notificationService,
		validator:           validator.New(),
	}
}

// holderProof is the DID holder proof sent as a bearer token (optional)
func holderProof(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// authenticate verifies the identity token (and holder proof) of the request and returns the
// caller. The response is written on failure.
func authenticate(c *gin.Context, identityService *services.IdentityService, input types.AuthenticatedInput) (*types.Identity, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	identity, err := identityService.Authenticate(ctx, input, holderProof(c))
	if err != nil {
		respondError(c, err, "failed to authenticate")
		return nil, false
	}
	return identity, true
}

// resolveKey finds the record of the caller. The response is written on failure.
func (ua *UserKeyApi) resolveKey(c *gin.Context, identity *types.Identity) (*types.UserKey, bool) {
	key, err := ua.userKeyService.Resolve(identity.User)
	if err != nil {
		respondError(c, err, "failed to resolve user key")
		return nil, false
	}
	return key, true
}

// GetAuthShare godoc
// @Summary Get the auth share of the caller
// @Description Returns the current auth share or a retained previous version, plus recovery method metadata
// @Tags Keys
// @Accept json
// @Produce json
// @Param input body types.InputGetAuthShare true "identity token and optional share version"
// @Success 200 {object} types.OutputAuthShare
// @Failure 400 {object} api.ApiError "invalid input"
// @Failure 401 {object} api.ApiError "unauthorized"
// @Failure 410 {object} api.ApiError "share version evicted"
// @Router /api/v1/keys/auth-share/get [post]
func (ua *UserKeyApi) GetAuthShare(c *gin.Context) {
	var input types.InputGetAuthShare
	if !bindAndValidate(c, ua.validator, &input) {
		return
	}
	identity, ok := authenticate(c, ua.identityService, input.AuthenticatedInput)
	if !ok {
		return
	}
	key, err := ua.userKeyService.Resolve(identity.User)
	if errors.Is(err, types.ErrNotFound) {
		c.JSON(http.StatusOK, types.OutputAuthShare{Exists: false, RecoveryMethods: []types.RecoveryMethodInfo{}})
		return
	}
	if err != nil {
		respondError(c, err, "failed to resolve user key")
		return
	}
	versioned, err := ua.userKeyService.GetCurrentOrVersioned(key.ContactMethod, input.ShareVersion)
	if err != nil {
		respondError(c, err, "failed to get auth share")
		return
	}
	c.JSON(http.StatusOK, versioned.Output())
}

// StoreAuthShare godoc
// @Summary Store a new auth share
// @Description Creates the key record or rotates it: the previous share is retained and the share version advances
// @Tags Keys
// @Accept json
// @Produce json
// @Param input body types.InputStoreAuthShare true "auth share and primary DID"
// @Success 200 {object} types.OutputStoreAuthShare
// @Failure 400 {object} api.ApiError "invalid input"
// @Failure 401 {object} api.ApiError "unauthorized"
// @Router /api/v1/keys/auth-share [put]
func (ua *UserKeyApi) StoreAuthShare(c *gin.Context) {
	var input types.InputStoreAuthShare
	if !bindAndValidate(c, ua.validator, &input) {
		return
	}
	identity, ok := authenticate(c, ua.identityService, input.AuthenticatedInput)
	if !ok {
		return
	}
	contact, hasContact := identity.User.ContactMethod()
	if !hasContact {
		// provider accounts without email or phone can only update an already linked record
		existing, err := ua.userKeyService.FindByAuthProvider(identity.User.Link())
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				ApiErrorf(c, http.StatusBadRequest, "identity has no email or phone")
				return
			}
			respondError(c, err, "failed to resolve user key")
			return
		}
		contact = existing.ContactMethod
	}

	primaryDID := ua.identityService.ResolveClaimedDID(identity, input.PrimaryDID)
	link := identity.User.Link()
	key, err := ua.userKeyService.Upsert(contact, &link, input.AuthShare, primaryDID, input.SecurityLevel)
	if err != nil {
		respondError(c, err, "failed to store auth share")
		return
	}
	c.JSON(http.StatusOK, types.OutputStoreAuthShare{Success: true, ShareVersion: key.ShareVersion})
}

// AddRecoveryMethod godoc
// @Summary Register a recovery method
// @Description Stores the encrypted recovery share envelope of a method. Replaces an existing method of the same type.
// @Tags Keys
// @Accept json
// @Produce json
// @Param input body types.InputAddRecoveryMethod true "recovery method"
// @Success 200 {object} types.OutputSuccess
// @Failure 400 {object} api.ApiError "invalid input or passkey not registered"
// @Failure 404 {object} api.ApiError "no key record"
// @Failure 410 {object} api.ApiError "share version evicted"
// @Router /api/v1/keys/recovery [post]
func (ua *UserKeyApi) AddRecoveryMethod(c *gin.Context) {
	var input types.InputAddRecoveryMethod
	if !bindAndValidate(c, ua.validator, &input) {
		return
	}
	switch input.Type {
	case types.RecoveryMethodPassword, types.RecoveryMethodPasskey:
		if len(input.EncryptedShare) == 0 || string(input.EncryptedShare) == "null" {
			ApiErrorf(c, http.StatusBadRequest, "encryptedShare is required for %s", input.Type)
			return
		}
	}
	identity, ok := authenticate(c, ua.identityService, input.AuthenticatedInput)
	if !ok {
		return
	}
	key, ok := ua.resolveKey(c, identity)
	if !ok {
		return
	}

	if input.Type == types.RecoveryMethodPasskey && ua.passkeyService != nil && ua.passkeyService.Enabled() {
		registered, err := ua.passkeyService.HasCredential(key.UnderscoreID, input.CredentialID)
		if err != nil {
			respondError(c, err, "failed to check passkey credential")
			return
		}
		if !registered {
			respondError(c, types.ErrPasskeyNotRegistered, "passkey not registered")
			return
		}
	}

	method := types.RecoveryMethod{
		Type:           input.Type,
		CredentialID:   input.CredentialID,
		EncryptedShare: input.EncryptedShare,
		ShareVersion:   input.ShareVersion,
	}
	if _, err := ua.userKeyService.AddRecoveryMethod(key.ContactMethod, method, input.RecoveryEmail); err != nil {
		respondError(c, err, "failed to add recovery method")
		return
	}
	c.JSON(http.StatusOK, types.OutputSuccess{Success: true})
}

// GetRecoveryShare godoc
// @Summary Get a recovery share envelope
// @Description Returns the encrypted recovery share of a method. Methods referencing an evicted share version are not served.
// @Tags Keys
// @Accept json
// @Produce json
// @Param input body types.InputGetRecoveryShare true "method type and credential id"
// @Success 200 {object} types.OutputRecoveryShare
// @Failure 404 {object} api.ApiError "method not found"
// @Failure 410 {object} api.ApiError "share version evicted"
// @Router /api/v1/keys/recovery/get [post]
func (ua *UserKeyApi) GetRecoveryShare(c *gin.Context) {
	var input types.InputGetRecoveryShare
	if !bindAndValidate(c, ua.validator, &input) {
		return
	}
	identity, ok := authenticate(c, ua.identityService, input.AuthenticatedInput)
	if !ok {
		return
	}
	key, ok := ua.resolveKey(c, identity)
	if !ok {
		return
	}
	m, err := ua.userKeyService.GetRecoveryMethod(key.ContactMethod, input.Type, input.CredentialID)
	if err != nil {
		respondError(c, err, "failed to get recovery method")
		return
	}
	c.JSON(http.StatusOK, types.OutputRecoveryShare{
		Type:           m.Type,
		CredentialID:   m.CredentialID,
		EncryptedShare: m.EncryptedShare,
		ShareVersion:   m.ShareVersion,
	})
}

// MarkMigrated godoc
// @Summary Mark the key record as migrated from the legacy key provider
// @Tags Keys
// @Accept json
// @Produce json
// @Param input body types.AuthenticatedInput true "identity token"
// @Success 200 {object} types.OutputSuccess
// @Failure 404 {object} api.ApiError "no key record"
// @Router /api/v1/keys/migrate [post]
func (ua *UserKeyApi) MarkMigrated(c *gin.Context) {
	var input types.AuthenticatedInput
	if !bindAndValidate(c, ua.validator, &input) {
		return
	}
	identity, ok := authenticate(c, ua.identityService, input)
	if !ok {
		return
	}
	key, ok := ua.resolveKey(c, identity)
	if !ok {
		return
	}
	if err := ua.userKeyService.MarkMigrated(key.ContactMethod); err != nil {
		respondError(c, err, "failed to mark key migrated")
		return
	}
	level.Info(global.Logger).Log("msg", "user key migrated", "userId", identity.User.ID)
	c.JSON(http.StatusOK, types.OutputSuccess{Success: true})
}

// DeleteUserKey godoc
// @Summary Delete the key record of the caller
// @Description Removes the record with all shares and recovery methods, and the passkey credential registry
// @Tags Keys
// @Accept json
// @Produce json
// @Param input body types.AuthenticatedInput true "identity token"
// @Success 200 {object} types.OutputSuccess
// @Failure 404 {object} api.ApiError "no key record"
// @Router /api/v1/keys/delete [post]
func (ua *UserKeyApi) DeleteUserKey(c *gin.Context) {
	var input types.AuthenticatedInput
	if !bindAndValidate(c, ua.validator, &input) {
		return
	}
	identity, ok := authenticate(c, ua.identityService, input)
	if !ok {
		return
	}
	key, ok := ua.resolveKey(c, identity)
	if !ok {
		return
	}
	if err := ua.userKeyService.Delete(key.ContactMethod); err != nil {
		respondError(c, err, "failed to delete user key")
		return
	}
	if ua.passkeyService != nil {
		if err := ua.passkeyService.DeleteUser(key.UnderscoreID); err != nil && !errors.Is(err, types.ErrNotFound) {
			level.Warn(global.Logger).Log("msg", "failed to delete passkey credentials", "error", err)
		}
	}
	level.Info(global.Logger).Log("msg", "user key deleted", "userId", identity.User.ID)
	c.JSON(http.StatusOK, types.OutputSuccess{Success: true})
}

// EmailBackup godoc
// @Summary Email a versioned recovery share
// @Description Relays the share to the recovery email (or the given address). The share is never stored.
// @Tags Keys
// @Accept json
// @Produce json
// @Param input body types.InputEmailBackup true "versioned share"
// @Success 200 {object} types.OutputSuccess
// @Failure 400 {object} api.ApiError "invalid share or no email address"
// @Router /api/v1/keys/email-backup [post]
func (ua *UserKeyApi) EmailBackup(c *gin.Context) {
	var input types.InputEmailBackup
	if !bindAndValidate(c, ua.validator, &input) {
		return
	}
	identity, ok := authenticate(c, ua.identityService, input.AuthenticatedInput)
	if !ok {
		return
	}
	key, ok := ua.resolveKey(c, identity)
	if !ok {
		return
	}
	to := input.Email
	if to == "" {
		to = key.RecoveryEmail
	}
	if to == "" {
		ApiErrorf(c, http.StatusBadRequest, "no recovery email address")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()
	if err := ua.notificationService.RelayEmailShare(ctx, to, input.EmailShare); err != nil {
		if errors.Is(err, types.ErrBadRequest) {
			respondError(c, err, "invalid email share")
			return
		}
		respondError(c, fmt.Errorf("email relay to %s: %w", util.MaskEmail(to), err), "failed to relay recovery email")
		return
	}
	c.JSON(http.StatusOK, types.OutputSuccess{Success: true})
}
