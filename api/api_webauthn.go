package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/services"
	"github.com/mailio/go-mailio-keyshare/types"
)

// PasskeyApi registers WebAuthn credentials that back passkey recovery methods
type PasskeyApi struct {
	passkeyService  *services.PasskeyService
	userKeyService  *services.UserKeyService
	identityService *services.IdentityService
	validator       *validator.Validate
}

func NewPasskeyApi(passkeyService *services.PasskeyService, userKeyService *services.UserKeyService, identityService *services.IdentityService) *PasskeyApi {
	return &PasskeyApi{
		passkeyService:  passkeyService,
		userKeyService:  userKeyService,
		identityService: identityService,
		validator:       validator.New(),
	}
}

func (a *PasskeyApi) caller(c *gin.Context, input types.AuthenticatedInput) (*types.UserKey, bool) {
	if !a.passkeyService.Enabled() {
		ApiErrorf(c, http.StatusBadRequest, "webauthn not configured")
		return nil, false
	}
	identity, ok := authenticate(c, a.identityService, input)
	if !ok {
		return nil, false
	}
	key, err := a.userKeyService.Resolve(identity.User)
	if err != nil {
		respondError(c, err, "failed to resolve user key")
		return nil, false
	}
	return key, true
}

// RegistrationOptions godoc
// @Summary Registration options for a new passkey
// @Description Registration options (with the PRF extension) for a passkey used as a recovery method
// @Tags WebAuthn
// @Accept json
// @Produce json
// @Param input body types.AuthenticatedInput true "identity token"
// @Success 200 {object} protocol.PublicKeyCredentialCreationOptions
// @Failure 400 {object} api.ApiError "webauthn not configured"
// @Failure 401 {object} api.ApiError "unauthorized"
// @Failure 404 {object} api.ApiError "no key record"
// @Failure 429 {object} api.ApiError "rate limit exceeded"
// @Router /api/v1/webauthn/registration_options [post]
func (a *PasskeyApi) RegistrationOptions(c *gin.Context) {
	var input types.AuthenticatedInput
	if !bindAndValidate(c, a.validator, &input) {
		return
	}
	key, ok := a.caller(c, input)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	options, err := a.passkeyService.BeginRegistration(ctx, key)
	if err != nil {
		respondError(c, err, "failed to begin passkey registration")
		return
	}
	c.JSON(http.StatusOK, options.Response)
}

// RegistrationVerify godoc
// @Summary Verify the attestation of a new passkey
// @Description Verifies the attestation against the registration ceremony and stores the credential
// @Tags WebAuthn
// @Accept json
// @Produce json
// @Param input body types.InputPasskeyRegistrationVerify true "attestation response"
// @Success 200 {object} types.OutputPasskeyRegistration
// @Failure 400 {object} api.ApiError "invalid input"
// @Failure 401 {object} api.ApiError "attestation rejected"
// @Router /api/v1/webauthn/registration_verify [post]
func (a *PasskeyApi) RegistrationVerify(c *gin.Context) {
	var input types.InputPasskeyRegistrationVerify
	if !bindAndValidate(c, a.validator, &input) {
		return
	}
	key, ok := a.caller(c, input.AuthenticatedInput)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	credential, err := a.passkeyService.FinishRegistration(ctx, key, input.AttestationResponse)
	if err != nil {
		respondError(c, err, "failed to finish passkey registration")
		return
	}
	level.Info(global.Logger).Log("msg", "passkey registered", "keyId", key.UnderscoreID)
	c.JSON(http.StatusOK, types.OutputPasskeyRegistration{CredentialID: services.EncodeCredentialID(credential.ID)})
}
