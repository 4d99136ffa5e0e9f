package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mailio/go-mailio-keyshare/api/interceptors"
	"github.com/mailio/go-mailio-keyshare/services"
	"github.com/mailio/go-mailio-keyshare/types"
)

// QrLoginApi relays an encrypted device share between two devices of the same user
type QrLoginApi struct {
	qrLoginService  *services.QrLoginService
	identityService *services.IdentityService
	validator       *validator.Validate
}

func NewQrLoginApi(qrLoginService *services.QrLoginService, identityService *services.IdentityService) *QrLoginApi {
	return &QrLoginApi{
		qrLoginService:  qrLoginService,
		identityService: identityService,
		validator:       validator.New(),
	}
}

// CreateSession godoc
// @Summary Create a cross-device login session
// @Description Registers the requester's ephemeral X25519 public key. Returns the session id and an 8 digit short code.
// @Tags QR Login
// @Accept json
// @Produce json
// @Param input body types.QrLoginCreateRequest true "requester public key (base64)"
// @Success 200 {object} types.QrLoginCreateResponse
// @Failure 400 {object} api.ApiError "invalid public key"
// @Failure 429 {object} api.ApiError "rate limit exceeded"
// @Router /api/v1/qr-login/session [post]
func (qa *QrLoginApi) CreateSession(c *gin.Context) {
	var input types.QrLoginCreateRequest
	if !bindAndValidate(c, qa.validator, &input) {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	out, err := qa.qrLoginService.CreateSession(ctx, input.PublicKey, interceptors.ClientFingerprint(c))
	if err != nil {
		respondError(c, err, "failed to create qr login session")
		return
	}
	c.JSON(http.StatusOK, out)
}

// GetSession godoc
// @Summary Look up a cross-device login session
// @Description Resolves a session by id or short code so the approving device can read the requester's public key
// @Tags QR Login
// @Produce json
// @Param id path string true "session id or 8 digit short code"
// @Success 200 {object} types.QrLoginSessionInfo
// @Failure 404 {object} api.ApiError "session not found"
// @Failure 410 {object} api.ApiError "session expired"
// @Failure 429 {object} api.ApiError "rate limit exceeded"
// @Router /api/v1/qr-login/session/{id} [get]
func (qa *QrLoginApi) GetSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	info, err := qa.qrLoginService.GetSessionInfo(ctx, c.Param("id"), interceptors.ClientFingerprint(c))
	if err != nil {
		respondError(c, err, "failed to get qr login session")
		return
	}
	c.JSON(http.StatusOK, info)
}

// ApproveSession godoc
// @Summary Approve a cross-device login session
// @Description Stores the device share encrypted to the requester's public key. A session is approved once.
// @Tags QR Login
// @Accept json
// @Produce json
// @Param id path string true "session id"
// @Param input body types.QrLoginApproveRequest true "encrypted device share"
// @Success 200 {object} types.OutputSuccess
// @Failure 400 {object} api.ApiError "requester public key mismatch"
// @Failure 404 {object} api.ApiError "session not found"
// @Failure 409 {object} api.ApiError "session already approved"
// @Failure 410 {object} api.ApiError "session expired"
// @Router /api/v1/qr-login/session/{id}/approve [post]
func (qa *QrLoginApi) ApproveSession(c *gin.Context) {
	var input types.QrLoginApproveRequest
	if !bindAndValidate(c, qa.validator, &input) {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := qa.qrLoginService.ApproveSession(ctx, c.Param("id"), input); err != nil {
		respondError(c, err, "failed to approve qr login session")
		return
	}
	c.JSON(http.StatusOK, types.OutputSuccess{Success: true})
}

// SessionResult godoc
// @Summary Poll a cross-device login session
// @Description Pending sessions report their status. The encrypted payload of an approved session is delivered once.
// @Tags QR Login
// @Produce json
// @Param id path string true "session id"
// @Success 200 {object} types.QrLoginResult
// @Failure 404 {object} api.ApiError "session not found"
// @Failure 410 {object} api.ApiError "session expired or already delivered"
// @Router /api/v1/qr-login/session/{id}/result [get]
func (qa *QrLoginApi) SessionResult(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	result, err := qa.qrLoginService.ConsumeResult(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err, "failed to get qr login result")
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, result)
}

// Notify godoc
// @Summary Prompt the caller's other devices to approve a session
// @Description Best effort push. sent=false when nothing was queued (including when the rate limit is hit).
// @Tags QR Login
// @Accept json
// @Produce json
// @Param input body types.QrLoginNotifyRequest true "identity token and session"
// @Success 200 {object} map[string]bool
// @Failure 401 {object} api.ApiError "unauthorized"
// @Router /api/v1/qr-login/notify [post]
func (qa *QrLoginApi) Notify(c *gin.Context) {
	var input types.QrLoginNotifyRequest
	if !bindAndValidate(c, qa.validator, &input) {
		return
	}
	identity, ok := authenticate(c, qa.identityService, input.AuthenticatedInput)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	sent, err := qa.qrLoginService.NotifyDevices(ctx, identity.User, input.SessionID, input.ShortCode)
	if err != nil {
		respondError(c, err, "failed to notify devices")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}
