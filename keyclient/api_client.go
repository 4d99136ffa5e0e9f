package keyclient

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/mailio/go-mailio-keyshare/util"
)

// KeyServer is the server key record API as seen by a client
type KeyServer interface {
	GetAuthShare(ctx context.Context, shareVersion *int) (*types.OutputAuthShare, error)
	StoreAuthShare(ctx context.Context, authShare string, primaryDID string, securityLevel types.SecurityLevel) (*types.OutputStoreAuthShare, error)
	AddRecoveryMethod(ctx context.Context, input types.InputAddRecoveryMethod) error
	GetRecoveryShare(ctx context.Context, methodType types.RecoveryMethodType, credentialID string) (*types.OutputRecoveryShare, error)
	MarkMigrated(ctx context.Context) error
	DeleteUserKey(ctx context.Context) error
	EmailBackup(ctx context.Context, emailShare string, email string) error
	// PasskeyRegistrationOptions returns types.ErrBadRequest when the server has no WebAuthn configured
	PasskeyRegistrationOptions(ctx context.Context) (json.RawMessage, error)
	VerifyPasskeyRegistration(ctx context.Context, attestation json.RawMessage) error
}

// HolderKeySetter is implemented by key servers that attach a DID holder proof to calls
type HolderKeySetter interface {
	SetHolderKey(key ed25519.PrivateKey)
}

// APIClient implements KeyServer over HTTP
type APIClient struct {
	client *resty.Client
	auth   AuthProvider
	now    func() time.Time

	mu        sync.RWMutex
	holderKey ed25519.PrivateKey
}

func NewAPIClient(serverURL string, auth AuthProvider) *APIClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(serverURL, "/")+"/api/v1").
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Accept", "application/json")
	// only transport failures and 5xx are retried, the API maps every client error explicitly
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
	})
	return &APIClient{client: client, auth: auth, now: time.Now}
}

// GetClient exposes the resty client (tests mock its transport)
func (a *APIClient) GetClient() *resty.Client {
	return a.client
}

// SetHolderKey sets the key whose DID is proven on every call (nil stops sending proofs)
func (a *APIClient) SetHolderKey(key ed25519.PrivateKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.holderKey = key
}

func (a *APIClient) authenticated(ctx context.Context) (types.AuthenticatedInput, *resty.Request, error) {
	token, err := a.auth.GetIDToken(ctx)
	if err != nil {
		return types.AuthenticatedInput{}, nil, err
	}
	req := a.client.R().SetContext(ctx)

	a.mu.RLock()
	key := a.holderKey
	a.mu.RUnlock()
	if key != nil {
		proof, pErr := util.CreateHolderProof(key, token, a.now())
		if pErr != nil {
			return types.AuthenticatedInput{}, nil, pErr
		}
		req.SetAuthToken(proof)
	}
	return types.AuthenticatedInput{AuthToken: token, ProviderType: a.auth.GetProviderType()}, req, nil
}

// apiError maps the API's status codes back onto the shared sentinel errors
func apiError(resp *resty.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(resp.Body(), &body)

	var sentinel error
	switch resp.StatusCode() {
	case http.StatusBadRequest:
		sentinel = types.ErrBadRequest
		if strings.Contains(body.Message, types.ErrPasskeyNotRegistered.Error()) {
			sentinel = types.ErrPasskeyNotRegistered
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		sentinel = types.ErrUnauthorized
	case http.StatusNotFound:
		sentinel = types.ErrNotFound
	case http.StatusConflict:
		sentinel = types.ErrConflict
	case http.StatusGone:
		sentinel = types.ErrShareVersionUnavailable
	case http.StatusTooManyRequests:
		sentinel = types.ErrTooManyRequests
	default:
		sentinel = types.ErrInternal
	}
	if body.Message != "" && body.Message != sentinel.Error() {
		return fmt.Errorf("%s: %w", body.Message, sentinel)
	}
	return sentinel
}

func (a *APIClient) GetAuthShare(ctx context.Context, shareVersion *int) (*types.OutputAuthShare, error) {
	auth, req, err := a.authenticated(ctx)
	if err != nil {
		return nil, err
	}
	var out types.OutputAuthShare
	resp, err := req.SetBody(types.InputGetAuthShare{AuthenticatedInput: auth, ShareVersion: shareVersion}).
		SetResult(&out).
		Post("/keys/auth-share/get")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

func (a *APIClient) StoreAuthShare(ctx context.Context, authShare string, primaryDID string, securityLevel types.SecurityLevel) (*types.OutputStoreAuthShare, error) {
	auth, req, err := a.authenticated(ctx)
	if err != nil {
		return nil, err
	}
	var out types.OutputStoreAuthShare
	resp, err := req.SetBody(types.InputStoreAuthShare{
		AuthenticatedInput: auth,
		AuthShare:          authShare,
		PrimaryDID:         primaryDID,
		SecurityLevel:      securityLevel,
	}).SetResult(&out).Put("/keys/auth-share")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

func (a *APIClient) AddRecoveryMethod(ctx context.Context, input types.InputAddRecoveryMethod) error {
	auth, req, err := a.authenticated(ctx)
	if err != nil {
		return err
	}
	input.AuthenticatedInput = auth
	resp, err := req.SetBody(input).Post("/keys/recovery")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

func (a *APIClient) GetRecoveryShare(ctx context.Context, methodType types.RecoveryMethodType, credentialID string) (*types.OutputRecoveryShare, error) {
	auth, req, err := a.authenticated(ctx)
	if err != nil {
		return nil, err
	}
	var out types.OutputRecoveryShare
	resp, err := req.SetBody(types.InputGetRecoveryShare{
		AuthenticatedInput: auth,
		Type:               methodType,
		CredentialID:       credentialID,
	}).SetResult(&out).Post("/keys/recovery/get")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

func (a *APIClient) postAuthenticated(ctx context.Context, path string) error {
	auth, req, err := a.authenticated(ctx)
	if err != nil {
		return err
	}
	resp, err := req.SetBody(auth).Post(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

func (a *APIClient) MarkMigrated(ctx context.Context) error {
	return a.postAuthenticated(ctx, "/keys/migrate")
}

func (a *APIClient) DeleteUserKey(ctx context.Context) error {
	return a.postAuthenticated(ctx, "/keys/delete")
}

func (a *APIClient) EmailBackup(ctx context.Context, emailShare string, email string) error {
	auth, req, err := a.authenticated(ctx)
	if err != nil {
		return err
	}
	resp, err := req.SetBody(types.InputEmailBackup{
		AuthenticatedInput: auth,
		EmailShare:         emailShare,
		Email:              email,
	}).Post("/keys/email-backup")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

func (a *APIClient) PasskeyRegistrationOptions(ctx context.Context) (json.RawMessage, error) {
	auth, req, err := a.authenticated(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := req.SetBody(auth).Post("/webauthn/registration_options")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return json.RawMessage(resp.Body()), nil
}

func (a *APIClient) VerifyPasskeyRegistration(ctx context.Context, attestation json.RawMessage) error {
	auth, req, err := a.authenticated(ctx)
	if err != nil {
		return err
	}
	var response types.WebauthnAttestationResponseJSON
	if err := json.Unmarshal(attestation, &response); err != nil {
		return fmt.Errorf("attestation: %w", err)
	}
	resp, err := req.SetBody(types.InputPasskeyRegistrationVerify{
		AuthenticatedInput:  auth,
		AttestationResponse: &response,
	}).Post("/webauthn/registration_verify")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}
