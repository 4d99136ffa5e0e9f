package qrlogin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mailio/go-mailio-keyshare/types"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionExpired         = errors.New("session expired")
	ErrSessionAlreadyApproved = errors.New("session already approved")
	ErrRateLimited            = errors.New("too many requests")
)

// Relay is the server side of the cross-device session protocol
type Relay interface {
	CreateSession(ctx context.Context, publicKey string) (*types.QrLoginCreateResponse, error)
	GetSession(ctx context.Context, lookup string) (*types.QrLoginSessionInfo, error)
	Approve(ctx context.Context, sessionID string, req types.QrLoginApproveRequest) error
	Result(ctx context.Context, sessionID string) (*types.QrLoginResult, error)
	Notify(ctx context.Context, req types.QrLoginNotifyRequest) (bool, error)
}

// RelayClient talks to the relay over HTTP
type RelayClient struct {
	client *resty.Client
}

func NewRelayClient(serverURL string) *RelayClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(serverURL, "/")+"/api/v1").
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json")
	return &RelayClient{client: client}
}

// GetClient exposes the resty client (tests mock its transport)
func (r *RelayClient) GetClient() *resty.Client {
	return r.client
}

func relayError(resp *resty.Response) error {
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return ErrSessionNotFound
	case http.StatusGone:
		return ErrSessionExpired
	case http.StatusConflict:
		return ErrSessionAlreadyApproved
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusBadRequest:
		if strings.Contains(resp.String(), "public key") {
			return ErrInvalidPublicKey
		}
	}
	return fmt.Errorf("relay returned %d", resp.StatusCode())
}

func (r *RelayClient) CreateSession(ctx context.Context, publicKey string) (*types.QrLoginCreateResponse, error) {
	var out types.QrLoginCreateResponse
	resp, err := r.client.R().SetContext(ctx).
		SetBody(types.QrLoginCreateRequest{PublicKey: publicKey}).
		SetResult(&out).
		Post("/qr-login/session")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, relayError(resp)
	}
	return &out, nil
}

func (r *RelayClient) GetSession(ctx context.Context, lookup string) (*types.QrLoginSessionInfo, error) {
	var out types.QrLoginSessionInfo
	resp, err := r.client.R().SetContext(ctx).
		SetPathParam("lookup", lookup).
		SetResult(&out).
		Get("/qr-login/session/{lookup}")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, relayError(resp)
	}
	return &out, nil
}

func (r *RelayClient) Approve(ctx context.Context, sessionID string, req types.QrLoginApproveRequest) error {
	resp, err := r.client.R().SetContext(ctx).
		SetPathParam("sessionId", sessionID).
		SetBody(req).
		Post("/qr-login/session/{sessionId}/approve")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return relayError(resp)
	}
	return nil
}

func (r *RelayClient) Result(ctx context.Context, sessionID string) (*types.QrLoginResult, error) {
	var out types.QrLoginResult
	resp, err := r.client.R().SetContext(ctx).
		SetPathParam("sessionId", sessionID).
		SetResult(&out).
		Get("/qr-login/session/{sessionId}/result")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, relayError(resp)
	}
	return &out, nil
}

// Notify asks the relay to prompt the user's other devices. Failures only mean no push was sent.
func (r *RelayClient) Notify(ctx context.Context, req types.QrLoginNotifyRequest) (bool, error) {
	var out struct {
		Sent bool `json:"sent"`
	}
	resp, err := r.client.R().SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/qr-login/notify")
	if err != nil {
		return false, err
	}
	if resp.IsError() {
		return false, relayError(resp)
	}
	return out.Sent, nil
}
