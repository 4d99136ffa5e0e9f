package types

import "time"

type QrLoginStatus string

const (
	QrLoginStatusPending  QrLoginStatus = "pending"
	QrLoginStatusApproved QrLoginStatus = "approved"
)

// QrLoginSession is the server held state of a cross-device login session (Redis, TTL bound)
type QrLoginSession struct {
	SessionID   string        `json:"sessionId"`
	ShortCode   string        `json:"shortCode"`
	PublicKey   string        `json:"publicKey"`
	Status      QrLoginStatus `json:"status"`
	ApproverDID string        `json:"approverDid,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	ApprovedAt  *time.Time    `json:"approvedAt,omitempty"`
}

// QrLoginPayload is the encrypted device share waiting for the requester
type QrLoginPayload struct {
	EncryptedDeviceShare string `json:"encryptedDeviceShare"`
	ApproverDID          string `json:"approverDid"`
}

type QrLoginCreateRequest struct {
	PublicKey string `json:"publicKey" validate:"required"`
}

type QrLoginCreateResponse struct {
	SessionID        string `json:"sessionId"`
	ShortCode        string `json:"shortCode"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
	PublicKey        string `json:"publicKey"`
}

type QrLoginSessionInfo struct {
	SessionID        string        `json:"sessionId"`
	ShortCode        string        `json:"shortCode,omitempty"`
	PublicKey        string        `json:"publicKey"`
	Status           QrLoginStatus `json:"status"`
	ExpiresInSeconds int           `json:"expiresInSeconds"`
}

type QrLoginApproveRequest struct {
	EncryptedDeviceShare string `json:"encryptedDeviceShare" validate:"required"`
	ApproverDID          string `json:"approverDid" validate:"required"`
	RequesterPublicKey   string `json:"requesterPublicKey" validate:"required"`
}

// QrLoginResult is returned to the requester polling for the approval
type QrLoginResult struct {
	Status               QrLoginStatus `json:"status"`
	EncryptedDeviceShare string        `json:"encryptedDeviceShare,omitempty"`
	ApproverDID          string        `json:"approverDid,omitempty"`
}

type QrLoginNotifyRequest struct {
	AuthenticatedInput
	SessionID string `json:"sessionId" validate:"required"`
	ShortCode string `json:"shortCode,omitempty"`
}
