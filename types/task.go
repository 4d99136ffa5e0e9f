package types

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

var (
	QueueTypeDeviceLinkPush = "notify:device-link"
)

// DeviceLinkNotification prompts the devices of a DID to approve a QR login session
type DeviceLinkNotification struct {
	PrimaryDID string `json:"primaryDid" validate:"required"`
	SessionID  string `json:"sessionId" validate:"required"`
	ShortCode  string `json:"shortCode,omitempty"`
}

// PushNotification is what the delivery sink sends to a device
type PushNotification struct {
	Type  string            `json:"type"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// EmailNotification is what the delivery sink sends to a mailbox
type EmailNotification struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func NewDeviceLinkPushTask(notification *DeviceLinkNotification) (*asynq.Task, error) {
	payload, err := json.Marshal(notification)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(QueueTypeDeviceLinkPush, payload), nil
}
