package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/go-resty/resty/v2"
	"github.com/mailgun/mailgun-go/v4"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/recovery"
	"github.com/mailio/go-mailio-keyshare/sss"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/mailio/go-mailio-keyshare/util"
)

const (
	PushTypeDeviceLinkRequest = "DEVICE_LINK_REQUEST"
)

// NotificationSink delivers push and email notifications. Delivery itself lives outside
// this server.
type NotificationSink interface {
	SendPush(ctx context.Context, did string, notification types.PushNotification) error
	SendEmail(ctx context.Context, notification types.EmailNotification) error
}

// WebhookSink posts notifications to an external delivery service
type WebhookSink struct {
	client *resty.Client
}

func NewWebhookSink(url string, apiKey string) *WebhookSink {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	if apiKey != "" {
		client.SetHeader("X-Api-Key", apiKey)
	}
	return &WebhookSink{client: client}
}

func (w *WebhookSink) post(ctx context.Context, path string, body interface{}) error {
	resp, err := w.client.R().SetContext(ctx).SetBody(body).Post(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("notification webhook %s returned %d", path, resp.StatusCode())
	}
	return nil
}

func (w *WebhookSink) SendPush(ctx context.Context, did string, notification types.PushNotification) error {
	return w.post(ctx, "/push", map[string]interface{}{
		"to":           did,
		"notification": notification,
	})
}

func (w *WebhookSink) SendEmail(ctx context.Context, notification types.EmailNotification) error {
	return w.post(ctx, "/email", notification)
}

// LogSink only logs that a notification would have been sent (no recipient content)
type LogSink struct{}

func (LogSink) SendPush(ctx context.Context, did string, notification types.PushNotification) error {
	level.Info(global.Logger).Log("msg", "push notification", "type", notification.Type, "to", did)
	return nil
}

func (LogSink) SendEmail(ctx context.Context, notification types.EmailNotification) error {
	level.Info(global.Logger).Log("msg", "email notification", "to", util.MaskEmail(notification.To), "subject", notification.Subject)
	return nil
}

// MailgunSink sends emails through Mailgun and hands pushes to the next sink
type MailgunSink struct {
	mg     *mailgun.MailgunImpl
	sender string
	push   NotificationSink
}

func NewMailgunSink(domain, apiKey, sender string, eu bool, push NotificationSink) *MailgunSink {
	mg := mailgun.NewMailgun(domain, apiKey)
	mg.SetClient(&http.Client{Timeout: 10 * time.Second})
	if eu {
		mg.SetAPIBase(mailgun.APIBaseEU)
	}
	if sender == "" {
		sender = "no-reply@" + domain
	}
	if push == nil {
		push = LogSink{}
	}
	return &MailgunSink{mg: mg, sender: sender, push: push}
}

// GetClient exposes the Mailgun HTTP client for mocking
func (m *MailgunSink) GetClient() *http.Client {
	return m.mg.Client()
}

func (m *MailgunSink) SendPush(ctx context.Context, did string, notification types.PushNotification) error {
	return m.push.SendPush(ctx, did, notification)
}

func (m *MailgunSink) SendEmail(ctx context.Context, notification types.EmailNotification) error {
	msg := m.mg.NewMessage(m.sender, notification.Subject, notification.Body, notification.To)
	_, id, err := m.mg.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("mailgun: %w", err)
	}
	level.Debug(global.Logger).Log("msg", "email queued", "to", util.MaskEmail(notification.To), "id", id)
	return nil
}

// NewNotificationSink picks the webhook sink when configured, the log sink otherwise. Emails
// go through Mailgun when a Mailgun domain is configured.
func NewNotificationSink(conf global.NotificationsConfig) NotificationSink {
	var sink NotificationSink = LogSink{}
	if conf.WebhookURL != "" {
		sink = NewWebhookSink(conf.WebhookURL, conf.WebhookKey)
	}
	if conf.Mailgun.Domain != "" {
		return NewMailgunSink(conf.Mailgun.Domain, conf.Mailgun.ApiKey, conf.Mailgun.Sender, conf.Mailgun.EU, sink)
	}
	return sink
}

type NotificationService struct {
	sink NotificationSink
}

func NewNotificationService(sink NotificationSink) *NotificationService {
	if sink == nil {
		sink = LogSink{}
	}
	return &NotificationService{sink: sink}
}

// SendDeviceLinkPush prompts the devices of a DID to open the approver flow of a QR login session
func (s *NotificationService) SendDeviceLinkPush(ctx context.Context, n *types.DeviceLinkNotification) error {
	data := map[string]string{"sessionId": n.SessionID}
	if n.ShortCode != "" {
		data["shortCode"] = n.ShortCode
	}
	return s.sink.SendPush(ctx, n.PrimaryDID, types.PushNotification{
		Type:  PushTypeDeviceLinkRequest,
		Title: "New Device Login Request",
		Body:  "Another device is requesting access to your account. Tap to approve.",
		Data:  data,
	})
}

// RelayEmailShare sends the versioned recovery share to the user's mailbox. The share is
// passed through and never stored.
func (s *NotificationService) RelayEmailShare(ctx context.Context, email string, versionedShare string) error {
	share, version, err := recovery.ParseVersionedShare(versionedShare)
	if err != nil {
		return fmt.Errorf("%v: %w", err, types.ErrBadRequest)
	}
	defer sss.Wipe(share)

	body := fmt.Sprintf("Keep this email safe. It holds one piece of your account key (version %d).\n\n"+
		"Recovery code:\n%s\n\nIt cannot recover your account on its own.", version, versionedShare)
	if err := s.sink.SendEmail(ctx, types.EmailNotification{
		To:      email,
		Subject: "Your account recovery code",
		Body:    body,
	}); err != nil {
		level.Warn(global.Logger).Log("msg", "failed to relay recovery email", "to", util.MaskEmail(email), "error", err)
		return err
	}
	return nil
}
