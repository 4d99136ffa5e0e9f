package services

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/recovery"
	"github.com/mailio/go-mailio-keyshare/sss"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookURL = "http://notify.test"

type recordingSink struct {
	pushes []types.PushNotification
	dids   []string
	emails []types.EmailNotification
}

func (r *recordingSink) SendPush(ctx context.Context, did string, n types.PushNotification) error {
	r.dids = append(r.dids, did)
	r.pushes = append(r.pushes, n)
	return nil
}

func (r *recordingSink) SendEmail(ctx context.Context, n types.EmailNotification) error {
	r.emails = append(r.emails, n)
	return nil
}

func TestNewNotificationSink(t *testing.T) {
	_, isLog := NewNotificationSink(global.NotificationsConfig{}).(LogSink)
	assert.True(t, isLog)
	_, isWebhook := NewNotificationSink(global.NotificationsConfig{WebhookURL: webhookURL}).(*WebhookSink)
	assert.True(t, isWebhook)
	mg, isMailgun := NewNotificationSink(global.NotificationsConfig{
		WebhookURL: webhookURL,
		Mailgun:    global.MailgunConfig{Domain: "mg.example.com", ApiKey: "key"},
	}).(*MailgunSink)
	require.True(t, isMailgun)
	_, pushesToWebhook := mg.push.(*WebhookSink)
	assert.True(t, pushesToWebhook)
	assert.Equal(t, "no-reply@mg.example.com", mg.sender)
}

func TestMailgunSink(t *testing.T) {
	push := &recordingSink{}
	sink := NewMailgunSink("mg.example.com", "key", "keys@example.com", false, push)
	httpmock.ActivateNonDefault(sink.GetClient())
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://api.mailgun.net/v3/mg.example.com/messages", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "keys@example.com", req.FormValue("from"))
		assert.Equal(t, "a@b.io", req.FormValue("to"))
		return httpmock.NewStringResponse(200, `{"id":"<1@mg.example.com>","message":"Queued. Thank you."}`), nil
	})

	err := sink.SendEmail(context.Background(), types.EmailNotification{To: "a@b.io", Subject: "s", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())

	require.NoError(t, sink.SendPush(context.Background(), "did:key:z6MkAlice", types.PushNotification{Type: PushTypeDeviceLinkRequest}))
	assert.Equal(t, []string{"did:key:z6MkAlice"}, push.dids)
}

func TestWebhookSink(t *testing.T) {
	sink := NewWebhookSink(webhookURL, "secret-key")
	httpmock.ActivateNonDefault(sink.client.GetClient())
	defer httpmock.DeactivateAndReset()

	var pushBody map[string]interface{}
	httpmock.RegisterResponder("POST", webhookURL+"/push", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "secret-key", req.Header.Get("X-Api-Key"))
		if err := json.NewDecoder(req.Body).Decode(&pushBody); err != nil {
			return httpmock.NewStringResponse(400, ""), nil
		}
		return httpmock.NewStringResponse(202, `{}`), nil
	})
	httpmock.RegisterResponder("POST", webhookURL+"/email", httpmock.NewStringResponder(500, `{"error":"down"}`))

	svc := NewNotificationService(sink)
	err := svc.SendDeviceLinkPush(context.Background(), &types.DeviceLinkNotification{
		PrimaryDID: "did:key:z6MkAlice",
		SessionID:  "session-1",
		ShortCode:  "12345678",
	})
	require.NoError(t, err)
	assert.Equal(t, "did:key:z6MkAlice", pushBody["to"])

	err = sink.SendEmail(context.Background(), types.EmailNotification{To: "a@b.io"})
	assert.Error(t, err)
}

func TestRelayEmailShare(t *testing.T) {
	sink := &recordingSink{}
	svc := NewNotificationService(sink)

	set, err := sss.SplitKey(make([]byte, 32))
	require.NoError(t, err)
	versioned, err := recovery.FormatVersionedShare(set.Recovery, 3)
	require.NoError(t, err)

	require.NoError(t, svc.RelayEmailShare(context.Background(), "alice@example.com", versioned))
	require.Len(t, sink.emails, 1)
	assert.Equal(t, "alice@example.com", sink.emails[0].To)
	assert.True(t, strings.Contains(sink.emails[0].Body, versioned))
	assert.Contains(t, sink.emails[0].Body, "version 3")

	err = svc.RelayEmailShare(context.Background(), "alice@example.com", "not-a-share")
	assert.ErrorIs(t, err, types.ErrBadRequest)
	assert.Len(t, sink.emails, 1)
}

func TestDeviceLinkPushContent(t *testing.T) {
	sink := &recordingSink{}
	svc := NewNotificationService(sink)
	require.NoError(t, svc.SendDeviceLinkPush(context.Background(), &types.DeviceLinkNotification{
		PrimaryDID: "did:key:z6MkAlice",
		SessionID:  "session-1",
	}))
	require.Len(t, sink.pushes, 1)
	assert.Equal(t, PushTypeDeviceLinkRequest, sink.pushes[0].Type)
	assert.Equal(t, "session-1", sink.pushes[0].Data["sessionId"])
	_, hasCode := sink.pushes[0].Data["shortCode"]
	assert.False(t, hasCode)
}
