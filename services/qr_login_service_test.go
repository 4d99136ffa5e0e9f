package services

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1"}, nil
}

type qrTestClock struct {
	t time.Time
}

func (c *qrTestClock) now() time.Time { return c.t }

func newTestQrLoginService(t *testing.T) (*QrLoginService, *miniredis.Miniredis, *qrTestClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	userKeyService, _ := newTestUserKeyService(t)
	svc := NewQrLoginService(userKeyService, types.NewEnvironment(client))
	clock := &qrTestClock{t: time.Now()}
	svc.now = clock.now
	return svc, mr, clock
}

func testPublicKey(b byte) string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = b
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func approveInput(pub string) types.QrLoginApproveRequest {
	return types.QrLoginApproveRequest{
		EncryptedDeviceShare: "sealed-device-share",
		ApproverDID:          "did:key:z6MkApprover",
		RequesterPublicKey:   pub,
	}
}

func TestQrLoginHappyPath(t *testing.T) {
	svc, mr, _ := newTestQrLoginService(t)
	ctx := context.Background()
	pub := testPublicKey(1)

	created, err := svc.CreateSession(ctx, pub, "client-1")
	require.NoError(t, err)
	assert.Len(t, created.ShortCode, 8)
	assert.Equal(t, 120, created.ExpiresInSeconds)
	assert.Equal(t, pub, created.PublicKey)
	assert.True(t, mr.Exists(qrCodePrefix+created.ShortCode))

	info, err := svc.GetSessionInfo(ctx, created.ShortCode, "client-2")
	require.NoError(t, err)
	assert.Equal(t, created.SessionID, info.SessionID)
	assert.Equal(t, pub, info.PublicKey)
	assert.Equal(t, types.QrLoginStatusPending, info.Status)

	result, err := svc.ConsumeResult(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.QrLoginStatusPending, result.Status)
	assert.Empty(t, result.EncryptedDeviceShare)

	require.NoError(t, svc.ApproveSession(ctx, created.SessionID, approveInput(pub)))
	// the short code is single use
	assert.False(t, mr.Exists(qrCodePrefix+created.ShortCode))
	_, err = svc.GetSessionInfo(ctx, created.ShortCode, "client-2")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	result, err = svc.ConsumeResult(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.QrLoginStatusApproved, result.Status)
	assert.Equal(t, "sealed-device-share", result.EncryptedDeviceShare)
	assert.Equal(t, "did:key:z6MkApprover", result.ApproverDID)

	// exactly one delivery
	_, err = svc.ConsumeResult(ctx, created.SessionID)
	assert.Error(t, err)
	assert.False(t, mr.Exists(qrPayloadPrefix+created.SessionID))
}

func TestQrLoginApproveOnce(t *testing.T) {
	svc, _, _ := newTestQrLoginService(t)
	ctx := context.Background()
	pub := testPublicKey(2)
	created, err := svc.CreateSession(ctx, pub, "client-1")
	require.NoError(t, err)

	require.NoError(t, svc.ApproveSession(ctx, created.SessionID, approveInput(pub)))
	err = svc.ApproveSession(ctx, created.SessionID, approveInput(pub))
	assert.ErrorIs(t, err, types.ErrSessionAlreadyApproved)
}

func TestQrLoginConcurrentApprovals(t *testing.T) {
	svc, _, _ := newTestQrLoginService(t)
	ctx := context.Background()
	pub := testPublicKey(3)
	created, err := svc.CreateSession(ctx, pub, "client-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.ApproveSession(ctx, created.SessionID, approveInput(pub))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, types.ErrSessionAlreadyApproved)
	}
	assert.Equal(t, 1, succeeded)
}

func TestQrLoginRequesterKeyMustMatch(t *testing.T) {
	svc, _, _ := newTestQrLoginService(t)
	ctx := context.Background()
	created, err := svc.CreateSession(ctx, testPublicKey(4), "client-1")
	require.NoError(t, err)

	err = svc.ApproveSession(ctx, created.SessionID, approveInput(testPublicKey(5)))
	assert.ErrorIs(t, err, types.ErrInvalidPublicKey)

	// still approvable with the right key
	assert.NoError(t, svc.ApproveSession(ctx, created.SessionID, approveInput(testPublicKey(4))))
}

func TestQrLoginExpiry(t *testing.T) {
	svc, _, clock := newTestQrLoginService(t)
	ctx := context.Background()
	pub := testPublicKey(6)
	created, err := svc.CreateSession(ctx, pub, "client-1")
	require.NoError(t, err)

	clock.t = clock.t.Add(121 * time.Second)

	_, err = svc.GetSessionInfo(ctx, created.SessionID, "client-2")
	assert.ErrorIs(t, err, types.ErrSessionExpired)

	_, err = svc.ConsumeResult(ctx, created.SessionID)
	assert.ErrorIs(t, err, types.ErrSessionExpired)

	err = svc.ApproveSession(ctx, created.SessionID, approveInput(pub))
	assert.ErrorIs(t, err, types.ErrSessionExpired)
}

func TestQrLoginRedisEviction(t *testing.T) {
	svc, mr, _ := newTestQrLoginService(t)
	ctx := context.Background()
	created, err := svc.CreateSession(ctx, testPublicKey(7), "client-1")
	require.NoError(t, err)

	mr.FastForward(121 * time.Second)
	// code mapping is gone with the session TTL, the session itself lingers as a tombstone
	_, err = svc.GetSessionInfo(ctx, created.ShortCode, "client-2")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	mr.FastForward(qrTombstoneGrace)
	_, err = svc.GetSessionInfo(ctx, created.SessionID, "client-2")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestQrLoginUnknownAndInvalid(t *testing.T) {
	svc, _, _ := newTestQrLoginService(t)
	ctx := context.Background()

	_, err := svc.GetSessionInfo(ctx, "12345678", "client-1")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
	_, err = svc.GetSessionInfo(ctx, "not-a-session", "client-1")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
	_, err = svc.ConsumeResult(ctx, "2d3c5a0e-61a0-4a43-9a3f-0c4f1e7f2b11")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	_, err = svc.CreateSession(ctx, "short", "client-1")
	assert.ErrorIs(t, err, types.ErrInvalidPublicKey)
	_, err = svc.CreateSession(ctx, base64.StdEncoding.EncodeToString([]byte("sixteen byte key")), "client-1")
	assert.ErrorIs(t, err, types.ErrInvalidPublicKey)
}

func TestQrLoginCreateRateLimit(t *testing.T) {
	svc, _, _ := newTestQrLoginService(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := svc.CreateSession(ctx, testPublicKey(8), "client-1")
		require.NoError(t, err)
	}
	_, err := svc.CreateSession(ctx, testPublicKey(8), "client-1")
	assert.ErrorIs(t, err, types.ErrTooManyRequests)

	// other clients are unaffected
	_, err = svc.CreateSession(ctx, testPublicKey(8), "client-2")
	assert.NoError(t, err)
}

func TestQrLoginApproveRateLimit(t *testing.T) {
	svc, _, _ := newTestQrLoginService(t)
	ctx := context.Background()
	created, err := svc.CreateSession(ctx, testPublicKey(9), "client-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := svc.ApproveSession(ctx, created.SessionID, approveInput(testPublicKey(10)))
		assert.ErrorIs(t, err, types.ErrInvalidPublicKey)
	}
	err = svc.ApproveSession(ctx, created.SessionID, approveInput(testPublicKey(9)))
	assert.ErrorIs(t, err, types.ErrTooManyRequests)
}

func TestQrLoginNotifyDevices(t *testing.T) {
	svc, _, _ := newTestQrLoginService(t)
	ctx := context.Background()
	queue := &fakeEnqueuer{}
	svc.taskClient = queue

	user := &types.AuthUser{ID: "uid-1", Email: "alice@example.com", ProviderType: types.AuthProviderFirebase}

	// no key record yet
	sent, err := svc.NotifyDevices(ctx, user, "session-1", "12345678")
	require.NoError(t, err)
	assert.False(t, sent)

	contact, _ := user.ContactMethod()
	_, err = svc.userKeyService.Upsert(contact, nil, share(1), "did:key:z6MkAlice", "")
	require.NoError(t, err)

	sent, err = svc.NotifyDevices(ctx, user, "session-1", "12345678")
	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, types.QueueTypeDeviceLinkPush, queue.tasks[0].Type())
	assert.Contains(t, string(queue.tasks[0].Payload()), "did:key:z6MkAlice")

	// third call within the window still allowed, fourth is silently dropped
	sent, err = svc.NotifyDevices(ctx, user, "session-1", "12345678")
	require.NoError(t, err)
	assert.True(t, sent)
	sent, err = svc.NotifyDevices(ctx, user, "session-1", "12345678")
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Len(t, queue.tasks, 2)
}

func TestQrLoginNotifyQueueFailureIsNotFatal(t *testing.T) {
	svc, _, _ := newTestQrLoginService(t)
	svc.taskClient = &fakeEnqueuer{err: errors.New("redis down")}
	user := &types.AuthUser{ID: "uid-2", Email: "bob@example.com"}
	contact, _ := user.ContactMethod()
	_, err := svc.userKeyService.Upsert(contact, nil, share(1), "did:key:z6MkBob", "")
	require.NoError(t, err)

	sent, err := svc.NotifyDevices(context.Background(), user, "session-1", "")
	assert.NoError(t, err)
	assert.False(t, sent)
}
