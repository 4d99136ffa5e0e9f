package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-kit/log/level"
	"github.com/go-redis/redis_rate/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/metrics"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/mailio/go-mailio-keyshare/util"
	"github.com/redis/go-redis/v9"
)

const (
	qrSessionPrefix = "qr-login:session:"
	qrCodePrefix    = "qr-login:code:"
	qrPayloadPrefix = "qr-login:payload:"
	qrRatePrefix    = "qr-login:rate:"

	// expired sessions stay readable this long so a late lookup reports expiry instead of not found
	qrTombstoneGrace = 10 * time.Minute

	qrShortCodeDigits = 8
	x25519KeyLen      = 32
)

var (
	qrCreateLimit = redis_rate.Limit{Rate: 10, Burst: 10, Period: 10 * time.Minute}
	qrLookupLimit = redis_rate.Limit{Rate: 20, Burst: 20, Period: time.Minute}
	qrNotifyLimit = redis_rate.Limit{Rate: 3, Burst: 3, Period: 5 * time.Minute}

	shortCodeRegex = regexp.MustCompile(`^\d{8}$`)
)

// TaskEnqueuer is the part of the asynq client used to queue notifications
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QrLoginService relays an encrypted device share from a logged in device (approver) to a new
// device (requester). Sessions live only in Redis and the server never sees the plain share.
type QrLoginService struct {
	redisClient    *redis.Client
	limiter        *redis_rate.Limiter
	taskClient     TaskEnqueuer
	userKeyService *UserKeyService
	sessionTTL     time.Duration
	payloadTTL     time.Duration
	now            func() time.Time
}

func NewQrLoginService(userKeyService *UserKeyService, env *types.Environment) *QrLoginService {
	if env == nil || env.RedisClient == nil {
		panic("redis client cannot be nil")
	}
	sessionTTL := global.Conf.KeyShare.QrSessionTTLSeconds
	if sessionTTL <= 0 {
		sessionTTL = global.DefaultQrSessionTTLSeconds
	}
	payloadTTL := global.Conf.KeyShare.QrPayloadTTLSeconds
	if payloadTTL <= 0 {
		payloadTTL = global.DefaultQrPayloadTTLSeconds
	}
	s := &QrLoginService{
		redisClient:    env.RedisClient,
		limiter:        redis_rate.NewLimiter(env.RedisClient),
		userKeyService: userKeyService,
		sessionTTL:     time.Duration(sessionTTL) * time.Second,
		payloadTTL:     time.Duration(payloadTTL) * time.Second,
		now:            time.Now,
	}
	if env.TaskClient != nil {
		s.taskClient = env.TaskClient
	}
	return s
}

// allow consumes one unit of the rate limit under key
func (s *QrLoginService) allow(ctx context.Context, key string, limit redis_rate.Limit) error {
	res, err := s.limiter.Allow(ctx, qrRatePrefix+key, limit)
	if err != nil {
		level.Error(global.Logger).Log("msg", "failed to check rate limit", "key", key, "error", err)
		return types.ErrInternal
	}
	if res.Allowed <= 0 {
		return types.ErrTooManyRequests
	}
	return nil
}

func decodePublicKey(publicKey string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		raw, err = util.FixAndDecodeURLBase64(publicKey)
		if err != nil {
			return nil, types.ErrInvalidPublicKey
		}
	}
	if len(raw) != x25519KeyLen {
		return nil, types.ErrInvalidPublicKey
	}
	return raw, nil
}

func (s *QrLoginService) getSession(ctx context.Context, sessionID string) (*types.QrLoginSession, error) {
	raw, err := s.redisClient.Get(ctx, qrSessionPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, types.ErrSessionNotFound
		}
		level.Error(global.Logger).Log("msg", "failed to get qr login session", "error", err)
		return nil, types.ErrInternal
	}
	var session types.QrLoginSession
	if err := json.Unmarshal(raw, &session); err != nil {
		level.Error(global.Logger).Log("msg", "failed to unmarshal qr login session", "error", err)
		return nil, types.ErrInternal
	}
	return &session, nil
}

func (s *QrLoginService) expired(session *types.QrLoginSession) bool {
	return !s.now().Before(session.ExpiresAt)
}

func (s *QrLoginService) secondsLeft(session *types.QrLoginSession) int {
	left := session.ExpiresAt.Sub(s.now())
	if left < 0 {
		return 0
	}
	return int(left.Round(time.Second).Seconds())
}

// CreateSession registers the requester's ephemeral public key and allocates a session id and
// a short numeric code. clientKey identifies the caller for rate limiting.
func (s *QrLoginService) CreateSession(ctx context.Context, publicKey string, clientKey string) (*types.QrLoginCreateResponse, error) {
	if _, err := decodePublicKey(publicKey); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, "create:"+clientKey, qrCreateLimit); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	session := &types.QrLoginSession{
		SessionID: uuid.NewString(),
		PublicKey: publicKey,
		Status:    types.QrLoginStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}

	// a short code is only claimed if no live session holds it
	for attempt := 0; attempt < 3 && session.ShortCode == ""; attempt++ {
		code, err := util.RandomDigits(qrShortCodeDigits)
		if err != nil {
			return nil, err
		}
		ok, err := s.redisClient.SetNX(ctx, qrCodePrefix+code, session.SessionID, s.sessionTTL).Result()
		if err != nil {
			level.Error(global.Logger).Log("msg", "failed to store qr login short code", "error", err)
			return nil, types.ErrInternal
		}
		if ok {
			session.ShortCode = code
		}
	}
	if session.ShortCode == "" {
		return nil, fmt.Errorf("failed to allocate short code: %w", types.ErrConflict)
	}

	sessionBytes, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	if err := s.redisClient.Set(ctx, qrSessionPrefix+session.SessionID, sessionBytes, s.sessionTTL+qrTombstoneGrace).Err(); err != nil {
		level.Error(global.Logger).Log("msg", "failed to store qr login session", "error", err)
		return nil, types.ErrInternal
	}
	metrics.QrLoginSessionsTotal.WithLabelValues("created").Inc()

	return &types.QrLoginCreateResponse{
		SessionID:        session.SessionID,
		ShortCode:        session.ShortCode,
		ExpiresInSeconds: int(s.sessionTTL.Seconds()),
		PublicKey:        publicKey,
	}, nil
}

// GetSessionInfo resolves a session by its id or short code so the approver can read the
// requester's public key
func (s *QrLoginService) GetSessionInfo(ctx context.Context, lookup string, clientKey string) (*types.QrLoginSessionInfo, error) {
	sessionID := lookup
	if shortCodeRegex.MatchString(lookup) {
		if err := s.allow(ctx, "lookup:"+clientKey, qrLookupLimit); err != nil {
			return nil, err
		}
		resolved, err := s.redisClient.Get(ctx, qrCodePrefix+lookup).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, types.ErrSessionNotFound
			}
			level.Error(global.Logger).Log("msg", "failed to resolve short code", "error", err)
			return nil, types.ErrInternal
		}
		sessionID = resolved
	} else if _, err := uuid.Parse(lookup); err != nil {
		return nil, types.ErrSessionNotFound
	}

	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == types.QrLoginStatusPending && s.expired(session) {
		return nil, types.ErrSessionExpired
	}
	info := &types.QrLoginSessionInfo{
		SessionID:        session.SessionID,
		PublicKey:        session.PublicKey,
		Status:           session.Status,
		ExpiresInSeconds: s.secondsLeft(session),
	}
	if session.Status == types.QrLoginStatusPending {
		info.ShortCode = session.ShortCode
	}
	return info, nil
}

// ApproveSession stores the encrypted device share for the requester. A session is approved
// at most once and the requester's public key must match the one registered at creation.
func (s *QrLoginService) ApproveSession(ctx context.Context, sessionID string, input types.QrLoginApproveRequest) error {
	if err := s.allow(ctx, "approve:"+sessionID, redis_rate.Limit{Rate: 5, Burst: 5, Period: s.sessionTTL}); err != nil {
		return err
	}

	sessionKey := qrSessionPrefix + sessionID
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, sessionKey).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return types.ErrSessionNotFound
			}
			return err
		}
		var session types.QrLoginSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return err
		}
		if session.Status == types.QrLoginStatusApproved {
			return types.ErrSessionAlreadyApproved
		}
		if s.expired(&session) {
			return types.ErrSessionExpired
		}
		if session.PublicKey != input.RequesterPublicKey {
			return types.ErrInvalidPublicKey
		}

		approvedAt := s.now().UTC()
		session.Status = types.QrLoginStatusApproved
		session.ApproverDID = input.ApproverDID
		session.ApprovedAt = &approvedAt
		sessionBytes, err := json.Marshal(session)
		if err != nil {
			return err
		}
		payloadBytes, err := json.Marshal(types.QrLoginPayload{
			EncryptedDeviceShare: input.EncryptedDeviceShare,
			ApproverDID:          input.ApproverDID,
		})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey, sessionBytes, s.payloadTTL+qrTombstoneGrace)
			pipe.Set(ctx, qrPayloadPrefix+sessionID, payloadBytes, s.payloadTTL)
			pipe.Del(ctx, qrCodePrefix+session.ShortCode)
			return nil
		})
		return err
	}

	err := s.redisClient.Watch(ctx, txf, sessionKey)
	if errors.Is(err, redis.TxFailedErr) {
		// another approval won the race
		return types.ErrSessionAlreadyApproved
	}
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) || errors.Is(err, types.ErrSessionAlreadyApproved) ||
			errors.Is(err, types.ErrSessionExpired) || errors.Is(err, types.ErrInvalidPublicKey) {
			return err
		}
		level.Error(global.Logger).Log("msg", "failed to approve qr login session", "error", err)
		return types.ErrInternal
	}
	metrics.QrLoginSessionsTotal.WithLabelValues("approved").Inc()
	return nil
}

// ConsumeResult is polled by the requester. Pending sessions report their status, an approved
// session hands out the encrypted payload exactly once and is then removed.
func (s *QrLoginService) ConsumeResult(ctx context.Context, sessionID string) (*types.QrLoginResult, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == types.QrLoginStatusPending {
		if s.expired(session) {
			metrics.QrLoginSessionsTotal.WithLabelValues("expired").Inc()
			return nil, types.ErrSessionExpired
		}
		return &types.QrLoginResult{Status: types.QrLoginStatusPending}, nil
	}

	raw, err := s.redisClient.GetDel(ctx, qrPayloadPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// already delivered or the payload outlived its TTL
			return nil, types.ErrSessionExpired
		}
		level.Error(global.Logger).Log("msg", "failed to consume qr login payload", "error", err)
		return nil, types.ErrInternal
	}
	var payload types.QrLoginPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		level.Error(global.Logger).Log("msg", "failed to unmarshal qr login payload", "error", err)
		return nil, types.ErrInternal
	}
	if err := s.redisClient.Del(ctx, qrSessionPrefix+sessionID).Err(); err != nil {
		level.Warn(global.Logger).Log("msg", "failed to delete consumed qr login session", "error", err)
	}
	metrics.QrLoginSessionsTotal.WithLabelValues("consumed").Inc()

	return &types.QrLoginResult{
		Status:               types.QrLoginStatusApproved,
		EncryptedDeviceShare: payload.EncryptedDeviceShare,
		ApproverDID:          payload.ApproverDID,
	}, nil
}

// NotifyDevices queues a push prompting the user's other devices to approve the session.
// Delivery is best effort; false means nothing was queued.
func (s *QrLoginService) NotifyDevices(ctx context.Context, user *types.AuthUser, sessionID string, shortCode string) (bool, error) {
	if err := s.allow(ctx, "notify:"+user.ID, qrNotifyLimit); err != nil {
		if errors.Is(err, types.ErrTooManyRequests) {
			return false, nil
		}
		return false, err
	}
	if s.taskClient == nil || s.userKeyService == nil {
		return false, nil
	}
	contact, ok := user.ContactMethod()
	if !ok {
		return false, fmt.Errorf("user has no email or phone: %w", types.ErrBadRequest)
	}
	key, err := s.userKeyService.Get(contact)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if key.PrimaryDID == "" {
		return false, nil
	}

	task, err := types.NewDeviceLinkPushTask(&types.DeviceLinkNotification{
		PrimaryDID: key.PrimaryDID,
		SessionID:  sessionID,
		ShortCode:  shortCode,
	})
	if err != nil {
		return false, err
	}
	if _, err := s.taskClient.Enqueue(task, asynq.MaxRetry(3), asynq.Timeout(30*time.Second), asynq.Deadline(s.now().Add(s.sessionTTL))); err != nil {
		level.Warn(global.Logger).Log("msg", "failed to queue device link notification", "sessionId", sessionID, "error", err)
		return false, nil
	}
	return true, nil
}
