package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/services"
	"github.com/mailio/go-mailio-keyshare/types"
)

type NotificationQueue struct {
	notificationService *services.NotificationService
	validate            *validator.Validate
}

func NewNotificationQueue(notificationService *services.NotificationService) *NotificationQueue {
	return &NotificationQueue{
		notificationService: notificationService,
		validate:            validator.New(),
	}
}

// ProcessDeviceLinkTask delivers a device link push. Malformed tasks are not retried.
func (q *NotificationQueue) ProcessDeviceLinkTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != types.QueueTypeDeviceLinkPush {
		return fmt.Errorf("unexpected task type: %s, %w", t.Type(), asynq.SkipRetry)
	}
	var task types.DeviceLinkNotification
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if err := q.validate.Struct(task); err != nil {
		return fmt.Errorf("invalid device link task: %v: %w", err, asynq.SkipRetry)
	}
	if err := q.notificationService.SendDeviceLinkPush(ctx, &task); err != nil {
		level.Warn(global.Logger).Log("msg", "failed to send device link push", "sessionId", task.SessionID, "error", err)
		return err
	}
	return nil
}
