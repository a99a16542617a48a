package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"crewcall-backend/internal/domain"
	"crewcall-backend/internal/events"
	"crewcall-backend/pkg/logger"
	"crewcall-backend/pkg/metrics"
	"crewcall-backend/pkg/push"
)

// MemberLister lists the users who belong to a room scope
type MemberLister interface {
	ListMembers(ctx context.Context, scope domain.RoomScope) ([]uuid.UUID, error)
}

// Notifier sends call push notifications
type Notifier interface {
	SendCallStartedNotification(ctx context.Context, data *push.CallStartedData, recipients []uuid.UUID) (*push.SendResult, error)
}

// CallStartedHandler pushes a call_started notification to a room's members
type CallStartedHandler struct {
	members  MemberLister
	notifier Notifier
	metrics  *metrics.Metrics
}

// NewCallStartedHandler creates a new CallStartedHandler
func NewCallStartedHandler(members MemberLister, notifier Notifier, m *metrics.Metrics) *CallStartedHandler {
	return &CallStartedHandler{members: members, notifier: notifier, metrics: m}
}

// ProcessTask implements asynq.Handler
func (h *CallStartedHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	retry, _ := asynq.GetRetryCount(ctx)
	taskID, _ := asynq.GetTaskID(ctx)
	log := logger.FromContext(ctx).With(
		zap.String("task_id", taskID),
		zap.String("task_type", t.Type()),
		zap.Int("retry", retry))

	event, err := events.ParseCallStarted(t)
	if err != nil {
		log.Error("Dropping malformed call_started task", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	members, err := h.members.ListMembers(ctx, event.Scope)
	if err != nil {
		return fmt.Errorf("failed to list room members: %w", err)
	}

	result, err := h.notifier.SendCallStartedNotification(ctx, &push.CallStartedData{
		CallID:    event.CallID,
		ScopeType: string(event.Scope.Type),
		ScopeID:   event.Scope.ID,
		StartedBy: event.StartedBy,
		CallKind:  string(event.Kind),
		Timestamp: event.StartedAt.Unix(),
	}, members)
	if err != nil {
		h.metrics.RecordPushNotificationFailure("call_started", "fcm")
		return err
	}

	for i := 0; i < result.SuccessCount; i++ {
		h.metrics.RecordPushNotification("call_started", "fcm")
	}
	for i := 0; i < result.FailureCount; i++ {
		h.metrics.RecordPushNotificationFailure("call_started", "fcm")
	}

	log.Info("Processed call_started",
		zap.String("call_id", event.CallID.String()),
		zap.String("scope", event.Scope.Key()),
		zap.Int("members", len(members)),
		zap.Int("delivered", result.SuccessCount))
	return nil
}
