// Package events hands call lifecycle events to the background notification
// worker over an asynq queue.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"crewcall-backend/internal/domain"
	"crewcall-backend/pkg/constants"
	"crewcall-backend/pkg/logger"
	"crewcall-backend/pkg/metrics"
)

// Task types
const (
	TypeCallStarted = "call:started"
)

// Queue names, weighted by the worker
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
)

// NewCallStartedTask builds the task for a call_started event. The task ID
// is derived from the call, so a repeated enqueue for the same call is dropped.
func NewCallStartedTask(event *domain.CallStartedEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal call_started payload: %w", err)
	}
	return asynq.NewTask(TypeCallStarted, payload,
		asynq.TaskID("call-started:"+event.CallID.String()),
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(constants.TaskMaxRetry),
		asynq.Timeout(constants.TaskTimeout),
	), nil
}

// ParseCallStarted decodes a call_started task payload
func ParseCallStarted(task *asynq.Task) (*domain.CallStartedEvent, error) {
	var event domain.CallStartedEvent
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call_started payload: %w", err)
	}
	if err := event.Scope.Validate(); err != nil {
		return nil, err
	}
	return &event, nil
}

// Enqueuer is the part of *asynq.Client the emitter needs
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Emitter enqueues lifecycle events for the notification worker
type Emitter struct {
	client  Enqueuer
	metrics *metrics.Metrics
}

// NewEmitter creates a new Emitter
func NewEmitter(client Enqueuer, m *metrics.Metrics) *Emitter {
	return &Emitter{client: client, metrics: m}
}

// EmitCallStarted enqueues a call_started notification
func (e *Emitter) EmitCallStarted(ctx context.Context, event *domain.CallStartedEvent) error {
	task, err := NewCallStartedTask(event)
	if err != nil {
		return err
	}

	info, err := e.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logger.Debug("call_started already enqueued",
			zap.String("call_id", event.CallID.String()))
		return nil
	}
	e.metrics.RecordEventEnqueued(TypeCallStarted, err)
	if err != nil {
		return fmt.Errorf("failed to enqueue call_started: %w", err)
	}

	logger.Debug("Enqueued call_started",
		zap.String("call_id", event.CallID.String()),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue))
	return nil
}
