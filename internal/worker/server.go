// Package worker runs the background notification consumers.
package worker

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"crewcall-backend/internal/events"
	"crewcall-backend/pkg/logger"
)

// Server wraps the asynq server and its handler mux
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewServer creates a worker server consuming the event queues
func NewServer(redisOpt asynq.RedisConnOpt, concurrency int, callStarted *CallStartedHandler) *Server {
	if concurrency <= 0 {
		concurrency = 10
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			events.QueueCritical: 6,
			events.QueueDefault:  3,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retry, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			taskID, _ := asynq.GetTaskID(ctx)
			logger.Error("Task failed",
				zap.String("task_id", taskID),
				zap.String("task_type", task.Type()),
				zap.Int("retry", retry),
				zap.Int("max_retry", maxRetry),
				zap.Error(err))
		}),
		Logger: newAsynqLogger(),
	})

	mux := asynq.NewServeMux()
	mux.Handle(events.TypeCallStarted, callStarted)

	return &Server{server: server, mux: mux}
}

// Run blocks until the server stops
func (s *Server) Run() error {
	logger.Info("Worker server starting")
	if err := s.server.Run(s.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return err
	}
	logger.Info("Worker server stopped")
	return nil
}

// asynqLogger routes asynq's internal logging through zap
type asynqLogger struct {
	sugar *zap.SugaredLogger
}

func newAsynqLogger() *asynqLogger {
	return &asynqLogger{sugar: logger.Log.With(zap.String("component", "asynq")).Sugar()}
}

func (l *asynqLogger) Debug(args ...interface{}) { l.sugar.Debug(args...) }
func (l *asynqLogger) Info(args ...interface{})  { l.sugar.Info(args...) }
func (l *asynqLogger) Warn(args ...interface{})  { l.sugar.Warn(args...) }
func (l *asynqLogger) Error(args ...interface{}) { l.sugar.Error(args...) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.sugar.Fatal(args...) }
