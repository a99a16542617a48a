package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"crewcall-backend/internal/database"
	redisRepo "crewcall-backend/internal/repository/redis"
	"crewcall-backend/internal/worker"
	"crewcall-backend/pkg/config"
	"crewcall-backend/pkg/constants"
	"crewcall-backend/pkg/logger"
	"crewcall-backend/pkg/metrics"
	"crewcall-backend/pkg/push"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger.InitDefault("notification-worker")
	defer logger.Sync()

	appMetrics := metrics.NewMetrics("notification-worker")

	redisClient := database.NewRedisClient(&cfg.Redis, appMetrics.GetRegistry())
	defer redisClient.Close()
	redisClient.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	provider, err := push.NewProvider(ctx, &cfg.Push)
	if err != nil {
		if cfg.Server.Environment == "production" {
			logger.Fatal("Failed to create push provider", zap.Error(err))
		}
		logger.Warn("Push provider unavailable, falling back to mock", zap.Error(err))
		provider = &push.MockProvider{}
	}
	if _, isMock := provider.(*push.MockProvider); isMock && cfg.Server.Environment == "production" {
		logger.Fatal("Mock push provider is not allowed in production")
	}

	pushSvc := push.NewService(provider, redisRepo.NewPushTokenRepository(redisClient))
	callStarted := worker.NewCallStartedHandler(redisRepo.NewRoomMemberRepository(redisClient), pushSvc, appMetrics)

	server := worker.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Worker.Concurrency, callStarted)

	// Run returns after SIGINT or SIGTERM once in-flight tasks finish
	if err := server.Run(); err != nil {
		logger.Fatal("Worker server failed", zap.Error(err))
	}
}
