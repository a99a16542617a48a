package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"crewcall-backend/internal/changefeed"
	"crewcall-backend/internal/database"
	"crewcall-backend/internal/events"
	callHandler "crewcall-backend/internal/handler/http/call"
	pushHandler "crewcall-backend/internal/handler/http/push"
	wsHandler "crewcall-backend/internal/handler/ws"
	"crewcall-backend/internal/middleware"
	"crewcall-backend/internal/presence"
	"crewcall-backend/internal/provisioner"
	"crewcall-backend/internal/repository/cassandra"
	"crewcall-backend/internal/repository/cockroach"
	redisRepo "crewcall-backend/internal/repository/redis"
	"crewcall-backend/internal/repository/sqlite"
	"crewcall-backend/internal/service/call"
	"crewcall-backend/pkg/config"
	"crewcall-backend/pkg/constants"
	pkgdb "crewcall-backend/pkg/database"
	"crewcall-backend/pkg/jwt"
	"crewcall-backend/pkg/logger"
	"crewcall-backend/pkg/metrics"
	"crewcall-backend/pkg/push"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.InitDefault(cfg.Server.ServiceName)
	} else {
		logger.Log = logger.Log.With(zap.String("service", cfg.Server.ServiceName))
		logger.Sugar = logger.Log.Sugar()
	}
	defer logger.Sync()

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. Session store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open session store",
			zap.String("driver", cfg.Store.Driver),
			zap.Error(err))
	}
	defer closeStore()

	// 3. Redis: change feed, preferences, heartbeats, room members, push tokens
	redisClient := database.NewRedisClient(&cfg.Redis, appMetrics.GetRegistry())
	defer redisClient.Close()
	if err := redisClient.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable at startup, running degraded", zap.Error(err))
	}
	redisClient.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	var feed changefeed.Feed = changefeed.NewRedisFeed(redisClient)
	if cfg.Store.FeedDriver == config.FeedDriverLocal {
		local := changefeed.NewLocalFeed()
		defer local.Close()
		feed = local
		logger.Warn("Using in-process change feed; presence only reaches clients of this instance")
	}
	prefRepo := redisRepo.NewPreferenceRepository(redisClient)
	heartbeatRepo := redisRepo.NewHeartbeatRepository(redisClient)
	memberRepo := redisRepo.NewRoomMemberRepository(redisClient)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisClient)

	// 4. Media room provisioner
	prov, err := provisioner.New(&cfg.LiveKit, appMetrics.GetRegistry())
	if err != nil {
		logger.Fatal("Failed to create room provisioner", zap.Error(err))
	}

	// 5. Notification queue
	queue := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer queue.Close()

	opts := []call.Option{
		call.WithMembers(memberRepo),
		call.WithEventEmitter(events.NewEmitter(queue, appMetrics)),
	}

	// 6. Optional call history
	if cfg.Cassandra.Enabled {
		cass, err := pkgdb.NewCassandraDB(&cfg.Cassandra)
		if err != nil {
			logger.Warn("Cassandra unavailable, call history disabled", zap.Error(err))
		} else {
			defer cass.Close()
			history := cassandra.NewCallEventRepository(cass.Session)
			if err := history.EnsureSchema(ctx); err != nil {
				logger.Fatal("Failed to create call history schema", zap.Error(err))
			}
			opts = append(opts, call.WithHistory(history))
			logger.Info("Call history enabled", zap.Strings("hosts", cfg.Cassandra.Hosts))
		}
	}

	// 7. Services
	callSvc := call.NewService(store, prov, feed, prefRepo, appMetrics, call.ConfigFrom(cfg.Call), opts...)
	synchronizer := presence.NewSynchronizer(feed, callSvc, appMetrics)

	if cfg.Call.GhostTTL > 0 {
		reaper := presence.NewReaper(callSvc, heartbeatRepo, redisClient, appMetrics, cfg.Call.GhostTTL, cfg.Call.ReapInterval)
		go reaper.Run(ctx)
		logger.Info("Ghost participant reaper started",
			zap.Duration("ttl", cfg.Call.GhostTTL),
			zap.Duration("interval", cfg.Call.ReapInterval))
	}

	// Token registration only; the notification worker owns the provider
	pushSvc := push.NewService(nil, pushTokenRepo)
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	// 8. Handlers
	callHdlr := callHandler.NewHandler(callSvc)
	pushHdlr := pushHandler.NewHandler(pushSvc)
	presenceHdlr := wsHandler.NewPresenceHandler(synchronizer, heartbeatRepo, wsHandler.PresenceConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxConnections: cfg.Server.MaxPresenceConnections,
		HeartbeatTTL:   cfg.Call.GhostTTL,
	}, appMetrics)

	// 9. Router
	router := gin.New()
	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName, redisClient))
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.GET(middleware.GetMetricsPath(), middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	if cfg.Server.CommandRateLimit > 0 {
		v1.Use(middleware.NewRateLimiter(redisClient, cfg.Server.CommandRateLimit, time.Minute).Middleware())
	}
	{
		rooms := callHdlr.RegisterRoutes(v1)
		rooms.GET("/ws", presenceHdlr.ServeWS)
		pushHdlr.RegisterRoutes(v1)
	}

	// 10. Serve until signalled
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver),
			zap.String("environment", cfg.Server.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// openStore connects the configured session store and ensures its schema
func openStore(ctx context.Context, cfg *config.Config) (call.SessionStore, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreDriverSQLite:
		db, err := pkgdb.NewSQLiteDB(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := sqlite.EnsureSchema(ctx, db.Conn); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("Using SQLite session store", zap.String("path", cfg.Store.SQLitePath))
		return sqlite.NewCallRepository(db.Conn), func() { db.Close() }, nil

	default:
		db, err := connectCockroach(ctx, &cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := cockroach.EnsureSchema(ctx, db.Pool); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("Using CockroachDB session store",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Database))
		return cockroach.NewCallRepository(db.Pool), db.Close, nil
	}
}

// connectCockroach connects with exponential backoff
func connectCockroach(ctx context.Context, cfg *config.DatabaseConfig) (*pkgdb.CockroachDB, error) {
	const maxRetries = 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err := pkgdb.NewCockroachDB(ctx, cfg)
		if err == nil {
			return db, nil
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("connect after %d attempts: %w", maxRetries, lastErr)
}
