// Package main runs the call platform HTTP server, the websocket relay, and
// the background recording worker.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fancall/backend/config"
	"github.com/fancall/backend/internal/auth"
	"github.com/fancall/backend/internal/callsessions"
	"github.com/fancall/backend/internal/middleware"
	"github.com/fancall/backend/internal/models"
	"github.com/fancall/backend/internal/queue"
	"github.com/fancall/backend/internal/queuewatch"
	"github.com/fancall/backend/internal/realtime"
	"github.com/fancall/backend/internal/recordings"
	"github.com/fancall/backend/internal/rtctoken"
	"github.com/fancall/backend/internal/worker"
	"github.com/fancall/backend/pkg/database"
	jobqueue "github.com/fancall/backend/pkg/queue"
	"github.com/fancall/backend/pkg/redis"
	"github.com/fancall/backend/pkg/response"
	"github.com/fancall/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	tokenService := rtctoken.NewService(cfg.RTC.TokenSecret, cfg.RTC.RelayURL,
		time.Duration(cfg.RTC.TokenTTLMin)*time.Minute)

	// Relay: websocket hub + per-room SFU, bridged across instances.
	bridge := realtime.NewRedisBridge(rdb.Client, logger)
	hub := realtime.NewHub(logger, bridge)
	sfu := realtime.NewSFU(hub, cfg.RTC.ICEUrls, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Call sessions
	sessionRepo := callsessions.NewRepository(pool)
	sessionHandler := callsessions.NewHandler(sessionRepo, logger)

	// Queue + change feed
	queueFeed := queuewatch.NewRedisFeed(rdb.Client, logger)
	queueRepo := queue.NewRepository(pool)
	queueHandler := queue.NewHandler(queueRepo, sessionRepo, queueFeed, logger)

	// Room tokens
	tokenHandler := rtctoken.NewHandler(tokenService, sessionRepo, logger)

	// Recordings
	recordingRepo := recordings.NewRepository(pool)
	recordingHandler := recordings.NewHandler(recordingRepo, sessionRepo, s3Client, logger)
	jobQueue := jobqueue.NewQueue(rdb.Client, logger)
	recordingWebhook := recordings.NewWebhookHandler(recordingRepo, jobQueue, logger)
	recordingProcessor := worker.NewRecordingProcessor(recordingRepo, s3Client, jobQueue, logger)

	relayValidate := func(token string) (room, identity, role string, err error) {
		claims, err := tokenService.Validate(token)
		if err != nil {
			return "", "", "", err
		}
		return claims.Room, claims.Identity, claims.Role, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	v1 := router.Group("/api/v1")

	// Auth (public)
	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
	}

	// Protected API (JWT required)
	api := v1.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/me", authHandler.Me)
		api.GET("/creators", authHandler.ListCreators)

		// Queue
		api.POST("/queue/:creatorID/join", middleware.RequireRole(string(models.RoleFan)), queueHandler.Join)
		api.GET("/queue/:creatorID", middleware.RequireRole(string(models.RoleCreator), string(models.RoleAdmin)), queueHandler.List)
		api.GET("/queue/:creatorID/count", queueHandler.Count)
		api.DELETE("/queue/entries/:entryID", queueHandler.Leave)
		api.POST("/queue/entries/:entryID/claim", middleware.RequireRole(string(models.RoleCreator)), queueHandler.Claim)
		api.POST("/queue/entries/:entryID/complete", middleware.RequireRole(string(models.RoleCreator)), queueHandler.Complete)

		// Call sessions
		api.GET("/sessions", middleware.RequireRole(string(models.RoleCreator)), sessionHandler.ListMine)
		api.GET("/sessions/active", middleware.RequireRole(string(models.RoleCreator)), sessionHandler.Active)
		api.GET("/sessions/:sessionID", sessionHandler.Get)
		api.POST("/sessions/:sessionID/end", sessionHandler.End)
		api.GET("/sessions/:sessionID/recordings", recordingHandler.ListBySession)

		// Relay room tokens
		api.POST("/rtc/token", tokenHandler.Issue)

		// Recordings
		api.GET("/recordings/:id/download-url", recordingHandler.DownloadURL)
	}

	// Webhooks (no JWT; validate webhook signature in handler when configured)
	router.POST("/webhooks/recording-ready", recordingWebhook.RecordingReady)

	// Relay websocket (room token in query, not the user JWT)
	router.GET("/ws/rtc/:room", realtime.ServeWs(hub, sfu, relayValidate, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (recording upload to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		go recordingProcessor.Run(workerCtx)
		logger.Info("recording worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
