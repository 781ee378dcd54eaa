package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rabbitmq/amqp091-go"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	ginprometheus "github.com/zsais/go-gin-prometheus"

	"storyteller-server/internal/config"
	"storyteller-server/internal/database"
	"storyteller-server/internal/handler"
	"storyteller-server/internal/illustration"
	"storyteller-server/internal/messaging"
	"storyteller-server/internal/middleware"
	"storyteller-server/internal/narrative"
	"storyteller-server/internal/repository"
	"storyteller-server/internal/service"
	"storyteller-server/internal/session"
	"storyteller-server/internal/ws"
	"storyteller-server/pkg/logger"
)

const (
	maxConnectAttempts = 5
	connectRetryDelay  = 5 * time.Second
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger Setup ---
	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	zap.ReplaceGlobals(log)
	log.Info("Starting Storyteller Server", zap.String("env", cfg.Env))

	// --- External Connections ---
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := database.Connect(ctx, cfg.GetDSN(), log)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pgPool.Close()

	if err := database.ApplyMigrations(ctx, pgPool, log); err != nil {
		log.Fatal("Failed to apply database migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	log.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))

	mqConn, err := connectRabbitMQ(cfg.RabbitMQURL, log)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer mqConn.Close()
	log.Info("Connected to RabbitMQ")

	// --- Dependency Injection ---
	sessionCache := session.NewRedisCache(redisClient, cfg.SessionCacheTTL, log)
	sessionStore := session.NewStore(sessionCache, log)

	narrativeClient, err := narrative.NewClient(narrative.Config{
		APIKey:      cfg.NarrativeAPIKey,
		BaseURL:     cfg.NarrativeBaseURL,
		Model:       cfg.NarrativeModel,
		Timeout:     cfg.NarrativeTimeout,
		TokenBudget: cfg.NarrativeTokenBudget,
	}, log)
	if err != nil {
		log.Fatal("Failed to create narrative client", zap.Error(err))
	}

	illustrationKey, illustrationBaseURL := cfg.IllustrationCredentials()
	illustrationClient, err := illustration.NewClient(illustration.Config{
		APIKey:      illustrationKey,
		BaseURL:     illustrationBaseURL,
		Model:       cfg.IllustrationModel,
		Timeout:     cfg.IllustrationTimeout,
		StyleSuffix: cfg.IllustrationStyleSuffix,
	}, log)
	if err != nil {
		log.Fatal("Failed to create illustration client", zap.Error(err))
	}

	storyRepo := repository.NewPgStoryRepository(pgPool, log)

	taskPublisher, err := messaging.NewRabbitMQRelocationPublisher(mqConn, cfg.RelocationQueueName, log)
	if err != nil {
		log.Fatal("Failed to create relocation task publisher", zap.Error(err))
	}

	storySvc := service.NewStoryService(sessionStore, narrativeClient, illustrationClient, storyRepo, taskPublisher, log)

	wsManager := ws.NewConnectionManager(log)
	auth := middleware.NewAuth(cfg.JWTSecret, log)
	storyHandler := handler.NewStoryHandler(storySvc, auth, wsManager, log)

	updateConsumer := messaging.NewClientUpdateConsumer(mqConn, wsManager, cfg.UpdatesQueueName, log)

	// --- HTTP Server Setup (Gin) ---
	gin.SetMode(gin.ReleaseMode)
	if cfg.Env == "development" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.RedirectTrailingSlash = true
	router.Use(middleware.ZapLogging(log))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSAllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	storyHandler.RegisterRoutes(router)

	p := ginprometheus.NewPrometheus("gin")
	p.Use(router)

	// --- Start Background Consumers ---
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()
	go func() {
		if err := updateConsumer.StartConsuming(consumerCtx); err != nil {
			log.Error("Client update consumer stopped with error", zap.Error(err))
		}
	}()

	// --- Start HTTP Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server listen error", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	consumerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exiting")
}

// connectRabbitMQ подключается к RabbitMQ с несколькими попытками:
// брокер может подниматься дольше сервиса.
func connectRabbitMQ(url string, log *zap.Logger) (*amqp091.Connection, error) {
	var conn *amqp091.Connection
	var err error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		conn, err = amqp091.Dial(url)
		if err == nil {
			return conn, nil
		}
		log.Warn("RabbitMQ connection failed, retrying...",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxConnectAttempts),
			zap.Error(err))
		time.Sleep(connectRetryDelay)
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxConnectAttempts, err)
}
