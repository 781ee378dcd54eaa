package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"storyteller-server/internal/config"
	"storyteller-server/internal/database"
	"storyteller-server/internal/messaging"
	"storyteller-server/internal/relocation"
	"storyteller-server/internal/repository"
	"storyteller-server/internal/storage"
	"storyteller-server/pkg/logger"
)

const (
	maxConnectAttempts = 5
	connectRetryDelay  = 5 * time.Second
	consumerTag        = "relocator-worker"
	metricsPort        = "9091"
)

func main() {
	// --- 1. Конфигурация ---
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// --- 2. Логгер ---
	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("Starting Image Relocator Worker", zap.String("env", cfg.Env))

	// --- 3. Внешние подключения ---
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := database.Connect(ctx, cfg.GetDSN(), log)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pgPool.Close()

	mqConn, err := connectRabbitMQ(cfg.RabbitMQURL, log)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer mqConn.Close()
	log.Info("Connected to RabbitMQ")

	// --- 4. Зависимости воркера ---
	objectStore, err := storage.NewObjectStore(storage.Config{
		BaseURL: cfg.StorageBaseURL,
		APIKey:  cfg.StorageAPIKey,
		Bucket:  cfg.StorageBucket,
		Timeout: cfg.StorageTimeout,
	}, log)
	if err != nil {
		log.Fatal("Failed to create object store client", zap.Error(err))
	}

	storyRepo := repository.NewPgStoryRepository(pgPool, log)

	updatePublisher, err := messaging.NewRabbitMQClientUpdatePublisher(mqConn, cfg.UpdatesQueueName, log)
	if err != nil {
		log.Fatal("Failed to create client update publisher", zap.Error(err))
	}

	messageHandler := relocation.NewHandler(log, objectStore, storyRepo, updatePublisher, cfg.RelocationTimeout)

	// --- 5. Метрики и healthcheck ---
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsSrv := &http.Server{Addr: ":" + metricsPort, Handler: metricsMux}
	go func() {
		log.Info("Metrics server listening", zap.String("port", metricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server error", zap.Error(err))
		}
	}()

	// --- 6. Запуск консьюмера ---
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		startConsumer(consumerCtx, log, cfg.RelocationQueueName, mqConn, messageHandler)
	}()

	log.Info("Image Relocator Worker started successfully")

	// --- 7. Ожидание сигнала завершения ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down Image Relocator Worker...")

	consumerCancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	log.Info("Image Relocator Worker shut down gracefully")
}

// startConsumer слушает очередь задач релокации до отмены контекста.
func startConsumer(ctx context.Context, log *zap.Logger, queueName string, conn *amqp091.Connection, handler *relocation.Handler) {
	ch, err := conn.Channel()
	if err != nil {
		log.Error("Failed to open RabbitMQ channel for consumer", zap.Error(err))
		return
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		log.Error("Failed to declare task queue", zap.String("queue", queueName), zap.Error(err))
		return
	}
	log.Info("Task queue declared",
		zap.String("queue", q.Name),
		zap.Int("messages", q.Messages),
		zap.Int("consumers", q.Consumers))

	// Воркер берет по одной задаче: релокация упирается в сеть, а не в CPU
	if err := ch.Qos(1, 0, false); err != nil {
		log.Error("Failed to set QoS", zap.Error(err))
		return
	}

	msgs, err := ch.Consume(
		q.Name,      // queue
		consumerTag, // consumer tag
		false,       // auto-ack (подтверждаем вручную)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		log.Error("Failed to register consumer", zap.String("queue", q.Name), zap.Error(err))
		return
	}

	log.Info("Consumer started, waiting for messages...")

	for {
		select {
		case <-ctx.Done():
			log.Info("Consumer stopping")
			return
		case msg, ok := <-msgs:
			if !ok {
				log.Warn("Consumer channel closed by RabbitMQ")
				return
			}
			if handler.HandleDelivery(ctx, msg) {
				if err := msg.Ack(false); err != nil {
					log.Error("Failed to ack message", zap.Error(err))
				}
			} else {
				if err := msg.Nack(false, true); err != nil {
					log.Error("Failed to nack message", zap.Error(err))
				}
			}
		}
	}
}

// connectRabbitMQ подключается к RabbitMQ с несколькими попытками.
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
