package relocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"storyteller-server/internal/messaging"
	"storyteller-server/internal/models"
	"storyteller-server/internal/repository"
	"storyteller-server/internal/storage"
)

// Определяем метрики Prometheus
var (
	tasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relocator_tasks_processed_total",
			Help: "Total number of image relocation tasks processed.",
		},
		[]string{"status"}, // "success", "error_download", "error_upload", "error_persist", "error_unmarshal", "story_gone"
	)
	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relocator_task_duration_seconds",
		Help:    "Duration of image relocation task processing.",
		Buckets: prometheus.LinearBuckets(0.5, 0.5, 10),
	})
	downloadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relocator_download_errors_total",
		Help: "Total number of errors downloading the temporary image.",
	})
	uploadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relocator_upload_errors_total",
		Help: "Total number of errors uploading the image to durable storage.",
	})
)

// Handler обрабатывает задачи релокации изображений.
type Handler struct {
	logger      *zap.Logger
	httpClient  *http.Client
	objectStore storage.ObjectStore
	repo        repository.StoryRepository
	updates     messaging.ClientUpdatePublisher
	taskTimeout time.Duration
}

// NewHandler создает новый экземпляр Handler.
func NewHandler(
	logger *zap.Logger,
	objectStore storage.ObjectStore,
	repo repository.StoryRepository,
	updates messaging.ClientUpdatePublisher,
	taskTimeout time.Duration,
) *Handler {
	return &Handler{
		logger:      logger.Named("RelocationHandler"),
		httpClient:  &http.Client{Timeout: taskTimeout},
		objectStore: objectStore,
		repo:        repo,
		updates:     updates,
		taskTimeout: taskTimeout,
	}
}

// HandleDelivery обрабатывает одно сообщение из очереди задач.
// Возвращает true, если сообщение должно быть подтверждено (ack).
// Ретраев нет: неудавшаяся релокация оставляет в истории временный URL,
// поэтому сообщение подтверждается в любом исходе.
func (h *Handler) HandleDelivery(ctx context.Context, msg amqp091.Delivery) bool {
	start := time.Now()
	defer func() {
		taskDuration.Observe(time.Since(start).Seconds())
	}()

	var payload messaging.RelocationTaskPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		h.logger.Error("Failed to unmarshal relocation task, dropping message", zap.Error(err))
		tasksProcessed.WithLabelValues("error_unmarshal").Inc()
		return true
	}

	log := h.logger.With(
		zap.String("task_id", payload.TaskID),
		zap.String("session_id", payload.SessionID),
		zap.Int("slot_index", payload.SlotIndex),
	)
	log.Info("Received image relocation task")

	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	if err := h.relocate(ctx, log, payload); err != nil {
		log.Error("Relocation task failed, temporary URL stays in place", zap.Error(err))
		return true
	}

	tasksProcessed.WithLabelValues("success").Inc()
	log.Info("Image relocated", zap.Duration("took", time.Since(start)))
	return true
}

func (h *Handler) relocate(ctx context.Context, log *zap.Logger, payload messaging.RelocationTaskPayload) error {
	data, contentType, err := h.download(ctx, payload.TempURL)
	if err != nil {
		downloadErrors.Inc()
		tasksProcessed.WithLabelValues("error_download").Inc()
		return fmt.Errorf("download failed: %w", err)
	}
	log.Debug("Temporary image downloaded", zap.Int("size", len(data)), zap.String("content_type", contentType))

	key := storage.SlotKey(payload.SessionID, payload.SlotIndex)
	if err := h.objectStore.Upload(ctx, key, data, contentType); err != nil {
		uploadErrors.Inc()
		tasksProcessed.WithLabelValues("error_upload").Inc()
		return fmt.Errorf("upload failed: %w", err)
	}

	durableURL := h.objectStore.PublicURL(key)

	if err := h.repo.UpdateImageSlot(ctx, payload.SessionID, payload.SlotIndex, durableURL); err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			// История удалена, пока задача ждала в очереди
			tasksProcessed.WithLabelValues("story_gone").Inc()
			log.Info("Story no longer exists, relocation result discarded")
			return nil
		}
		tasksProcessed.WithLabelValues("error_persist").Inc()
		return fmt.Errorf("persist failed: %w", err)
	}

	// Уведомление клиента best-effort: при следующей загрузке истории
	// он в любом случае увидит постоянный URL
	update := messaging.ImageRelocatedPayload{
		SessionID: payload.SessionID,
		SlotIndex: payload.SlotIndex,
		URL:       durableURL,
	}
	if err := h.updates.PublishImageRelocated(ctx, update); err != nil {
		log.Warn("Failed to publish client update", zap.Error(err))
	}
	return nil
}

// download скачивает изображение по временному URL.
func (h *Handler) download(ctx context.Context, tempURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tempURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d from temporary URL", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return data, contentType, nil
}
