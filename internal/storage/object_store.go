package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"storyteller-server/internal/models"
)

// ObjectStore определяет интерфейс долговременного объектного хранилища.
type ObjectStore interface {
	// Upload загружает объект по ключу с семантикой overwrite-if-exists.
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	// PublicURL возвращает постоянный публичный URL объекта.
	PublicURL(key string) string
}

// Compile-time check to ensure httpObjectStore implements ObjectStore
var _ ObjectStore = (*httpObjectStore)(nil)

// httpObjectStore - клиент storage REST API (Supabase-совместимая схема
// путей: /storage/v1/object/{bucket}/{key}).
type httpObjectStore struct {
	baseURL    string
	apiKey     string
	bucket     string
	httpClient *http.Client
	logger     *zap.Logger
}

// Config содержит параметры подключения к объектному хранилищу.
type Config struct {
	BaseURL string
	APIKey  string
	Bucket  string
	Timeout time.Duration
}

// NewObjectStore создает HTTP-клиент объектного хранилища.
func NewObjectStore(cfg Config, logger *zap.Logger) (ObjectStore, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("storage base URL is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &httpObjectStore{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		bucket:  cfg.Bucket,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.Named("ObjectStore"),
	}, nil
}

// Upload загружает объект. Заголовок x-upsert включает перезапись:
// ключи слотов стабильны и переиспользуются при повторе того же хода.
func (s *httpObjectStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	endpointURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: failed to create upload request: %v", models.ErrStorageUploadFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	s.logger.Debug("Uploading object", zap.String("key", key), zap.Int("size_bytes", len(data)))
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("Object upload request failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%w: %v", models.ErrStorageUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.logger.Error("Object upload returned non-OK status",
			zap.String("key", key),
			zap.Int("status_code", resp.StatusCode),
			zap.ByteString("response_body", body),
		)
		return fmt.Errorf("%w: storage returned status %d", models.ErrStorageUploadFailed, resp.StatusCode)
	}

	s.logger.Info("Object uploaded", zap.String("key", key))
	return nil
}

// PublicURL возвращает постоянный публичный URL объекта.
func (s *httpObjectStore) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, key)
}

// SlotKey возвращает детерминированный ключ слота иллюстрации:
// {sessionID}/{slotIndex}.png.
func SlotKey(sessionID string, slotIndex int) string {
	return fmt.Sprintf("%s/%d.png", sessionID, slotIndex)
}
