package illustration

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"storyteller-server/internal/models"
)

// Client запрашивает у API генерации изображений одну иллюстрацию
// по промпту и возвращает временный URL.
type Client struct {
	openaiClient *openai.Client
	model        string
	styleSuffix  string
	logger       *zap.Logger
}

// Config содержит параметры создания клиента иллюстраций.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// StyleSuffix дописывается к каждому промпту (единый стиль книги)
	StyleSuffix string
}

// NewClient создает клиент API генерации изображений.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("illustration API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.CreateImageModelDallE3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	config.HTTPClient = &http.Client{
		Timeout: cfg.Timeout,
	}

	return &Client{
		openaiClient: openai.NewClientWithConfig(config),
		model:        cfg.Model,
		styleSuffix:  cfg.StyleSuffix,
		logger:       logger.Named("IllustrationClient"),
	}, nil
}

// Generate запрашивает ровно одно изображение и возвращает его временный URL.
// URL ограничен по времени жизни: постоянную копию делает релокация.
// Сбой не фатален для хода, вызывающий код продолжает без новой иллюстрации.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("illustration prompt is empty")
	}

	fullPrompt := prompt
	if c.styleSuffix != "" {
		fullPrompt = prompt + " " + c.styleSuffix
	}

	resp, err := c.openaiClient.CreateImage(ctx, openai.ImageRequest{
		Model:          c.model,
		Prompt:         fullPrompt,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		c.logger.Error("Image generation request failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("%w: image API returned no URL", models.ErrUpstreamUnavailable)
	}

	c.logger.Debug("Illustration generated", zap.Int("prompt_len", len(fullPrompt)))
	return resp.Data[0].URL, nil
}
