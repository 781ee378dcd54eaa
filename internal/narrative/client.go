package narrative

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"storyteller-server/internal/models"
)

// humanTurnTemplate - хвостовая инструкция к действию пользователя,
// требующая от модели ответа строго в JSON из системной инструкции.
const humanTurnTemplate = "%s and respond ONLY with the JSON defined above"

// Client отправляет журнал диалога в chat-completion API и разбирает
// структурированный ответ модели.
type Client struct {
	openaiClient *openai.Client
	model        string
	tokenBudget  int
	logger       *zap.Logger
}

// Config содержит параметры создания клиента.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// TokenBudget - мягкий порог токенов промпта; превышение логируется,
	// но запрос не блокируется
	TokenBudget int
}

// NewClient создает клиент повествовательного API.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("narrative API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4"
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
		tokenBudget:  cfg.TokenBudget,
		logger:       logger.Named("NarrativeClient"),
	}, nil
}

// BuildMessages сериализует журнал диалога в форму chat-completion запроса.
// Роли отображаются как system-instruction -> system, user-action -> user,
// assistant-narration -> assistant. Непустое action добавляется последним
// ходом пользователя с хвостовой инструкцией о формате ответа.
func BuildMessages(conversation []models.Turn, action string) ([]openai.ChatCompletionMessage, error) {
	if len(conversation) == 0 || conversation[0].Role != models.RoleSystemInstruction {
		return nil, fmt.Errorf("conversation must start with a system instruction")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(conversation)+1)
	for i, turn := range conversation {
		var role string
		switch turn.Role {
		case models.RoleSystemInstruction:
			if i != 0 {
				return nil, fmt.Errorf("conversation contains a system instruction at position %d", i)
			}
			role = openai.ChatMessageRoleSystem
		case models.RoleUserAction:
			role = openai.ChatMessageRoleUser
		case models.RoleAssistantNarration:
			role = openai.ChatMessageRoleAssistant
		default:
			return nil, fmt.Errorf("unknown turn role %q at position %d", turn.Role, i)
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Text,
		})
	}

	if action != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: fmt.Sprintf(humanTurnTemplate, action),
		})
	}

	return messages, nil
}

// Complete выполняет один блокирующий запрос к API и разбирает ответ.
// Пустое action означает открывающий ход: модель отвечает на одну лишь
// системную инструкцию. Повторных попыток нет: сбой хода виден пользователю,
// и он сам решает, отправлять ли действие снова.
func (c *Client) Complete(ctx context.Context, conversation []models.Turn, action string) (*models.ParsedStoryResponse, error) {
	messages, err := BuildMessages(conversation, action)
	if err != nil {
		return nil, err
	}

	if promptTokens := c.countPromptTokens(messages); c.tokenBudget > 0 && promptTokens > c.tokenBudget {
		c.logger.Warn("Conversation exceeds the token budget",
			zap.Int("prompt_tokens", promptTokens),
			zap.Int("budget", c.tokenBudget),
			zap.Int("turns", len(messages)),
		)
	}

	resp, err := c.openaiClient.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		c.logger.Error("Chat completion request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("%w: empty completion", models.ErrMalformedModelOutput)
	}

	parsed, err := ParseStoryResponse(resp.Choices[0].Message.Content)
	if err != nil {
		c.logger.Warn("Failed to parse model response",
			zap.Error(err),
			zap.Int("raw_len", len(resp.Choices[0].Message.Content)),
		)
		return nil, err
	}

	c.logger.Debug("Narrative turn completed",
		zap.Int("actions_suggested", len(parsed.PossibleActions)),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return parsed, nil
}

// countPromptTokens оценивает размер промпта в токенах через tiktoken.
// Ошибка кодировщика не фатальна: возвращаем 0 и бюджет не проверяется.
func (c *Client) countPromptTokens(messages []openai.ChatCompletionMessage) int {
	tke, err := tiktoken.EncodingForModel(c.model)
	if err != nil {
		tke, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return 0
		}
	}
	total := 0
	for _, msg := range messages {
		total += len(tke.Encode(msg.Content, nil, nil))
	}
	return total
}
