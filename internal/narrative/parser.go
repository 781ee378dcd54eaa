package narrative

import (
	"encoding/json"
	"fmt"
	"strings"

	"storyteller-server/internal/models"
)

// ParseStoryResponse разбирает сырой текст ответа модели в
// ParsedStoryResponse. Модель обязана вернуть JSON-объект с ключами
// story-text, possible-actions и dall-e-prompt; location и action-history
// опциональны. Любое отклонение формы - жесткая ошибка хода.
func ParseStoryResponse(raw string) (*models.ParsedStoryResponse, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty response", models.ErrMalformedModelOutput)
	}

	// Модели периодически оборачивают JSON в markdown-блок
	trimmed = stripCodeFence(trimmed)

	// Отрезаем возможный текст до и после объекта
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in response", models.ErrMalformedModelOutput)
	}

	var parsed models.ParsedStoryResponse
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedModelOutput, err)
	}

	if parsed.StoryText == "" {
		return nil, fmt.Errorf("%w: missing story-text", models.ErrMalformedModelOutput)
	}
	if parsed.IllustrationPrompt == "" {
		return nil, fmt.Errorf("%w: missing dall-e-prompt", models.ErrMalformedModelOutput)
	}
	if parsed.PossibleActions == nil {
		parsed.PossibleActions = []string{}
	}

	return &parsed, nil
}

// stripCodeFence убирает обрамление ```json ... ``` вокруг ответа.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
