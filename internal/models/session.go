package models

import (
	"time"

	"github.com/google/uuid"
)

// TurnRole обозначает роль записи в журнале диалога.
type TurnRole string

// Возможные роли ходов
const (
	RoleSystemInstruction  TurnRole = "system-instruction"
	RoleUserAction         TurnRole = "user-action"
	RoleAssistantNarration TurnRole = "assistant-narration"
)

// Turn представляет одну запись в журнале диалога сессии.
// Журнал append-only: ходы никогда не переупорядочиваются и не удаляются.
type Turn struct {
	Role TurnRole `json:"role"`
	Text string   `json:"text"`
}

// Session представляет полное состояние одной истории.
// Инвариант: Images[i] соответствует i-му ходу ассистента, породившему
// промпт иллюстрации. Слот заполняется временным URL сразу после генерации
// и перезаписывается постоянным URL после релокации.
type Session struct {
	ID              string     `json:"id"`
	OwnerID         *uuid.UUID `json:"owner_id,omitempty"` // nil для анонимной сессии
	Setting         string     `json:"setting"`
	Conversation    []Turn     `json:"conversation"`
	Images          []string   `json:"images"`
	PendingActions  []string   `json:"pending_actions"`
	CurrentImageURL string     `json:"current_image_url"`
	IsAnonymous     bool       `json:"is_anonymous"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AssistantTurnCount возвращает количество ходов ассистента в журнале.
// Индекс следующего слота иллюстрации равен этому значению до добавления хода.
func (s *Session) AssistantTurnCount() int {
	count := 0
	for _, turn := range s.Conversation {
		if turn.Role == RoleAssistantNarration {
			count++
		}
	}
	return count
}

// Clone возвращает глубокую копию сессии. Используется хранилищем сессий,
// чтобы вызывающий код не мог мутировать журнал в обход append-операций.
func (s *Session) Clone() *Session {
	clone := *s
	clone.Conversation = append([]Turn(nil), s.Conversation...)
	clone.Images = append([]string(nil), s.Images...)
	clone.PendingActions = append([]string(nil), s.PendingActions...)
	if s.OwnerID != nil {
		ownerID := *s.OwnerID
		clone.OwnerID = &ownerID
	}
	return &clone
}
