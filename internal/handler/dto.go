package handler

import (
	"time"

	"storyteller-server/internal/models"
	"storyteller-server/internal/service"
)

// StartStoryRequest — тело запроса на начало новой истории.
type StartStoryRequest struct {
	Setting string `json:"setting" binding:"required"`
}

// SubmitActionRequest — тело запроса на ход пользователя.
type SubmitActionRequest struct {
	Action string `json:"action" binding:"required"`
}

// LocationResponse — позиция на карте подземелья.
type LocationResponse struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// TurnResponse — результат одного хода истории. Location опускается,
// если модель не вернула координату.
type TurnResponse struct {
	SessionID       string            `json:"sessionId"`
	StoryText       string            `json:"storyText"`
	PossibleActions []string          `json:"possibleActions"`
	Location        *LocationResponse `json:"location,omitempty"`
	ImageURL        string            `json:"imageUrl,omitempty"`
	SlotIndex       int               `json:"slotIndex"`
}

// TurnView — один ход журнала в ответе API.
type TurnView struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// StoryDetailResponse — полное состояние истории.
// Системная инструкция в журнал не входит: промпт остается на сервере.
type StoryDetailResponse struct {
	ID              string     `json:"id"`
	Setting         string     `json:"setting"`
	Turns           []TurnView `json:"turns"`
	Images          []string   `json:"images"`
	PendingActions  []string   `json:"pendingActions"`
	CurrentImageURL string     `json:"currentImageUrl,omitempty"`
	IsAnonymous     bool       `json:"isAnonymous"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// StorySummaryResponse — элемент списка историй пользователя.
type StorySummaryResponse struct {
	ID              string    `json:"id"`
	Setting         string    `json:"setting"`
	CurrentImageURL string    `json:"currentImageUrl,omitempty"`
	TurnCount       int       `json:"turnCount"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ErrorResponse — тело ответа с ошибкой.
type ErrorResponse struct {
	Error string `json:"error"`
}

func newTurnResponse(result *service.TurnResult) TurnResponse {
	var location *LocationResponse
	if result.Location != nil {
		location = &LocationResponse{X: result.Location.X, Y: result.Location.Y}
	}
	return TurnResponse{
		SessionID:       result.SessionID,
		StoryText:       result.StoryText,
		PossibleActions: result.PossibleActions,
		Location:        location,
		ImageURL:        result.ImageURL,
		SlotIndex:       result.SlotIndex,
	}
}

func newStoryDetailResponse(sess *models.Session) StoryDetailResponse {
	turns := make([]TurnView, 0, len(sess.Conversation))
	for _, turn := range sess.Conversation {
		if turn.Role == models.RoleSystemInstruction {
			continue
		}
		turns = append(turns, TurnView{Role: string(turn.Role), Text: turn.Text})
	}
	images := sess.Images
	if images == nil {
		images = []string{}
	}
	pending := sess.PendingActions
	if pending == nil {
		pending = []string{}
	}
	return StoryDetailResponse{
		ID:              sess.ID,
		Setting:         sess.Setting,
		Turns:           turns,
		Images:          images,
		PendingActions:  pending,
		CurrentImageURL: sess.CurrentImageURL,
		IsAnonymous:     sess.IsAnonymous,
		UpdatedAt:       sess.UpdatedAt,
	}
}

func newStorySummaryResponse(sess *models.Session) StorySummaryResponse {
	return StorySummaryResponse{
		ID:              sess.ID,
		Setting:         sess.Setting,
		CurrentImageURL: sess.CurrentImageURL,
		TurnCount:       sess.AssistantTurnCount(),
		UpdatedAt:       sess.UpdatedAt,
	}
}
