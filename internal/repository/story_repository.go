package repository

import (
	"context"

	"github.com/google/uuid"

	"storyteller-server/internal/models"
)

// StoryRepository определяет контракт шлюза персистентности для историй.
// Все операции работают с целыми снапшотами сессии, кроме UpdateImageSlot,
// который обновляет ровно один слот массива изображений.
type StoryRepository interface {
	// Save сохраняет полный снапшот сессии (insert или update по story_id).
	Save(ctx context.Context, session *models.Session) error

	// GetByID возвращает сессию по идентификатору.
	// Возвращает models.ErrSessionNotFound, если записи нет.
	GetByID(ctx context.Context, sessionID string) (*models.Session, error)

	// ListByOwner возвращает все истории пользователя, самые свежие первыми.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Session, error)

	// Delete удаляет историю. Возвращает models.ErrSessionNotFound,
	// если записи нет.
	Delete(ctx context.Context, sessionID string) error

	// Claim атомарно присваивает анонимную историю пользователю.
	// Возвращает models.ErrSessionNotAnonymous, если история уже кем-то
	// занята, и models.ErrSessionNotFound, если записи нет.
	Claim(ctx context.Context, sessionID string, ownerID uuid.UUID) error

	// UpdateImageSlot записывает постоянный URL в один слот массива
	// изображений, не трогая остальные поля снапшота.
	UpdateImageSlot(ctx context.Context, sessionID string, slotIndex int, url string) error
}
