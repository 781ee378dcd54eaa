package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"storyteller-server/internal/models"
)

// Mock StoryRepository
type StoryRepository struct {
	mock.Mock
}

func (m *StoryRepository) Save(ctx context.Context, session *models.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *StoryRepository) GetByID(ctx context.Context, sessionID string) (*models.Session, error) {
	args := m.Called(ctx, sessionID)
	session, _ := args.Get(0).(*models.Session)
	return session, args.Error(1)
}

func (m *StoryRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Session, error) {
	args := m.Called(ctx, ownerID)
	sessions, _ := args.Get(0).([]*models.Session)
	return sessions, args.Error(1)
}

func (m *StoryRepository) Delete(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *StoryRepository) Claim(ctx context.Context, sessionID string, ownerID uuid.UUID) error {
	args := m.Called(ctx, sessionID, ownerID)
	return args.Error(0)
}

func (m *StoryRepository) UpdateImageSlot(ctx context.Context, sessionID string, slotIndex int, url string) error {
	args := m.Called(ctx, sessionID, slotIndex, url)
	return args.Error(0)
}
