package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"storyteller-server/internal/models"
)

// Mock NarrativeClient
type NarrativeClient struct {
	mock.Mock
}

func (m *NarrativeClient) Complete(ctx context.Context, conversation []models.Turn, action string) (*models.ParsedStoryResponse, error) {
	args := m.Called(ctx, conversation, action)
	parsed, _ := args.Get(0).(*models.ParsedStoryResponse)
	return parsed, args.Error(1)
}

// Mock IllustrationClient
type IllustrationClient struct {
	mock.Mock
}

func (m *IllustrationClient) Generate(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}
