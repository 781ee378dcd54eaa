package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"storyteller-server/internal/messaging"
)

// Mock RelocationTaskPublisher
type RelocationTaskPublisher struct {
	mock.Mock
}

func (m *RelocationTaskPublisher) PublishRelocationTask(ctx context.Context, payload messaging.RelocationTaskPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

// Mock ClientUpdatePublisher
type ClientUpdatePublisher struct {
	mock.Mock
}

func (m *ClientUpdatePublisher) PublishImageRelocated(ctx context.Context, payload messaging.ImageRelocatedPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}
