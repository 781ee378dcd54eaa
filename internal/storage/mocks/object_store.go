package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// Mock ObjectStore
type ObjectStore struct {
	mock.Mock
}

func (m *ObjectStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	args := m.Called(ctx, key, data, contentType)
	return args.Error(0)
}

func (m *ObjectStore) PublicURL(key string) string {
	args := m.Called(key)
	return args.String(0)
}
