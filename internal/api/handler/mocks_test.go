package handler_test

import (
	"chatsink/backend/internal/models"
	"chatsink/backend/internal/platform"
	"chatsink/backend/internal/storage"
	"context"
	"errors"

	"github.com/stretchr/testify/mock"
)

// MockBackfills is a testify mock of handler.Backfills.
type MockBackfills struct {
	mock.Mock
}

func (m *MockBackfills) Start(ctx context.Context, cfg models.BackfillConfig) (*models.BackfillOperation, error) {
	args := m.Called(ctx, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.BackfillOperation), args.Error(1)
}

func (m *MockBackfills) Progress(ctx context.Context, id string) (*models.BackfillOperation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.BackfillOperation), args.Error(1)
}

func (m *MockBackfills) Cancel(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockBackfills) List(ctx context.Context) ([]*models.BackfillOperation, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.BackfillOperation), args.Error(1)
}

// MockPlatform is a testify mock of platform.API.
type MockPlatform struct {
	mock.Mock
}

func (m *MockPlatform) ListMessages(ctx context.Context, req platform.ListMessagesRequest) (*platform.MessagePage, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*platform.MessagePage), args.Error(1)
}

func (m *MockPlatform) ListThreadReplies(ctx context.Context, channelID, threadTS string, limit int) ([]platform.Message, error) {
	args := m.Called(ctx, channelID, threadTS, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]platform.Message), args.Error(1)
}

func (m *MockPlatform) GetChannel(ctx context.Context, channelID string) (*platform.Channel, error) {
	args := m.Called(ctx, channelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*platform.Channel), args.Error(1)
}

func (m *MockPlatform) ListChannels(ctx context.Context) ([]platform.Channel, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]platform.Channel), args.Error(1)
}

// failingMessageStore accepts audit writes but rejects every message insert.
type failingMessageStore struct {
	*storage.Service
}

func (failingMessageStore) CreateMessage(context.Context, *models.Message) error {
	return errors.New("connection reset")
}
