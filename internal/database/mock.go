package database

import (
	"context"

	"github.com/npezzotti/lightning-chat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) CreateMessage(ctx context.Context, msg types.ChatMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockChatRepository) LatestMessageId(ctx context.Context, roomId int64) (int64, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockChatRepository) ListMessagesBefore(ctx context.Context, roomId, beforeId int64, limit int) ([]types.ChatMessage, error) {
	args := m.Called(ctx, roomId, beforeId, limit)
	if msgs, ok := args.Get(0).([]types.ChatMessage); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) ListMessagesAfter(ctx context.Context, roomId, afterId int64, limit int) ([]types.ChatMessage, error) {
	args := m.Called(ctx, roomId, afterId, limit)
	if msgs, ok := args.Get(0).([]types.ChatMessage); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) CountMessagesAfter(ctx context.Context, roomId, afterId int64) (int64, error) {
	args := m.Called(ctx, roomId, afterId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockChatRepository) GetReadCursor(ctx context.Context, roomId, userId int64) (int64, error) {
	args := m.Called(ctx, roomId, userId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockChatRepository) SetReadCursor(ctx context.Context, roomId, userId, messageId int64) error {
	args := m.Called(ctx, roomId, userId, messageId)
	return args.Error(0)
}
func (m *MockChatRepository) EnsureParticipant(ctx context.Context, roomId, userId int64) error {
	args := m.Called(ctx, roomId, userId)
	return args.Error(0)
}
func (m *MockChatRepository) IsMember(ctx context.Context, userId, roomId int64) (bool, error) {
	args := m.Called(ctx, userId, roomId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
