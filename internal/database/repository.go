package database

import (
	"context"

	"github.com/npezzotti/lightning-chat/internal/types"
)

// MessageStore is the append-only chat history.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg types.ChatMessage) error
	LatestMessageId(ctx context.Context, roomId int64) (int64, error)
	// ListMessagesBefore returns up to limit messages with id < beforeId,
	// newest first.
	ListMessagesBefore(ctx context.Context, roomId, beforeId int64, limit int) ([]types.ChatMessage, error)
	// ListMessagesAfter returns up to limit messages with id > afterId,
	// oldest first.
	ListMessagesAfter(ctx context.Context, roomId, afterId int64, limit int) ([]types.ChatMessage, error)
	CountMessagesAfter(ctx context.Context, roomId, afterId int64) (int64, error)
}

// ReadCursorStore keeps the last message a participant has read.
type ReadCursorStore interface {
	// GetReadCursor returns 0 when the participant has no cursor yet.
	GetReadCursor(ctx context.Context, roomId, userId int64) (int64, error)
	SetReadCursor(ctx context.Context, roomId, userId, messageId int64) error
	EnsureParticipant(ctx context.Context, roomId, userId int64) error
}

type MembershipChecker interface {
	IsMember(ctx context.Context, userId, roomId int64) (bool, error)
}

type ChatRepository interface {
	MessageStore
	ReadCursorStore
	MembershipChecker
	Ping(ctx context.Context) error
	Close() error
}
