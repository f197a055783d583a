package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/lightning-chat/internal/types"
)

func (db *PgChatRepository) CreateMessage(ctx context.Context, msg types.ChatMessage) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO chat_messages (id, room_id, sender_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4, $5)",
		msg.Id,
		msg.RoomId,
		msg.SenderId,
		msg.Content,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return nil
}

func (db *PgChatRepository) LatestMessageId(ctx context.Context, roomId int64) (int64, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM chat_messages WHERE room_id = $1",
		roomId,
	)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("latest message id: %w", err)
	}

	return id, nil
}

func (db *PgChatRepository) ListMessagesBefore(ctx context.Context, roomId, beforeId int64, limit int) ([]types.ChatMessage, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, room_id, sender_id, content, created_at FROM chat_messages "+
			"WHERE room_id = $1 AND id < $2 ORDER BY id DESC LIMIT $3",
		roomId,
		beforeId,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages before: %w", err)
	}

	return scanMessages(rows)
}

func (db *PgChatRepository) ListMessagesAfter(ctx context.Context, roomId, afterId int64, limit int) ([]types.ChatMessage, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, room_id, sender_id, content, created_at FROM chat_messages "+
			"WHERE room_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3",
		roomId,
		afterId,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages after: %w", err)
	}

	return scanMessages(rows)
}

func (db *PgChatRepository) CountMessagesAfter(ctx context.Context, roomId, afterId int64) (int64, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chat_messages WHERE room_id = $1 AND id > $2",
		roomId,
		afterId,
	)

	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}

	return n, nil
}

func (db *PgChatRepository) GetReadCursor(ctx context.Context, roomId, userId int64) (int64, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT last_read_message_id FROM chat_room_participants "+
			"WHERE room_id = $1 AND user_id = $2 LIMIT 1",
		roomId,
		userId,
	)

	var id int64
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get read cursor: %w", err)
	}

	return id, nil
}

func (db *PgChatRepository) SetReadCursor(ctx context.Context, roomId, userId, messageId int64) error {
	now := time.Now().UTC()
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO chat_room_participants (room_id, user_id, last_read_message_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) "+
			"ON CONFLICT (room_id, user_id) DO UPDATE "+
			"SET last_read_message_id = GREATEST(chat_room_participants.last_read_message_id, EXCLUDED.last_read_message_id), "+
			"updated_at = $4",
		roomId,
		userId,
		messageId,
		now,
	)
	if err != nil {
		return fmt.Errorf("set read cursor: %w", err)
	}

	return nil
}

func (db *PgChatRepository) EnsureParticipant(ctx context.Context, roomId, userId int64) error {
	now := time.Now().UTC()
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO chat_room_participants (room_id, user_id, last_read_message_id, created_at, updated_at) "+
			"VALUES ($1, $2, 0, $3, $3) ON CONFLICT (room_id, user_id) DO NOTHING",
		roomId,
		userId,
		now,
	)
	if err != nil {
		return fmt.Errorf("ensure participant: %w", err)
	}

	return nil
}

func (db *PgChatRepository) IsMember(ctx context.Context, userId, roomId int64) (bool, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM lightning_members WHERE lightning_id = $1 AND user_id = $2)",
		roomId,
		userId,
	)

	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, fmt.Errorf("membership: %w", err)
	}

	return ok, nil
}

func scanMessages(rows *sql.Rows) ([]types.ChatMessage, error) {
	defer rows.Close()

	var messages []types.ChatMessage
	for rows.Next() {
		var m types.ChatMessage
		if err := rows.Scan(
			&m.Id,
			&m.RoomId,
			&m.SenderId,
			&m.Content,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}
