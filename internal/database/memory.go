package database

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/npezzotti/lightning-chat/internal/types"
)

type participantKey struct {
	roomId int64
	userId int64
}

// MemoryChatRepository keeps everything in process memory. It backs the
// "memory" store mode and tests.
type MemoryChatRepository struct {
	mu       sync.RWMutex
	messages map[int64][]types.ChatMessage // room -> ascending by id
	cursors  map[participantKey]int64
	members  map[participantKey]struct{}
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		messages: make(map[int64][]types.ChatMessage),
		cursors:  make(map[participantKey]int64),
		members:  make(map[participantKey]struct{}),
	}
}

// AddMember records userId as a member of roomId.
func (r *MemoryChatRepository) AddMember(roomId, userId int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[participantKey{roomId, userId}] = struct{}{}
}

func (r *MemoryChatRepository) CreateMessage(_ context.Context, msg types.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.messages[msg.RoomId]
	i, found := slices.BinarySearchFunc(msgs, msg.Id, func(m types.ChatMessage, id int64) int {
		return cmp.Compare(m.Id, id)
	})
	if found {
		msgs[i] = msg
	} else {
		msgs = slices.Insert(msgs, i, msg)
	}
	r.messages[msg.RoomId] = msgs

	return nil
}

func (r *MemoryChatRepository) LatestMessageId(_ context.Context, roomId int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.messages[roomId]
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].Id, nil
}

func (r *MemoryChatRepository) ListMessagesBefore(_ context.Context, roomId, beforeId int64, limit int) ([]types.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.ChatMessage
	msgs := r.messages[roomId]
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if msgs[i].Id < beforeId {
			out = append(out, msgs[i])
		}
	}
	return out, nil
}

func (r *MemoryChatRepository) ListMessagesAfter(_ context.Context, roomId, afterId int64, limit int) ([]types.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.ChatMessage
	for _, m := range r.messages[roomId] {
		if len(out) == limit {
			break
		}
		if m.Id > afterId {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *MemoryChatRepository) CountMessagesAfter(_ context.Context, roomId, afterId int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, m := range r.messages[roomId] {
		if m.Id > afterId {
			n++
		}
	}
	return n, nil
}

func (r *MemoryChatRepository) GetReadCursor(_ context.Context, roomId, userId int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursors[participantKey{roomId, userId}], nil
}

// SetReadCursor never moves a cursor backwards.
func (r *MemoryChatRepository) SetReadCursor(_ context.Context, roomId, userId, messageId int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := participantKey{roomId, userId}
	r.cursors[k] = max(r.cursors[k], messageId)
	return nil
}

func (r *MemoryChatRepository) EnsureParticipant(_ context.Context, roomId, userId int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := participantKey{roomId, userId}
	if _, ok := r.cursors[k]; !ok {
		r.cursors[k] = 0
	}
	return nil
}

func (r *MemoryChatRepository) IsMember(_ context.Context, userId, roomId int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[participantKey{roomId, userId}]
	return ok, nil
}

func (r *MemoryChatRepository) Ping(context.Context) error { return nil }

func (r *MemoryChatRepository) Close() error { return nil }
