package database

import (
	"context"
	"testing"

	"github.com/npezzotti/lightning-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(msgs []types.ChatMessage) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Id
	}
	return out
}

func TestMemoryChatRepositoryMessages(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChatRepository()

	for _, id := range []int64{30, 10, 50, 20, 40} {
		require.NoError(t, repo.CreateMessage(ctx, types.ChatMessage{Id: id, RoomId: 1}))
	}
	require.NoError(t, repo.CreateMessage(ctx, types.ChatMessage{Id: 99, RoomId: 2}))

	latest, err := repo.LatestMessageId(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), latest)

	latest, err = repo.LatestMessageId(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, latest, "expected 0 for an empty room")

	before, err := repo.ListMessagesBefore(ctx, 1, 40, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{30, 20}, ids(before), "expected newest first")

	after, err := repo.ListMessagesAfter(ctx, 1, 20, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{30, 40, 50}, ids(after), "expected oldest first")

	n, err := repo.CountMessagesAfter(ctx, 1, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryChatRepositoryCursorsAndMembers(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChatRepository()

	cur, err := repo.GetReadCursor(ctx, 1, 7)
	require.NoError(t, err)
	assert.Zero(t, cur)

	require.NoError(t, repo.SetReadCursor(ctx, 1, 7, 30))
	require.NoError(t, repo.EnsureParticipant(ctx, 1, 7))
	cur, err = repo.GetReadCursor(ctx, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(30), cur, "expected EnsureParticipant to keep an existing cursor")

	ok, err := repo.IsMember(ctx, 7, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	repo.AddMember(1, 7)
	ok, err = repo.IsMember(ctx, 7, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryChatRepositorySetReadCursorIsMonotonic(t *testing.T) {
	tcases := []struct {
		name     string
		writes   []int64
		expected int64
	}{
		{"forward", []int64{10, 20, 30}, 30},
		{"backwards write ignored", []int64{30, 20}, 30},
		{"equal write", []int64{30, 30}, 30},
		{"zero after progress", []int64{15, 0}, 15},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			repo := NewMemoryChatRepository()
			for _, id := range tc.writes {
				require.NoError(t, repo.SetReadCursor(ctx, 1, 7, id))
			}

			cur, err := repo.GetReadCursor(ctx, 1, 7)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, cur)
		})
	}
}
