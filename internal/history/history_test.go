package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/lightning-chat/internal/database"
	"github.com/npezzotti/lightning-chat/internal/keylock"
	"github.com/npezzotti/lightning-chat/internal/testutil"
	"github.com/npezzotti/lightning-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testRoom = int64(7)
	testUser = int64(1)
)

func seededRepo(t *testing.T, ids ...int64) *database.MemoryChatRepository {
	t.Helper()
	repo := database.NewMemoryChatRepository()
	for _, id := range ids {
		require.NoError(t, repo.CreateMessage(context.Background(), types.ChatMessage{
			Id:        id,
			RoomId:    testRoom,
			SenderId:  2,
			Content:   "hi",
			CreatedAt: time.Now(),
		}))
	}
	return repo
}

func newTestResolver(t *testing.T, repo *database.MemoryChatRepository) *Resolver {
	cursors := NewCursorKeeper(repo, keylock.New(), time.Second)
	return NewResolver(testutil.TestLogger(t), repo, cursors)
}

func ids(msgs []types.ChatMessage) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Id)
	}
	return out
}

func TestResolveInitialPage(t *testing.T) {
	tcases := []struct {
		name        string
		cursor      int64
		size        int
		mode        ScrollMode
		expectIds   []int64
		hasPrev     bool
		hasNext     bool
		showDivider bool
		firstUnread int64
	}{
		{
			name:        "never read starts at the top",
			cursor:      0,
			size:        3,
			mode:        ScrollTop,
			expectIds:   []int64{10, 20, 30},
			hasNext:     true,
			firstUnread: 10,
		},
		{
			name:      "fully read starts at the bottom",
			cursor:    50,
			size:      3,
			mode:      ScrollBottom,
			expectIds: []int64{30, 40, 50},
			hasPrev:   true,
		},
		{
			name:        "partially read centers on the cursor",
			cursor:      30,
			size:        3,
			mode:        ScrollCenter,
			expectIds:   []int64{20, 30, 40},
			hasPrev:     true,
			hasNext:     true,
			showDivider: true,
			firstUnread: 40,
		},
		{
			name:        "center fills from the older side when few are unread",
			cursor:      40,
			size:        4,
			mode:        ScrollCenter,
			expectIds:   []int64{20, 30, 40, 50},
			hasPrev:     true,
			showDivider: true,
			firstUnread: 50,
		},
		{
			name:        "center fills from the newer side when few are read",
			cursor:      10,
			size:        4,
			mode:        ScrollCenter,
			expectIds:   []int64{10, 20, 30, 40},
			hasNext:     true,
			showDivider: true,
			firstUnread: 20,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			repo := seededRepo(t, 10, 20, 30, 40, 50)
			require.NoError(t, repo.SetReadCursor(context.Background(), testRoom, testUser, tc.cursor))
			r := newTestResolver(t, repo)

			page, err := r.Resolve(context.Background(), Request{
				RoomId: testRoom,
				UserId: testUser,
				Size:   tc.size,
			})
			require.NoError(t, err)

			assert.Equal(t, tc.mode, page.ScrollMode)
			assert.Equal(t, tc.expectIds, ids(page.Messages))
			assert.Equal(t, tc.hasPrev, page.HasPreviousPage)
			assert.Equal(t, tc.hasNext, page.HasNextPage)
			assert.Equal(t, tc.showDivider, page.ReadBoundary.ShowDivider)
			assert.Equal(t, tc.cursor, page.ReadBoundary.LastReadMessageId)
			assert.Equal(t, tc.firstUnread, page.ReadBoundary.FirstUnreadMessageId)

			cur, err := repo.GetReadCursor(context.Background(), testRoom, testUser)
			require.NoError(t, err)
			assert.Equal(t, int64(50), cur, "expected initial load to mark the room read")
		})
	}
}

func TestResolveEmptyRoom(t *testing.T) {
	r := newTestResolver(t, seededRepo(t))

	page, err := r.Resolve(context.Background(), Request{RoomId: testRoom, UserId: testUser})
	require.NoError(t, err)

	assert.Equal(t, ScrollTop, page.ScrollMode)
	assert.NotNil(t, page.Messages)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasPreviousPage)
	assert.False(t, page.HasNextPage)
	assert.False(t, page.ReadBoundary.ShowDivider)
}

func TestResolvePrevious(t *testing.T) {
	repo := seededRepo(t, 10, 20, 30, 40, 50)
	r := newTestResolver(t, repo)
	ctx := context.Background()

	t.Run("reaches the oldest message", func(t *testing.T) {
		page, err := r.Resolve(ctx, Request{
			RoomId:    testRoom,
			UserId:    testUser,
			Direction: Prev,
			CursorId:  30,
			Size:      2,
		})
		require.NoError(t, err)

		assert.Equal(t, []int64{10, 20}, ids(page.Messages))
		assert.Equal(t, ScrollNone, page.ScrollMode)
		assert.False(t, page.HasPreviousPage)
		assert.True(t, page.HasNextPage)
		assert.Zero(t, page.PreviousCursor)
		assert.Equal(t, int64(20), page.NextCursor)
	})

	t.Run("more remain", func(t *testing.T) {
		page, err := r.Resolve(ctx, Request{
			RoomId:    testRoom,
			UserId:    testUser,
			Direction: Prev,
			CursorId:  50,
			Size:      2,
		})
		require.NoError(t, err)

		assert.Equal(t, []int64{30, 40}, ids(page.Messages))
		assert.True(t, page.HasPreviousPage)
		assert.Equal(t, int64(30), page.PreviousCursor)
	})

	t.Run("does not move the read cursor", func(t *testing.T) {
		cur, err := repo.GetReadCursor(ctx, testRoom, testUser)
		require.NoError(t, err)
		assert.Zero(t, cur)
	})
}

func TestResolveNext(t *testing.T) {
	r := newTestResolver(t, seededRepo(t, 10, 20, 30, 40, 50))
	ctx := context.Background()

	page, err := r.Resolve(ctx, Request{
		RoomId:    testRoom,
		UserId:    testUser,
		Direction: Next,
		CursorId:  20,
		Size:      2,
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{30, 40}, ids(page.Messages))
	assert.True(t, page.HasPreviousPage)
	assert.True(t, page.HasNextPage)

	page, err = r.Resolve(ctx, Request{
		RoomId:    testRoom,
		UserId:    testUser,
		Direction: Next,
		CursorId:  40,
		Size:      2,
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{50}, ids(page.Messages))
	assert.False(t, page.HasNextPage)
	assert.Zero(t, page.NextCursor)
}

func TestResolveInvalidRequest(t *testing.T) {
	r := newTestResolver(t, seededRepo(t, 10))

	tcases := []struct {
		name   string
		req    Request
		expect error
	}{
		{name: "negative size", req: Request{Size: -1}, expect: ErrInvalidSize},
		{name: "size too large", req: Request{Size: MaxPageSize + 1}, expect: ErrInvalidSize},
		{name: "unknown direction", req: Request{Direction: "SIDEWAYS"}, expect: ErrInvalidDirection},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.RoomId = testRoom
			tc.req.UserId = testUser
			_, err := r.Resolve(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.expect)
		})
	}
}

func TestResolveDefaultSize(t *testing.T) {
	msgIds := make([]int64, 0, 30)
	for i := range 30 {
		msgIds = append(msgIds, int64(i+1))
	}
	r := newTestResolver(t, seededRepo(t, msgIds...))

	page, err := r.Resolve(context.Background(), Request{RoomId: testRoom, UserId: testUser})
	require.NoError(t, err)
	assert.Len(t, page.Messages, DefaultPageSize)
	assert.True(t, page.HasNextPage)
}

func TestCursorKeeperAdvance(t *testing.T) {
	repo := database.NewMemoryChatRepository()
	k := NewCursorKeeper(repo, keylock.New(), time.Second)
	ctx := context.Background()

	cur, err := k.Advance(ctx, testRoom, testUser, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(30), cur)

	cur, err = k.Advance(ctx, testRoom, testUser, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(30), cur, "expected cursor not to move backwards")

	stored, err := k.Get(ctx, testRoom, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(30), stored)
}

func TestCursorKeeperEnsureKeepsExistingCursor(t *testing.T) {
	repo := database.NewMemoryChatRepository()
	k := NewCursorKeeper(repo, keylock.New(), time.Second)
	ctx := context.Background()

	require.NoError(t, k.Ensure(ctx, testRoom, testUser))
	cur, err := k.Get(ctx, testRoom, testUser)
	require.NoError(t, err)
	assert.Zero(t, cur)

	_, err = k.Advance(ctx, testRoom, testUser, 40)
	require.NoError(t, err)
	require.NoError(t, k.Ensure(ctx, testRoom, testUser))

	cur, err = k.Get(ctx, testRoom, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(40), cur)
}

func TestCursorKeeperStoreError(t *testing.T) {
	store := &database.MockChatRepository{}
	store.On("GetReadCursor", mock.Anything, testRoom, testUser).Return(int64(0), assert.AnError)

	k := NewCursorKeeper(store, keylock.New(), time.Second)
	_, err := k.Advance(context.Background(), testRoom, testUser, 10)
	assert.ErrorIs(t, err, assert.AnError)
	store.AssertNotCalled(t, "SetReadCursor", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCursorKeeperAdvanceAcrossKeepers(t *testing.T) {
	repo := database.NewMemoryChatRepository()
	// separate lockers stand in for separate server instances
	keepers := []*CursorKeeper{
		NewCursorKeeper(repo, keylock.New(), time.Second),
		NewCursorKeeper(repo, keylock.New(), time.Second),
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := keepers[i%2].Advance(ctx, testRoom, testUser, int64(i+1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cur, err := repo.GetReadCursor(ctx, testRoom, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(50), cur, "expected the highest cursor to win")
}
