package registry

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/npezzotti/lightning-chat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHooks struct {
	mock.Mock
}

func (m *mockHooks) OnSubscribe(ctx context.Context, userId, roomId int64, first bool) {
	m.Called(userId, roomId, first)
}

func (m *mockHooks) OnUnsubscribe(ctx context.Context, userId, roomId int64, last bool) {
	m.Called(userId, roomId, last)
}

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	mr, rdb := testutil.TestRedis(t)
	return New(rdb, testutil.TestLogger(t), Options{Timeout: time.Second}), mr
}

// snapshot returns every key with its contents so state can be compared.
func snapshot(t *testing.T, mr *miniredis.Miniredis) map[string]any {
	out := make(map[string]any)
	for _, k := range mr.Keys() {
		switch mr.Type(k) {
		case "string":
			v, err := mr.Get(k)
			require.NoError(t, err)
			out[k] = v
		case "set":
			v, err := mr.Members(k)
			require.NoError(t, err)
			sort.Strings(v)
			out[k] = v
		case "hash":
			fields, err := mr.HKeys(k)
			require.NoError(t, err)
			h := make(map[string]string, len(fields))
			for _, f := range fields {
				h[f] = mr.HGet(k, f)
			}
			out[k] = h
		}
	}
	return out
}

func TestRegisterSubscription(t *testing.T) {
	r, mr := newTestRegistry(t)
	hooks := &mockHooks{}
	defer hooks.AssertExpectations(t)
	r.SetHooks(hooks)
	ctx := context.Background()

	hooks.On("OnSubscribe", int64(1), int64(10), true).Return().Once()
	require.NoError(t, r.RegisterSubscription(ctx, 1, "s1", "sub-0", 10))

	v, err := mr.Get("chat:sub:{s1}:sub-0")
	require.NoError(t, err)
	assert.Equal(t, "10", v)

	members, err := mr.Members("chat:session:{s1}:subs")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-0"}, members)

	owner, err := r.SessionUser(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), owner)

	present, err := r.IsPresent(ctx, 10, 1)
	require.NoError(t, err)
	assert.True(t, present)

	t.Run("duplicate subscription id has no side effects", func(t *testing.T) {
		require.NoError(t, r.RegisterSubscription(ctx, 1, "s1", "sub-0", 10))
		presence, err := r.RoomPresence(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, map[int64]int64{1: 1}, presence)
	})

	t.Run("later subscriptions do not change the owner", func(t *testing.T) {
		hooks.On("OnSubscribe", int64(2), int64(11), true).Return().Once()
		require.NoError(t, r.RegisterSubscription(ctx, 2, "s1", "sub-1", 11))
		owner, err := r.SessionUser(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), owner)
	})
}

func TestRegisterSubscriptionIncompleteArguments(t *testing.T) {
	r, mr := newTestRegistry(t)
	hooks := &mockHooks{}
	defer hooks.AssertExpectations(t)
	r.SetHooks(hooks)

	tcases := []struct {
		name      string
		userId    int64
		sessionId string
		subId     string
		roomId    int64
	}{
		{name: "no user", sessionId: "s", subId: "x", roomId: 1},
		{name: "no session", userId: 1, subId: "x", roomId: 1},
		{name: "no subscription", userId: 1, sessionId: "s", roomId: 1},
		{name: "no room", userId: 1, sessionId: "s", subId: "x"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.RegisterSubscription(context.Background(), tc.userId, tc.sessionId, tc.subId, tc.roomId)
			assert.NoError(t, err)
			assert.Empty(t, mr.Keys(), "expected no state to be written")
		})
	}
}

func TestRegisterThenUnregisterRoundTrip(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	// unrelated state that must survive untouched
	require.NoError(t, r.RegisterSubscription(ctx, 9, "other", "sub-0", 10))
	before := snapshot(t, mr)

	require.NoError(t, r.RegisterSubscription(ctx, 1, "s1", "sub-0", 10))
	require.NoError(t, r.UnregisterSubscription(ctx, 1, "s1", "sub-0"))

	assert.Equal(t, before, snapshot(t, mr))
}

func TestUnregisterSubscription(t *testing.T) {
	r, mr := newTestRegistry(t)
	hooks := &mockHooks{}
	defer hooks.AssertExpectations(t)
	r.SetHooks(hooks)
	ctx := context.Background()

	hooks.On("OnSubscribe", int64(1), int64(10), true).Return().Once()
	hooks.On("OnSubscribe", int64(1), int64(20), true).Return().Once()
	require.NoError(t, r.RegisterSubscription(ctx, 1, "s1", "a", 10))
	require.NoError(t, r.RegisterSubscription(ctx, 1, "s1", "b", 20))

	t.Run("resolves owner from session", func(t *testing.T) {
		hooks.On("OnUnsubscribe", int64(1), int64(10), true).Return().Once()
		require.NoError(t, r.UnregisterSubscription(ctx, 0, "s1", "a"))

		present, err := r.IsPresent(ctx, 10, 1)
		require.NoError(t, err)
		assert.False(t, present)

		owner, err := r.SessionUser(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), owner, "expected owner to remain while subscriptions exist")
	})

	t.Run("already removed is a no-op", func(t *testing.T) {
		require.NoError(t, r.UnregisterSubscription(ctx, 1, "s1", "a"))
	})

	t.Run("last subscription collects session metadata", func(t *testing.T) {
		hooks.On("OnUnsubscribe", int64(1), int64(20), true).Return().Once()
		require.NoError(t, r.UnregisterSubscription(ctx, 1, "s1", "b"))
		assert.Empty(t, mr.Keys())
	})
}

func TestPresenceIsReferenceCounted(t *testing.T) {
	r, _ := newTestRegistry(t)
	hooks := &mockHooks{}
	defer hooks.AssertExpectations(t)
	r.SetHooks(hooks)
	ctx := context.Background()

	// two tabs of the same user in the same room
	hooks.On("OnSubscribe", int64(1), int64(10), true).Return().Once()
	hooks.On("OnSubscribe", int64(1), int64(10), false).Return().Once()
	require.NoError(t, r.RegisterSubscription(ctx, 1, "tab1", "sub-0", 10))
	require.NoError(t, r.RegisterSubscription(ctx, 1, "tab2", "sub-0", 10))

	hooks.On("OnUnsubscribe", int64(1), int64(10), false).Return().Once()
	require.NoError(t, r.UnregisterAllBySession(ctx, 1, "tab1"))

	present, err := r.IsPresent(ctx, 10, 1)
	require.NoError(t, err)
	assert.True(t, present, "expected user to stay present while another tab is subscribed")

	hooks.On("OnUnsubscribe", int64(1), int64(10), true).Return().Once()
	require.NoError(t, r.UnregisterAllBySession(ctx, 1, "tab2"))

	present, err = r.IsPresent(ctx, 10, 1)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestUnregisterAllBySession(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	for i, room := range []int64{10, 20, 30} {
		require.NoError(t, r.RegisterSubscription(ctx, 5, "s1", string(rune('a'+i)), room))
	}

	require.NoError(t, r.UnregisterAllBySession(ctx, 0, "s1"))
	assert.Empty(t, mr.Keys(), "expected every subscription and session key to be removed")

	t.Run("second call is a no-op", func(t *testing.T) {
		assert.NoError(t, r.UnregisterAllBySession(ctx, 0, "s1"))
		assert.Empty(t, mr.Keys())
	})

	t.Run("unknown session", func(t *testing.T) {
		assert.NoError(t, r.UnregisterAllBySession(ctx, 0, "never-seen"))
	})
}

func TestUnregisterAllBySessionConcurrentDuplicates(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	for i := range 10 {
		require.NoError(t, r.RegisterSubscription(ctx, 5, "s1", string(rune('a'+i)), int64(100+i)))
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.UnregisterAllBySession(ctx, 5, "s1"))
		}()
	}
	wg.Wait()

	assert.Empty(t, mr.Keys())
}

func TestRegistryStoreUnavailable(t *testing.T) {
	r, mr := newTestRegistry(t)
	mr.Close()

	ctx := context.Background()
	assert.Error(t, r.RegisterSubscription(ctx, 1, "s1", "a", 10))
	assert.Error(t, r.UnregisterSubscription(ctx, 1, "s1", "a"))
	assert.Error(t, r.UnregisterAllBySession(ctx, 1, "s1"))

	_, err := r.SessionUser(ctx, "s1")
	assert.Error(t, err)
}

func TestRegisterSubscriptionFailureLeavesNoState(t *testing.T) {
	r, mr := newTestRegistry(t)
	hooks := &mockHooks{}
	defer hooks.AssertExpectations(t)
	r.SetHooks(hooks)

	ctx := context.Background()
	hooks.On("OnSubscribe", int64(1), int64(10), true).Return().Once()
	require.NoError(t, r.RegisterSubscription(ctx, 1, "s1", "a", 10))

	before := snapshot(t, mr)

	tcases := []struct {
		name  string
		subId string
		room  int64
	}{
		{"new room", "b", 20},
		{"same room", "c", 10},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mr.SetError("LOADING Redis is loading the dataset in memory")
			err := r.RegisterSubscription(ctx, 1, "s1", tc.subId, tc.room)
			mr.SetError("")

			assert.Error(t, err)
			assert.Equal(t, before, snapshot(t, mr), "expected a failed registration to leave no partial keys")
		})
	}
}

func TestUnregisterSubscriptionFailureLeavesState(t *testing.T) {
	r, mr := newTestRegistry(t)

	ctx := context.Background()
	require.NoError(t, r.RegisterSubscription(ctx, 1, "s1", "a", 10))
	before := snapshot(t, mr)

	mr.SetError("LOADING Redis is loading the dataset in memory")
	assert.Error(t, r.UnregisterSubscription(ctx, 1, "s1", "a"))
	mr.SetError("")
	assert.Equal(t, before, snapshot(t, mr))

	require.NoError(t, r.UnregisterSubscription(ctx, 1, "s1", "a"))
	assert.Empty(t, mr.Keys())
}

type slowHooks struct {
	delay time.Duration

	mu   sync.Mutex
	errs []error
}

func (h *slowHooks) record(ctx context.Context) {
	time.Sleep(h.delay)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, ctx.Err())
}

func (h *slowHooks) OnSubscribe(ctx context.Context, userId, roomId int64, first bool) {
	h.record(ctx)
}

func (h *slowHooks) OnUnsubscribe(ctx context.Context, userId, roomId int64, last bool) {
	h.record(ctx)
}

func TestHooksOutliveCallerDeadline(t *testing.T) {
	r, mr := newTestRegistry(t)
	hooks := &slowHooks{delay: 100 * time.Millisecond}
	r.SetHooks(hooks)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, r.RegisterSubscription(ctx, 1, "s1", "a", 10))
	require.Error(t, ctx.Err(), "expected the caller deadline to have passed inside the hook")

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, r.UnregisterSubscription(ctx, 1, "s1", "a"))

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	require.Len(t, hooks.errs, 2)
	for _, err := range hooks.errs {
		assert.NoError(t, err, "expected hooks to run with their own deadline")
	}
	assert.Empty(t, mr.Keys())
}
