package history

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/lightning-chat/internal/database"
	"github.com/npezzotti/lightning-chat/internal/keylock"
)

const DefaultLockTimeout = 2 * time.Second

// CursorKeeper is the only writer of read cursors. Updates for one
// participant are serialized so a cursor never moves backwards.
type CursorKeeper struct {
	store   database.ReadCursorStore
	locks   *keylock.Locker
	timeout time.Duration
}

func NewCursorKeeper(store database.ReadCursorStore, locks *keylock.Locker, timeout time.Duration) *CursorKeeper {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &CursorKeeper{store: store, locks: locks, timeout: timeout}
}

func cursorLockKey(roomId, userId int64) string {
	return fmt.Sprintf("read-cursor:%d:%d", roomId, userId)
}

func (k *CursorKeeper) Get(ctx context.Context, roomId, userId int64) (int64, error) {
	return k.store.GetReadCursor(ctx, roomId, userId)
}

// Advance moves the cursor to messageId if that is ahead of the stored one
// and reports the cursor in effect afterwards.
func (k *CursorKeeper) Advance(ctx context.Context, roomId, userId, messageId int64) (int64, error) {
	return keylock.Do(k.locks, cursorLockKey(roomId, userId), k.timeout, func() (int64, error) {
		cur, err := k.store.GetReadCursor(ctx, roomId, userId)
		if err != nil {
			return 0, err
		}
		if messageId <= cur {
			return cur, nil
		}
		if err := k.store.SetReadCursor(ctx, roomId, userId, messageId); err != nil {
			return cur, err
		}
		return messageId, nil
	})
}

// Ensure creates the participant row with an empty cursor if missing.
func (k *CursorKeeper) Ensure(ctx context.Context, roomId, userId int64) error {
	return k.locks.WithLock(cursorLockKey(roomId, userId), k.timeout, func() error {
		return k.store.EnsureParticipant(ctx, roomId, userId)
	})
}
