package server

import (
	"context"

	"github.com/npezzotti/lightning-chat/internal/stats"
	"go.uber.org/zap"
)

// handleDisconnect unwinds everything c holds. It runs on every exit of the
// read loop and may be called again; only the first call does any work.
func (cs *ChatServer) handleDisconnect(c *Client) {
	c.cleanupOnce.Do(func() {
		defer cs.wg.Done()

		c.stopClient()
		cs.removeClient(c)

		for roomId, n := range c.clearSubscriptions() {
			cs.leaveRoom(roomId, c)
			for range n {
				cs.stats.Decr(stats.Subscriptions)
			}
		}

		// the request context is gone by now; the registry bounds each call
		ctx := context.Background()

		userId := c.userId()
		if userId == 0 {
			var err error
			if userId, err = cs.reg.SessionUser(ctx, c.sessionId); err != nil {
				cs.log.Warn("resolve session user", zap.String("session_id", c.sessionId), zap.Error(err))
			}
		}

		if err := cs.reg.UnregisterAllBySession(ctx, userId, c.sessionId); err != nil {
			cs.log.Error("unregister session",
				zap.String("session_id", c.sessionId),
				zap.Int64("user_id", userId),
				zap.Error(err),
			)
		}

		cs.log.Debug("client disconnected", zap.String("session_id", c.sessionId), zap.Int64("user_id", userId))
	})
}
