package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/lightning-chat/internal/auth"
	"github.com/npezzotti/lightning-chat/internal/database"
	"github.com/npezzotti/lightning-chat/internal/history"
	"github.com/npezzotti/lightning-chat/internal/registry"
	"github.com/npezzotti/lightning-chat/internal/stats"
	"github.com/npezzotti/lightning-chat/internal/types"
	"go.uber.org/zap"
)

var ErrServerClosed = errors.New("chat server closed")

type IDGenerator interface {
	NextID() (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, env *types.Envelope) error
}

type Options struct {
	Registry *registry.Registry
	Broker   Publisher
	DB       database.ChatRepository
	Verifier auth.TokenVerifier
	IDs      IDGenerator
	Cursors  *history.CursorKeeper
	Stats    stats.StatsProvider
	// OnFatal is called when the id generator reports an unrecoverable
	// clock error. Defaults to logging at fatal level, which exits.
	OnFatal func(error)
}

type ChatServer struct {
	log      *zap.Logger
	reg      *registry.Registry
	broker   Publisher
	db       database.ChatRepository
	verifier auth.TokenVerifier
	ids      IDGenerator
	cursors  *history.CursorKeeper
	stats    stats.StatsProvider
	onFatal  func(error)

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[int64]*Room
	closed  bool
	wg      sync.WaitGroup
}

func NewChatServer(logger *zap.Logger, opts Options) (*ChatServer, error) {
	if opts.Registry == nil || opts.Broker == nil || opts.DB == nil ||
		opts.Verifier == nil || opts.IDs == nil || opts.Cursors == nil || opts.Stats == nil {
		return nil, errors.New("chat server: missing dependency")
	}

	cs := &ChatServer{
		log:      logger.Named("chat"),
		reg:      opts.Registry,
		broker:   opts.Broker,
		db:       opts.DB,
		verifier: opts.Verifier,
		ids:      opts.IDs,
		cursors:  opts.Cursors,
		stats:    opts.Stats,
		onFatal:  opts.OnFatal,
		clients:  make(map[string]*Client),
		rooms:    make(map[int64]*Room),
	}
	if cs.onFatal == nil {
		cs.onFatal = func(err error) {
			cs.log.Fatal("unrecoverable id generator failure", zap.Error(err))
		}
	}

	for _, name := range []string{stats.Connections, stats.Subscriptions, stats.MessagesSent, stats.FramesDropped} {
		if err := cs.stats.RegisterMetric(name); err != nil {
			return nil, err
		}
	}

	cs.reg.SetHooks(cs)

	return cs, nil
}

// Attach starts serving a freshly upgraded connection.
func (cs *ChatServer) Attach(conn *websocket.Conn) error {
	c, err := NewClient(conn, cs, cs.log)
	if err != nil {
		conn.Close()
		return err
	}

	if err := cs.addClient(c); err != nil {
		conn.Close()
		return err
	}

	go c.Write()
	go c.Read()

	return nil
}

func (cs *ChatServer) addClient(c *Client) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.closed {
		return ErrServerClosed
	}
	cs.clients[c.sessionId] = c
	cs.wg.Add(1)
	cs.stats.Incr(stats.Connections)

	return nil
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := cs.clients[c.sessionId]; ok {
		delete(cs.clients, c.sessionId)
		cs.stats.Decr(stats.Connections)
	}
}

// ClientCount reports the sessions attached to this instance.
func (cs *ChatServer) ClientCount() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.clients)
}

// OnSubscribe tells the user's sessions how many messages in the room they
// have not read. The user's first live subscription to a room also makes
// sure the participant has a read cursor.
func (cs *ChatServer) OnSubscribe(ctx context.Context, userId, roomId int64, first bool) {
	if first {
		if err := cs.cursors.Ensure(ctx, roomId, userId); err != nil {
			cs.log.Warn("ensure participant", zap.Int64("room_id", roomId), zap.Int64("user_id", userId), zap.Error(err))
			return
		}
	}

	if err := cs.publishUnreadCount(ctx, userId, roomId); err != nil {
		cs.log.Warn("publish unread count", zap.Int64("room_id", roomId), zap.Int64("user_id", userId), zap.Error(err))
	}
}

// OnUnsubscribe marks the room read once the user's last live
// subscription to it is gone.
func (cs *ChatServer) OnUnsubscribe(ctx context.Context, userId, roomId int64, last bool) {
	if !last {
		return
	}

	latest, err := cs.db.LatestMessageId(ctx, roomId)
	if err != nil {
		cs.log.Warn("latest message", zap.Int64("room_id", roomId), zap.Error(err))
		return
	}
	if latest == 0 {
		return
	}

	if _, err := cs.cursors.Advance(ctx, roomId, userId, latest); err != nil {
		cs.log.Warn("advance read cursor", zap.Int64("room_id", roomId), zap.Int64("user_id", userId), zap.Error(err))
	}
}

func (cs *ChatServer) publishUnreadCount(ctx context.Context, userId, roomId int64) error {
	lastRead, err := cs.cursors.Get(ctx, roomId, userId)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}

	n, err := cs.db.CountMessagesAfter(ctx, roomId, lastRead)
	if err != nil {
		return fmt.Errorf("count unread: %w", err)
	}

	env, err := types.NewEnvelope("", types.EnvelopeUnreadCount, roomId, types.UnreadCount{
		RoomId:            roomId,
		Count:             n,
		LastReadMessageId: lastRead,
	})
	if err != nil {
		return err
	}
	env.TargetUserId = userId

	return cs.broker.Publish(ctx, env)
}

// Shutdown stops every client and waits for their cleanup to finish.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.mu.Lock()
	cs.closed = true
	clients := make([]*Client, 0, len(cs.clients))
	for _, c := range cs.clients {
		clients = append(clients, c)
	}
	cs.mu.Unlock()

	cs.log.Info("shutting down clients", zap.Int("count", len(clients)))
	for _, c := range clients {
		c.stopClient()
	}

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("chat server shutdown: %w", ctx.Err())
	}
}
