package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/lightning-chat/internal/snowflake"
	"github.com/npezzotti/lightning-chat/internal/stats"
	"github.com/npezzotti/lightning-chat/internal/stomp"
	"github.com/npezzotti/lightning-chat/internal/types"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxFrameSize   = stomp.DefaultMaxFrameSize
	sendBufferSize = 256

	maxContentLength = 1000
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *zap.Logger
	sessionId  string
	send       chan *stomp.Frame

	principalLock sync.RWMutex
	principal     *types.Principal

	// subscription id -> room id
	subs     map[string]int64
	subsLock sync.RWMutex

	stop        chan struct{}
	stopOnce    sync.Once
	cleanupOnce sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *zap.Logger) (*Client, error) {
	sessionId, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l.With(zap.String("session_id", sessionId)),
		sessionId:  sessionId,
		send:       make(chan *stomp.Frame, sendBufferSize),
		subs:       make(map[string]int64),
		stop:       make(chan struct{}),
	}, nil
}

func (c *Client) SessionId() string {
	return c.sessionId
}

// Principal returns nil until the client has sent a valid CONNECT frame.
func (c *Client) Principal() *types.Principal {
	c.principalLock.RLock()
	defer c.principalLock.RUnlock()
	return c.principal
}

func (c *Client) setPrincipal(p types.Principal) {
	c.principalLock.Lock()
	defer c.principalLock.Unlock()
	c.principal = &p
}

func (c *Client) userId() int64 {
	if p := c.Principal(); p != nil {
		return p.UserId
	}
	return 0
}

// Write pumps queued frames to the socket. On stop it flushes what is
// already queued, so a final ERROR or RECEIPT still reaches the peer.
func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			if !c.sendMessage(websocket.TextMessage, f.Marshal()) {
				return
			}
		case <-c.stop:
			c.flush()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case f := <-c.send:
			if !c.sendMessage(websocket.TextMessage, f.Marshal()) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) Read() {
	defer c.chatServer.handleDisconnect(c)

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Info("read failed", zap.Error(err))
			}
			return
		}

		if stomp.IsHeartBeat(raw) {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			continue
		}

		f, err := stomp.Parse(raw, maxFrameSize)
		if err != nil {
			c.log.Debug("invalid frame", zap.Error(err))
			c.queueFrame(errorFrame(ErrBadFrame("invalid frame", err), ""))
			if c.Principal() == nil {
				return
			}
			continue
		}

		if !c.handleFrame(f) {
			return
		}
	}
}

// handleFrame processes one inbound frame and reports whether the
// connection should stay open.
func (c *Client) handleFrame(f *stomp.Frame) bool {
	receipt := f.Get(stomp.HdrReceipt)

	if c.Principal() == nil {
		if f.Command != stomp.Connect && f.Command != stomp.Stomp {
			c.queueFrame(errorFrame(ErrUnauthenticated(errors.New("expected CONNECT")), receipt))
			return false
		}

		p, err := c.chatServer.authenticate(f)
		if err != nil {
			c.log.Info("rejected connection", zap.Error(err))
			c.queueFrame(errorFrame(toFrameError(err), receipt))
			return false
		}

		c.setPrincipal(p)
		c.queueFrame(connectedFrame(c.sessionId, p.UserId))
		c.log.Debug("client connected", zap.Int64("user_id", p.UserId))
		return true
	}

	ctx := context.Background()

	var err error
	switch f.Command {
	case stomp.Subscribe:
		err = c.subscribe(ctx, f)
	case stomp.Unsubscribe:
		err = c.unsubscribe(ctx, f)
	case stomp.Send:
		err = c.publish(ctx, f)
	case stomp.Disconnect:
		if receipt != "" {
			c.queueFrame(receiptFrame(receipt))
		}
		return false
	case stomp.Connect, stomp.Stomp:
		err = ErrBadFrame("already connected", nil)
	default:
		err = ErrBadFrame(fmt.Sprintf("unsupported command %s", f.Command), nil)
	}

	if err != nil {
		fe := toFrameError(err)
		if fe.Status >= 500 {
			c.log.Error("frame failed", zap.String("command", f.Command), zap.Error(err))
		} else {
			c.log.Debug("frame rejected", zap.String("command", f.Command), zap.Error(err))
		}
		c.queueFrame(errorFrame(fe, receipt))
		return true
	}

	if receipt != "" {
		c.queueFrame(receiptFrame(receipt))
	}
	return true
}

func (c *Client) subscribe(ctx context.Context, f *stomp.Frame) error {
	p := c.Principal()
	roomId, err := c.chatServer.authorize(ctx, p, f, subscribeDestination)
	if err != nil {
		return err
	}

	subId := f.Get(stomp.HdrId)
	if subId == "" {
		return ErrBadFrame("missing subscription id", nil)
	}
	if !c.addSubscription(subId, roomId) {
		return ErrBadFrame(fmt.Sprintf("subscription %q already in use", subId), nil)
	}

	// join locally first so an envelope published by the registry hooks
	// already finds this client
	c.chatServer.joinRoom(roomId, c)

	if err := c.chatServer.reg.RegisterSubscription(ctx, p.UserId, c.sessionId, subId, roomId); err != nil {
		c.removeSubscription(subId)
		if !c.inRoom(roomId) {
			c.chatServer.leaveRoom(roomId, c)
		}
		return ErrInternal(err)
	}

	c.chatServer.stats.Incr(stats.Subscriptions)
	return nil
}

func (c *Client) unsubscribe(ctx context.Context, f *stomp.Frame) error {
	subId := f.Get(stomp.HdrId)
	if subId == "" {
		return ErrBadFrame("missing subscription id", nil)
	}

	roomId, ok := c.removeSubscription(subId)
	if ok {
		if !c.inRoom(roomId) {
			c.chatServer.leaveRoom(roomId, c)
		}
		c.chatServer.stats.Decr(stats.Subscriptions)
	}

	if err := c.chatServer.reg.UnregisterSubscription(ctx, c.userId(), c.sessionId, subId); err != nil {
		return ErrInternal(err)
	}

	return nil
}

func (c *Client) publish(ctx context.Context, f *stomp.Frame) error {
	p := c.Principal()
	roomId, err := c.chatServer.authorize(ctx, p, f, sendDestination)
	if err != nil {
		return err
	}

	var req SendRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		return ErrInvalidPayload("invalid message body")
	}
	if n := utf8.RuneCountInString(req.Content); n == 0 || n > maxContentLength {
		return ErrInvalidPayload(fmt.Sprintf("content must be between 1 and %d characters", maxContentLength))
	}

	id, err := c.chatServer.ids.NextID()
	if err != nil {
		if errors.Is(err, snowflake.ErrClockMovedBackwards) {
			c.chatServer.onFatal(err)
		}
		return ErrInternal(fmt.Errorf("next message id: %w", err))
	}

	msg := types.ChatMessage{
		Id:        id,
		RoomId:    roomId,
		SenderId:  p.UserId,
		Content:   req.Content,
		CreatedAt: Now(),
	}
	if err := c.chatServer.db.CreateMessage(ctx, msg); err != nil {
		return ErrInternal(fmt.Errorf("create message: %w", err))
	}

	env, err := types.NewEnvelope(strconv.FormatInt(id, 10), types.EnvelopeChatMessage, roomId, msg)
	if err != nil {
		return ErrInternal(err)
	}
	if err := c.chatServer.broker.Publish(ctx, env); err != nil {
		return ErrInternal(err)
	}
	c.chatServer.stats.Incr(stats.MessagesSent)

	// the sender has seen their own message
	if _, err := c.chatServer.cursors.Advance(ctx, roomId, p.UserId, id); err != nil {
		c.log.Warn("advance sender read cursor", zap.Int64("room_id", roomId), zap.Error(err))
	}

	return nil
}

func (c *Client) queueFrame(f *stomp.Frame) bool {
	select {
	case c.send <- f:
	default:
		c.log.Warn("failed to queue frame, send buffer is full", zap.String("command", f.Command))
		c.chatServer.stats.Incr(stats.FramesDropped)
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Info("write message", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) addSubscription(subId string, roomId int64) bool {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	if _, ok := c.subs[subId]; ok {
		return false
	}
	c.subs[subId] = roomId
	return true
}

func (c *Client) removeSubscription(subId string) (int64, bool) {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	roomId, ok := c.subs[subId]
	delete(c.subs, subId)
	return roomId, ok
}

// subscriptionsFor lists the subscription ids bound to roomId.
func (c *Client) subscriptionsFor(roomId int64) []string {
	c.subsLock.RLock()
	defer c.subsLock.RUnlock()

	var ids []string
	for subId, r := range c.subs {
		if r == roomId {
			ids = append(ids, subId)
		}
	}
	return ids
}

func (c *Client) inRoom(roomId int64) bool {
	return len(c.subscriptionsFor(roomId)) > 0
}

// clearSubscriptions drops all local subscriptions and returns the rooms
// they referenced.
func (c *Client) clearSubscriptions() map[int64]int {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	rooms := make(map[int64]int)
	for _, roomId := range c.subs {
		rooms[roomId]++
	}
	clear(c.subs)
	return rooms
}
