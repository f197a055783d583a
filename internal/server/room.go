package server

import (
	"encoding/json"

	"github.com/npezzotti/lightning-chat/internal/types"
	"go.uber.org/zap"
)

// Room is the set of local clients holding at least one subscription to a
// room. Shared subscription state lives in the registry; this index only
// routes envelopes received from the broker.
type Room struct {
	id      int64
	clients map[*Client]struct{}
}

func newRoom(id int64) *Room {
	return &Room{
		id:      id,
		clients: make(map[*Client]struct{}),
	}
}

func (cs *ChatServer) joinRoom(roomId int64, c *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	r, ok := cs.rooms[roomId]
	if !ok {
		r = newRoom(roomId)
		cs.rooms[roomId] = r
	}
	r.clients[c] = struct{}{}
}

func (cs *ChatServer) leaveRoom(roomId int64, c *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	r, ok := cs.rooms[roomId]
	if !ok {
		return
	}
	delete(r.clients, c)
	if len(r.clients) == 0 {
		delete(cs.rooms, roomId)
	}
}

func (cs *ChatServer) roomClients(roomId int64) []*Client {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	r, ok := cs.rooms[roomId]
	if !ok {
		return nil
	}

	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// Deliver queues env on every local subscription to its room. Envelopes
// with a target user only reach that user's sessions. One slow client never
// holds up the others.
func (cs *ChatServer) Deliver(env *types.Envelope) {
	clients := cs.roomClients(env.RoomId)
	if len(clients) == 0 {
		return
	}

	body, err := json.Marshal(env)
	if err != nil {
		cs.log.Error("encode envelope", zap.String("id", env.Id), zap.Error(err))
		return
	}

	for _, c := range clients {
		if env.TargetUserId > 0 && c.userId() != env.TargetUserId {
			continue
		}
		for _, subId := range c.subscriptionsFor(env.RoomId) {
			c.queueFrame(messageFrame(subId, env, body))
		}
	}
}
