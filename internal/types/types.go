package types

import (
	"encoding/json"
	"time"
)

type Principal struct {
	UserId int64          `json:"user_id"`
	Name   string         `json:"name,omitempty"`
	Claims map[string]any `json:"-"`
}

type ChatMessage struct {
	Id        int64     `json:"id,string"`
	RoomId    int64     `json:"room_id"`
	SenderId  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type EnvelopeType string

const (
	EnvelopeChatMessage EnvelopeType = "CHAT_MESSAGE"
	EnvelopeUnreadCount EnvelopeType = "UNREAD_COUNT"
	EnvelopeConnected   EnvelopeType = "CONNECTED"
	EnvelopeError       EnvelopeType = "ERROR"
)

// Envelope is the single event shape pushed to sessions and relayed
// between instances. Id is stable across redeliveries so clients can drop
// duplicates.
type Envelope struct {
	Id           string          `json:"id"`
	Type         EnvelopeType    `json:"type"`
	RoomId       int64           `json:"room_id,omitempty"`
	TargetUserId int64           `json:"target_user_id,omitempty"`
	Origin       string          `json:"origin,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type UnreadCount struct {
	RoomId            int64 `json:"room_id"`
	Count             int64 `json:"count"`
	LastReadMessageId int64 `json:"last_read_message_id,string"`
}

type Connected struct {
	SessionId string `json:"session_id"`
	UserId    int64  `json:"user_id"`
}

type ErrorPayload struct {
	HttpStatus   int    `json:"httpStatus"`
	Data         any    `json:"data"`
	ErrorMessage string `json:"errorMessage"`
}

// NewEnvelope encodes payload into a new envelope.
func NewEnvelope(id string, typ EnvelopeType, roomId int64, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Id:      id,
		Type:    typ,
		RoomId:  roomId,
		Payload: raw,
	}, nil
}
