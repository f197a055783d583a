package server

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/npezzotti/lightning-chat/internal/stomp"
	"github.com/npezzotti/lightning-chat/internal/types"
)

const (
	stompVersion    = "1.2"
	jsonContentType = "application/json"
)

// SendRequest is the body of a SEND frame.
type SendRequest struct {
	Content string `json:"content"`
}

func connectedFrame(sessionId string, userId int64) *stomp.Frame {
	f := stomp.NewFrame(stomp.Connected,
		stomp.HdrVersion, stompVersion,
		stomp.HdrSession, sessionId,
		stomp.HdrUserName, strconv.FormatInt(userId, 10),
		// liveness is tracked with websocket ping/pong
		stomp.HdrHeartBeat, "0,0",
		stomp.HdrContentType, jsonContentType,
	)

	env, err := types.NewEnvelope(sessionId, types.EnvelopeConnected, 0, types.Connected{
		SessionId: sessionId,
		UserId:    userId,
	})
	if err == nil {
		f.Body, _ = json.Marshal(env)
	}

	return f
}

func errorFrame(fe *FrameError, receipt string) *stomp.Frame {
	f := stomp.NewFrame(stomp.Error,
		stomp.HdrStatus, strconv.Itoa(fe.Status),
		stomp.HdrErrorCode, fe.Code,
		stomp.HdrMessage, fe.Message,
		stomp.HdrContentType, jsonContentType,
	)
	if receipt != "" {
		f.Set(stomp.HdrReceiptId, receipt)
	}

	f.Body, _ = json.Marshal(types.ErrorPayload{
		HttpStatus:   fe.Status,
		Data:         nil,
		ErrorMessage: fe.Message,
	})

	return f
}

func receiptFrame(receipt string) *stomp.Frame {
	return stomp.NewFrame(stomp.Receipt, stomp.HdrReceiptId, receipt)
}

func messageFrame(subscriptionId string, env *types.Envelope, body []byte) *stomp.Frame {
	f := stomp.NewFrame(stomp.Message,
		stomp.HdrDestination, topicDestination(env.RoomId),
		stomp.HdrSubscription, subscriptionId,
		stomp.HdrMessageId, env.Id,
		stomp.HdrContentType, jsonContentType,
	)
	f.Body = body

	return f
}

// Now is the timestamp stamped on new messages.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
