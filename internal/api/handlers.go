package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/npezzotti/lightning-chat/internal/history"
	"github.com/npezzotti/lightning-chat/internal/keylock"
	"go.uber.org/zap"
)

type MarkReadRequest struct {
	MessageId int64 `json:"message_id,string"`
}

type MarkReadResponse struct {
	LastReadMessageId int64 `json:"last_read_message_id,string"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

func (s *ChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(errResp))
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error("database health check failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if s.redis != nil {
		if err := s.redis.Ping(r.Context()); err != nil {
			s.log.Error("redis health check failed", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients don't send one
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs upgrades without authenticating. The STOMP CONNECT frame carries
// the token and the chat server checks it.
func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("error upgrading connection", zap.Error(err))
		return
	}

	if err := s.chat.Attach(conn); err != nil {
		s.log.Warn("attach connection", zap.Error(err))
	}
}

// memberRoom resolves the {roomId} path value and checks that the caller
// belongs to the room. It writes the error response itself.
func (s *ChatApp) memberRoom(w http.ResponseWriter, r *http.Request) (roomId, userId int64, ok bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return 0, 0, false
	}

	roomId, err := strconv.ParseInt(r.PathValue("roomId"), 10, 64)
	if err != nil || roomId <= 0 {
		s.writeError(w, NewNotFoundError())
		return 0, 0, false
	}

	member, err := s.db.IsMember(r.Context(), p.UserId, roomId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return 0, 0, false
	}
	if !member {
		s.writeError(w, NewForbiddenError())
		return 0, 0, false
	}

	return roomId, p.UserId, true
}

func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	roomId, userId, ok := s.memberRoom(w, r)
	if !ok {
		return
	}

	req := history.Request{
		RoomId:    roomId,
		UserId:    userId,
		Direction: history.Direction(r.URL.Query().Get("direction")),
	}

	if cursorStr := r.URL.Query().Get("cursorId"); cursorStr != "" {
		cursorId, err := strconv.ParseInt(cursorStr, 10, 64)
		if err != nil || cursorId < 0 {
			s.writeError(w, NewInvalidParamError("cursorId", err))
			return
		}
		req.CursorId = cursorId
	}

	if sizeStr := r.URL.Query().Get("size"); sizeStr != "" {
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			s.writeError(w, NewInvalidParamError("size", err))
			return
		}
		req.Size = size
	}

	page, err := s.history.Resolve(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, history.ErrInvalidSize):
			s.writeError(w, NewInvalidParamError("size", err))
		case errors.Is(err, history.ErrInvalidDirection):
			s.writeError(w, NewInvalidParamError("direction", err))
		case errors.Is(err, keylock.ErrLockBusy):
			s.writeError(w, NewServiceUnavailableError(err))
		default:
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	s.writeJson(w, http.StatusOK, page)
}

func (s *ChatApp) markRead(w http.ResponseWriter, r *http.Request) {
	roomId, userId, ok := s.memberRoom(w, r)
	if !ok {
		return
	}

	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	if req.MessageId <= 0 {
		s.writeError(w, NewInvalidParamError("message_id", nil))
		return
	}

	cursor, err := s.cursors.Advance(r.Context(), roomId, userId, req.MessageId)
	if err != nil {
		if errors.Is(err, keylock.ErrLockBusy) {
			s.writeError(w, NewServiceUnavailableError(err))
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, MarkReadResponse{LastReadMessageId: cursor})
}
