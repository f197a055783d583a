package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/npezzotti/lightning-chat/internal/keylock"
)

const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidDestination = "INVALID_DESTINATION"
	CodeNotRoomMember      = "NOT_ROOM_MEMBER"
	CodeBadFrame           = "BAD_FRAME"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeInternal           = "INTERNAL_ERROR"
	CodeLockBusy           = "LOCK_BUSY"
)

// FrameError is reported to the client as an ERROR frame. Err is logged but
// never sent.
type FrameError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

func ErrUnauthenticated(err error) *FrameError {
	return &FrameError{
		Status:  http.StatusUnauthorized,
		Code:    CodeUnauthorized,
		Message: "authentication failed",
		Err:     err,
	}
}

func ErrInvalidDestination(dest string) *FrameError {
	return &FrameError{
		Status:  http.StatusBadRequest,
		Code:    CodeInvalidDestination,
		Message: fmt.Sprintf("invalid destination %q", dest),
	}
}

func ErrNotRoomMember(roomId int64) *FrameError {
	return &FrameError{
		Status:  http.StatusForbidden,
		Code:    CodeNotRoomMember,
		Message: fmt.Sprintf("not a member of room %d", roomId),
	}
}

func ErrBadFrame(msg string, err error) *FrameError {
	return &FrameError{
		Status:  http.StatusBadRequest,
		Code:    CodeBadFrame,
		Message: msg,
		Err:     err,
	}
}

func ErrInvalidPayload(msg string) *FrameError {
	return &FrameError{
		Status:  http.StatusBadRequest,
		Code:    CodeInvalidPayload,
		Message: msg,
	}
}

func ErrInternal(err error) *FrameError {
	return &FrameError{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternal,
		Message: "internal server error",
		Err:     err,
	}
}

func ErrBusy(err error) *FrameError {
	return &FrameError{
		Status:  http.StatusServiceUnavailable,
		Code:    CodeLockBusy,
		Message: "resource busy, try again",
		Err:     err,
	}
}

// toFrameError maps any handler error onto the ERROR frame taxonomy.
func toFrameError(err error) *FrameError {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, keylock.ErrLockBusy) {
		return ErrBusy(err)
	}

	return ErrInternal(err)
}
