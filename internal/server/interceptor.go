package server

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/npezzotti/lightning-chat/internal/auth"
	"github.com/npezzotti/lightning-chat/internal/stomp"
	"github.com/npezzotti/lightning-chat/internal/types"
)

var (
	subscribeDestination = regexp.MustCompile(`^/topic/room/([1-9][0-9]*)$`)
	sendDestination      = regexp.MustCompile(`^/app/room/([1-9][0-9]*)$`)
)

func topicDestination(roomId int64) string {
	return "/topic/room/" + strconv.FormatInt(roomId, 10)
}

// parseRoomDestination extracts the room id from dest, or reports false if
// dest does not have the shape pattern expects.
func parseRoomDestination(pattern *regexp.Regexp, dest string) (int64, bool) {
	m := pattern.FindStringSubmatch(dest)
	if m == nil {
		return 0, false
	}

	roomId, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return roomId, true
}

// authenticate resolves the principal from the CONNECT frame. The result is
// bound to the connection and not checked again.
func (cs *ChatServer) authenticate(f *stomp.Frame) (types.Principal, error) {
	token, err := auth.BearerToken(f.GetFold(stomp.HdrAuthorization))
	if err != nil {
		return types.Principal{}, ErrUnauthenticated(err)
	}

	if err := cs.verifier.Validate(token); err != nil {
		return types.Principal{}, ErrUnauthenticated(err)
	}

	p, err := cs.verifier.Principal(token)
	if err != nil {
		return types.Principal{}, ErrUnauthenticated(err)
	}

	return p, nil
}

// authorize checks f's destination against pattern and the principal's
// membership of the room it names.
func (cs *ChatServer) authorize(ctx context.Context, p *types.Principal, f *stomp.Frame, pattern *regexp.Regexp) (int64, error) {
	dest := f.Get(stomp.HdrDestination)
	roomId, ok := parseRoomDestination(pattern, dest)
	if !ok {
		return 0, ErrInvalidDestination(dest)
	}

	member, err := cs.db.IsMember(ctx, p.UserId, roomId)
	if err != nil {
		return 0, ErrInternal(fmt.Errorf("check membership: %w", err))
	}
	if !member {
		return 0, ErrNotRoomMember(roomId)
	}

	return roomId, nil
}
