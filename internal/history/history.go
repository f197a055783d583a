// Package history pages through a room's chat history using message ids
// as cursors. Ids are issued by the snowflake generator, so ordering by id
// is ordering by creation.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/npezzotti/lightning-chat/internal/database"
	"github.com/npezzotti/lightning-chat/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var (
	ErrInvalidSize      = errors.New("page size out of range")
	ErrInvalidDirection = errors.New("invalid direction")
)

type Direction string

const (
	Prev Direction = "PREV"
	Next Direction = "NEXT"
)

type ScrollMode string

const (
	ScrollNone   ScrollMode = "NONE"
	ScrollTop    ScrollMode = "TOP"
	ScrollCenter ScrollMode = "CENTER"
	ScrollBottom ScrollMode = "BOTTOM"
)

type Request struct {
	RoomId    int64
	UserId    int64
	Direction Direction
	// CursorId of 0 requests the initial page.
	CursorId int64
	Size     int
}

type ReadBoundary struct {
	ShowDivider          bool  `json:"show_divider"`
	LastReadMessageId    int64 `json:"last_read_message_id,string"`
	FirstUnreadMessageId int64 `json:"first_unread_message_id,string"`
}

type Page struct {
	Messages        []types.ChatMessage `json:"messages"`
	ScrollMode      ScrollMode          `json:"scroll_mode"`
	HasPreviousPage bool                `json:"has_previous_page"`
	HasNextPage     bool                `json:"has_next_page"`
	PreviousCursor  int64               `json:"previous_cursor,string,omitempty"`
	NextCursor      int64               `json:"next_cursor,string,omitempty"`
	ReadBoundary    ReadBoundary        `json:"read_boundary"`
}

type Resolver struct {
	log     *zap.Logger
	store   database.MessageStore
	cursors *CursorKeeper
}

func NewResolver(logger *zap.Logger, store database.MessageStore, cursors *CursorKeeper) *Resolver {
	return &Resolver{
		log:     logger.Named("history"),
		store:   store,
		cursors: cursors,
	}
}

func normalize(req *Request) error {
	switch {
	case req.Size == 0:
		req.Size = DefaultPageSize
	case req.Size < 1 || req.Size > MaxPageSize:
		return fmt.Errorf("%w: %d", ErrInvalidSize, req.Size)
	}

	switch req.Direction {
	case "":
		req.Direction = Next
	case Prev, Next:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDirection, req.Direction)
	}

	return nil
}

func (r *Resolver) Resolve(ctx context.Context, req Request) (*Page, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}

	lastRead, err := r.cursors.Get(ctx, req.RoomId, req.UserId)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	var page *Page
	if req.CursorId == 0 {
		page, err = r.initial(ctx, req, lastRead)
	} else if req.Direction == Prev {
		page, err = r.previous(ctx, req)
	} else {
		page, err = r.next(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	if page.Messages == nil {
		page.Messages = []types.ChatMessage{}
	}
	if page.HasPreviousPage && len(page.Messages) > 0 {
		page.PreviousCursor = page.Messages[0].Id
	}
	if page.HasNextPage && len(page.Messages) > 0 {
		page.NextCursor = page.Messages[len(page.Messages)-1].Id
	}

	page.ReadBoundary, err = r.readBoundary(ctx, req.RoomId, lastRead)
	if err != nil {
		return nil, err
	}

	return page, nil
}

func (r *Resolver) initial(ctx context.Context, req Request, anchor int64) (*Page, error) {
	latest, err := r.store.LatestMessageId(ctx, req.RoomId)
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}

	var page *Page
	switch {
	case anchor == 0:
		page, err = r.top(ctx, req)
	case latest <= anchor:
		page, err = r.bottom(ctx, req)
	default:
		page, err = r.center(ctx, req, anchor)
	}
	if err != nil {
		return nil, err
	}

	// entering the room marks everything currently in it as seen
	if latest > anchor {
		if _, err := r.cursors.Advance(ctx, req.RoomId, req.UserId, latest); err != nil {
			return nil, fmt.Errorf("advance read cursor: %w", err)
		}
	}

	return page, nil
}

func (r *Resolver) top(ctx context.Context, req Request) (*Page, error) {
	after, err := r.store.ListMessagesAfter(ctx, req.RoomId, 0, req.Size+1)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	hasNext := len(after) > req.Size
	return &Page{
		Messages:    after[:min(len(after), req.Size)],
		ScrollMode:  ScrollTop,
		HasNextPage: hasNext,
	}, nil
}

func (r *Resolver) bottom(ctx context.Context, req Request) (*Page, error) {
	before, err := r.store.ListMessagesBefore(ctx, req.RoomId, math.MaxInt64, req.Size+1)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	hasPrev := len(before) > req.Size
	msgs := before[:min(len(before), req.Size)]
	slices.Reverse(msgs)

	return &Page{
		Messages:        msgs,
		ScrollMode:      ScrollBottom,
		HasPreviousPage: hasPrev,
	}, nil
}

// center splits the page around anchor: ids <= anchor on one side, ids >
// anchor on the other. Whatever one side cannot fill goes to the other.
func (r *Resolver) center(ctx context.Context, req Request, anchor int64) (*Page, error) {
	before, err := r.store.ListMessagesBefore(ctx, req.RoomId, anchor+1, req.Size+1)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	after, err := r.store.ListMessagesAfter(ctx, req.RoomId, anchor, req.Size+1)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	na := min(len(after), req.Size/2)
	nb := min(len(before), req.Size-na)
	na = min(len(after), req.Size-nb)

	msgs := make([]types.ChatMessage, 0, nb+na)
	for i := nb - 1; i >= 0; i-- {
		msgs = append(msgs, before[i])
	}
	msgs = append(msgs, after[:na]...)

	return &Page{
		Messages:        msgs,
		ScrollMode:      ScrollCenter,
		HasPreviousPage: len(before) > nb,
		HasNextPage:     len(after) > na,
	}, nil
}

func (r *Resolver) previous(ctx context.Context, req Request) (*Page, error) {
	before, err := r.store.ListMessagesBefore(ctx, req.RoomId, req.CursorId, req.Size+1)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	hasPrev := len(before) > req.Size
	msgs := before[:min(len(before), req.Size)]
	slices.Reverse(msgs)

	latest, err := r.store.LatestMessageId(ctx, req.RoomId)
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}

	hasNext := false
	if len(msgs) > 0 {
		hasNext = latest > msgs[len(msgs)-1].Id
	}

	return &Page{
		Messages:        msgs,
		ScrollMode:      ScrollNone,
		HasPreviousPage: hasPrev,
		HasNextPage:     hasNext,
	}, nil
}

func (r *Resolver) next(ctx context.Context, req Request) (*Page, error) {
	after, err := r.store.ListMessagesAfter(ctx, req.RoomId, req.CursorId, req.Size+1)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	hasNext := len(after) > req.Size
	msgs := after[:min(len(after), req.Size)]

	hasPrev := false
	if len(msgs) > 0 {
		older, err := r.store.ListMessagesBefore(ctx, req.RoomId, msgs[0].Id, 1)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		hasPrev = len(older) > 0
	}

	return &Page{
		Messages:        msgs,
		ScrollMode:      ScrollNone,
		HasPreviousPage: hasPrev,
		HasNextPage:     hasNext,
	}, nil
}

func (r *Resolver) readBoundary(ctx context.Context, roomId, lastRead int64) (ReadBoundary, error) {
	rb := ReadBoundary{LastReadMessageId: lastRead}

	unread, err := r.store.ListMessagesAfter(ctx, roomId, lastRead, 1)
	if err != nil {
		return rb, fmt.Errorf("first unread: %w", err)
	}
	if len(unread) > 0 {
		rb.FirstUnreadMessageId = unread[0].Id
	}
	rb.ShowDivider = lastRead > 0 && rb.FirstUnreadMessageId > 0

	return rb, nil
}
