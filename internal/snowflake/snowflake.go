// Package snowflake issues time-ordered 64-bit identifiers.
//
// Layout, most significant bit first:
//
//	1 reserved | 41 bits ms since epoch | 10 bits node | 12 bits sequence
package snowflake

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	nodeBits     = 10
	sequenceBits = 12
	timeBits     = 41

	MaxNodeID   = 1<<nodeBits - 1
	maxSequence = 1<<sequenceBits - 1
	maxOffset   = 1<<timeBits - 1

	nodeShift = sequenceBits
	timeShift = sequenceBits + nodeBits
)

// DefaultEpoch is the zero point of the timestamp section.
var DefaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	ErrClockMovedBackwards = errors.New("snowflake: clock moved backwards")
	ErrTimestampOverflow   = errors.New("snowflake: timestamp exceeds 41 bits")
	ErrInvalidNodeID       = errors.New("snowflake: node id out of range")
)

type Generator struct {
	mu      sync.Mutex
	epochMS int64
	nodeID  int64
	seq     int64
	lastMS  int64
	now     func() int64
}

type Option func(*Generator)

// WithEpoch overrides DefaultEpoch.
func WithEpoch(epoch time.Time) Option {
	return func(g *Generator) {
		g.epochMS = epoch.UnixMilli()
	}
}

// WithClock replaces the wall clock. The function returns unix milliseconds.
func WithClock(now func() int64) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// RandomNodeID picks a node id for processes that are not assigned one.
func RandomNodeID() int64 {
	return rand.Int64N(MaxNodeID + 1)
}

func New(nodeID int64, opts ...Option) (*Generator, error) {
	if nodeID < 0 || nodeID > MaxNodeID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidNodeID, nodeID)
	}

	g := &Generator{
		epochMS: DefaultEpoch.UnixMilli(),
		nodeID:  nodeID,
		lastMS:  -1,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

func (g *Generator) NodeID() int64 {
	return g.nodeID
}

// NextID returns the next identifier. A clock that moves backwards is not
// recoverable in place: the caller should treat ErrClockMovedBackwards as
// fatal for the process.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now < g.lastMS {
		return 0, fmt.Errorf("%w: by %dms", ErrClockMovedBackwards, g.lastMS-now)
	}

	if now == g.lastMS {
		g.seq = (g.seq + 1) & maxSequence
		if g.seq == 0 {
			// sequence exhausted for this millisecond
			for now <= g.lastMS {
				now = g.now()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMS = now

	offset := now - g.epochMS
	if offset < 0 || offset > maxOffset {
		return 0, ErrTimestampOverflow
	}

	return offset<<timeShift | g.nodeID<<nodeShift | g.seq, nil
}

// Decompose splits an id into its timestamp, node and sequence parts.
func (g *Generator) Decompose(id int64) (time.Time, int64, int64) {
	ms := id>>timeShift + g.epochMS
	node := (id >> nodeShift) & MaxNodeID
	seq := id & maxSequence
	return time.UnixMilli(ms).UTC(), node, seq
}
