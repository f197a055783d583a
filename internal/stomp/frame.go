// Package stomp adapts the go-stomp frame codec to STOMP 1.2 frames carried
// one per WebSocket text message.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-stomp/stomp/v3/frame"
)

const (
	Connect     = frame.CONNECT
	Stomp       = frame.STOMP
	Connected   = frame.CONNECTED
	Subscribe   = frame.SUBSCRIBE
	Unsubscribe = frame.UNSUBSCRIBE
	Send        = frame.SEND
	Disconnect  = frame.DISCONNECT
	Message     = frame.MESSAGE
	Receipt     = frame.RECEIPT
	Error       = frame.ERROR
)

const (
	HdrAcceptVersion = frame.AcceptVersion
	HdrContentLength = frame.ContentLength
	HdrContentType   = frame.ContentType
	HdrDestination   = frame.Destination
	HdrHeartBeat     = frame.HeartBeat
	HdrId            = frame.Id
	HdrMessage       = frame.Message
	HdrMessageId     = frame.MessageId
	HdrReceipt       = frame.Receipt
	HdrReceiptId     = frame.ReceiptId
	HdrSession       = frame.Session
	HdrSubscription  = frame.Subscription
	HdrVersion       = frame.Version

	HdrAuthorization = "Authorization"
	HdrErrorCode     = "error-code"
	HdrStatus        = "status"
	HdrUserName      = "user-name"
)

// DefaultMaxFrameSize bounds a single inbound frame.
const DefaultMaxFrameSize = 64 * 1024

var (
	ErrEmptyFrame     = errors.New("stomp: empty frame")
	ErrFrameTooLarge  = errors.New("stomp: frame too large")
	ErrMalformedFrame = errors.New("stomp: malformed frame")
	ErrUnknownCommand = errors.New("stomp: unknown command")
)

var knownCommands = map[string]struct{}{
	Connect: {}, Stomp: {}, Connected: {}, Subscribe: {}, Unsubscribe: {},
	Send: {}, Disconnect: {}, Message: {}, Receipt: {}, Error: {},
}

type Frame struct {
	*frame.Frame
}

func NewFrame(cmd string, kv ...string) *Frame {
	return &Frame{frame.New(cmd, kv...)}
}

// Get returns the first value for key. Repeated headers keep the first
// occurrence, as required by the protocol.
func (f *Frame) Get(key string) string {
	return f.Header.Get(key)
}

func (f *Frame) Lookup(key string) (string, bool) {
	return f.Header.Contains(key)
}

// GetFold is Get with a case-insensitive key match.
func (f *Frame) GetFold(key string) string {
	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (f *Frame) Set(key, value string) {
	f.Header.Set(key, value)
}

// IsHeartBeat reports whether raw is a bare end-of-line keepalive.
func IsHeartBeat(raw []byte) bool {
	return len(bytes.Trim(raw, "\r\n")) == 0 && len(raw) > 0
}

// Parse decodes the first frame in raw, skipping heart-beats in front of
// it. maxSize <= 0 selects DefaultMaxFrameSize.
func Parse(raw []byte, maxSize int) (*Frame, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(raw) > maxSize {
		return nil, ErrFrameTooLarge
	}

	r := frame.NewReader(bytes.NewReader(raw))
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) && f == nil && len(bytes.Trim(raw, "\r\n")) == 0 {
			return nil, ErrEmptyFrame
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if f == nil {
			// heart-beat
			continue
		}

		if _, known := knownCommands[f.Command]; !known {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, f.Command)
		}
		return &Frame{f}, nil
	}
}

// Marshal encodes f, always emitting content-length when a body is present.
func (f *Frame) Marshal() []byte {
	if len(f.Body) > 0 {
		f.Header.Set(HdrContentLength, strconv.Itoa(len(f.Body)))
	} else {
		f.Header.Del(HdrContentLength)
	}

	var buf bytes.Buffer
	// writes to a bytes.Buffer do not fail
	_ = frame.NewWriter(&buf).Write(f.Frame)

	return buf.Bytes()
}
