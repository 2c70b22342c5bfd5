package protocol

import (
	"fmt"

	"github.com/gorilla/websocket"
)

/*
WIRE FORMAT

Every WebSocket message is a binary frame: one type byte followed by the
payload. Document update payloads are opaque to this package (they belong to
the document handle); awareness payloads are JSON maps of client id -> state.

Keeping the envelope this small means the server can relay update frames
without decoding them.
*/

// MessageType is the leading byte of every frame.
type MessageType byte

const (
	// Sync protocol
	MessageSyncUpdate  MessageType = 0 // Document update (opaque bytes)
	MessageSyncRequest MessageType = 1 // Ask the peer to send its state

	// Awareness protocol
	MessageAwareness      MessageType = 2 // Full or partial awareness state (JSON)
	MessageAwarenessQuery MessageType = 3 // Request the current awareness map

	// Room notifications
	MessageJoin  MessageType = 10
	MessageLeave MessageType = 11
	MessageError MessageType = 99
)

// Frame is a decoded wire message.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode prepends the type byte to the payload.
func Encode(t MessageType, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(t)
	copy(buf[1:], payload)
	return buf
}

// Decode splits a raw message into type and payload.
// The payload slices into the input; callers that retain it must copy.
func Decode(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("protocol: empty frame")
	}
	return Frame{Type: MessageType(raw[0]), Payload: raw[1:]}, nil
}

// CloseClass buckets WebSocket close codes for diagnostics.
// Classification only affects log severity, never reconnect behavior.
type CloseClass int

const (
	CloseNormal CloseClass = iota
	ClosePolicy            // auth/policy rejections
	CloseServerError
	CloseAbnormal // network drops, missing close frame
)

// ClassifyClose maps a close code to its diagnostic class.
func ClassifyClose(code int) CloseClass {
	switch code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return CloseNormal
	case websocket.ClosePolicyViolation, websocket.CloseUnsupportedData,
		websocket.CloseMessageTooBig, 4401, 4403:
		return ClosePolicy
	case websocket.CloseInternalServerErr, websocket.CloseServiceRestart,
		websocket.CloseTryAgainLater:
		return CloseServerError
	default:
		return CloseAbnormal
	}
}

func (c CloseClass) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case ClosePolicy:
		return "policy"
	case CloseServerError:
		return "server-error"
	default:
		return "abnormal"
	}
}
