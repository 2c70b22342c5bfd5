package protocol

import (
	"bytes"
	"testing"

	"github.com/gorilla/websocket"
)

func TestEncodeDecode(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	raw := Encode(MessageSyncUpdate, payload)

	frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if frame.Type != MessageSyncUpdate {
		t.Errorf("expected type %d, got %d", MessageSyncUpdate, frame.Type)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("payload mismatch: %v", frame.Payload)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	frame, err := Decode(Encode(MessageAwarenessQuery, nil))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if frame.Type != MessageAwarenessQuery {
		t.Errorf("expected awareness query, got %d", frame.Type)
	}
	if len(frame.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(frame.Payload))
	}
}

func TestDecodeEmptyFrame(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatal("expected error for empty frame")
	}
}

func TestClassifyClose(t *testing.T) {
	cases := []struct {
		code int
		want CloseClass
	}{
		{websocket.CloseNormalClosure, CloseNormal},
		{websocket.CloseGoingAway, CloseNormal},
		{websocket.ClosePolicyViolation, ClosePolicy},
		{4401, ClosePolicy},
		{websocket.CloseInternalServerErr, CloseServerError},
		{websocket.CloseServiceRestart, CloseServerError},
		{websocket.CloseAbnormalClosure, CloseAbnormal},
		{websocket.CloseNoStatusReceived, CloseAbnormal},
	}

	for _, tc := range cases {
		if got := ClassifyClose(tc.code); got != tc.want {
			t.Errorf("ClassifyClose(%d) = %s, want %s", tc.code, got, tc.want)
		}
	}
}
