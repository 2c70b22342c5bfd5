package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents one active WebSocket connection to a document room on
// the server side. Client-side session state lives in internal/session.
type Session struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// NewSession stamps a fresh server-side session record.
func NewSession(documentID, userID, userName string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		DocumentID:   documentID,
		UserID:       userID,
		UserName:     userName,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
