package models

import "hash/fnv"

// AwarenessState is one participant's ephemeral presence payload. It is
// broadcast state only - never persisted, reconstructed entirely from the
// live connection.
type AwarenessState struct {
	ClientID int                    `json:"client_id"`
	User     *UserInfo              `json:"user,omitempty"`
	Cursor   *CursorPosition        `json:"cursor,omitempty"`
	State    map[string]interface{} `json:"state,omitempty"`
}

// UserInfo identifies a connected user for display.
type UserInfo struct {
	ID    string `json:"id,omitempty"` // stable user id, optional
	Name  string `json:"name"`
	Color string `json:"color"` // hex color for cursor/highlight
}

// CursorPosition is where a user's cursor sits in the document.
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// presencePalette holds the cursor colors cycled through by ColorFor.
// Tailwind 400-series, same set the web client uses.
var presencePalette = []string{
	"#f87171", "#fb923c", "#fbbf24", "#a3e635",
	"#34d399", "#22d3ee", "#60a5fa", "#a78bfa",
	"#f472b6", "#fb7185",
}

// ColorFor derives a stable display color from a stable user id.
func ColorFor(stableID string) string {
	h := fnv.New32a()
	h.Write([]byte(stableID))
	return presencePalette[h.Sum32()%uint32(len(presencePalette))]
}
