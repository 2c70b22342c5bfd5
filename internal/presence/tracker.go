package presence

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/kylephillipsau/nosdesk-collab/internal/models"
	"github.com/kylephillipsau/nosdesk-collab/internal/protocol"
)

// Publisher is what the tracker needs from the transport: the ability to
// push an awareness frame out. transport.Conn satisfies it.
type Publisher interface {
	Send(t protocol.MessageType, payload []byte) error
}

// Tracker maintains the displayed collaborator list for one session.
// The server broadcasts the full awareness map on every change; the tracker
// keeps the last map it saw, excludes the local participant, and filters
// malformed entries so a bad payload can never break rendering.
type Tracker struct {
	mu       sync.Mutex
	localID  int
	local    models.AwarenessState
	remote   map[int]models.AwarenessState
	pub      Publisher
	onChange func([]models.AwarenessState)
}

// NewTracker creates a tracker for the given connection-scoped client id.
func NewTracker(localID int, user models.UserInfo, pub Publisher) *Tracker {
	if user.Color == "" {
		user.Color = models.ColorFor(user.ID)
	}
	u := user
	return &Tracker{
		localID: localID,
		local:   models.AwarenessState{ClientID: localID, User: &u},
		remote:  make(map[int]models.AwarenessState),
		pub:     pub,
	}
}

// OnChange registers a callback fired with the new participant list whenever
// the broadcast state changes.
func (t *Tracker) OnChange(fn func([]models.AwarenessState)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// PublishLocal pushes the local identity into the awareness channel.
func (t *Tracker) PublishLocal() error {
	t.mu.Lock()
	payload, err := json.Marshal(map[int]models.AwarenessState{t.localID: t.local})
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("presence: encode local state: %w", err)
	}
	return t.pub.Send(protocol.MessageAwareness, payload)
}

// SetLocalName updates just the display name, preserving color and any other
// fields already in the local payload, then republishes.
func (t *Tracker) SetLocalName(name string) error {
	t.mu.Lock()
	if t.local.User == nil {
		t.local.User = &models.UserInfo{}
	}
	t.local.User.Name = name
	t.mu.Unlock()
	return t.PublishLocal()
}

// LocalState returns a copy of the local awareness payload.
func (t *Tracker) LocalState() models.AwarenessState {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.local
	if state.User != nil {
		u := *state.User
		state.User = &u
	}
	return state
}

// HandleFrame consumes awareness traffic from the transport. Non-awareness
// frames are ignored.
func (t *Tracker) HandleFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.MessageAwareness:
		t.applyBroadcast(f.Payload)
	case protocol.MessageAwarenessQuery:
		if err := t.PublishLocal(); err != nil {
			log.Printf("presence: republish failed: %v", err)
		}
	}
}

// applyBroadcast replaces the known state with the broadcast map. Entries
// are decoded one by one so a single malformed entry is dropped instead of
// poisoning the whole map.
func (t *Tracker) applyBroadcast(payload []byte) {
	var raw map[int]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		log.Printf("presence: dropping malformed awareness payload: %v", err)
		return
	}

	next := make(map[int]models.AwarenessState, len(raw))
	for id, entry := range raw {
		var state models.AwarenessState
		if err := json.Unmarshal(entry, &state); err != nil {
			log.Printf("presence: dropping malformed entry for client %d: %v", id, err)
			continue
		}
		state.ClientID = id
		next[id] = state
	}

	t.mu.Lock()
	t.remote = next
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(t.Participants())
	}
}

// Participants returns the displayable collaborator list: the local entry is
// excluded, entries without a well-formed display name are filtered, and the
// order is stable (ascending client id).
func (t *Tracker) Participants() []models.AwarenessState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.AwarenessState, 0, len(t.remote))
	for id, state := range t.remote {
		if id == t.localID {
			continue
		}
		if state.User == nil || state.User.Name == "" {
			continue
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
