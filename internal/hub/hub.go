package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kylephillipsau/nosdesk-collab/internal/middleware"
	"github.com/kylephillipsau/nosdesk-collab/internal/models"
	"github.com/kylephillipsau/nosdesk-collab/internal/protocol"
)

/*
DOCUMENT ROOMS

The hub is the server-side counterpart of the client session layer: one
connection pool per document, an awareness registry keyed by the clients'
connection-scoped ids, and a broadcast channel that fans update frames out
to everyone else in the room.

The hub never decodes document updates - they are opaque binary payloads
relayed and persisted as-is. Only awareness payloads are parsed, to keep
the registry current for late joiners.
*/

// UpdateStore is what the hub needs from persistence. repository satisfies
// it; tests pass nil to run memory-only.
type UpdateStore interface {
	StoreUpdate(ctx context.Context, documentID string, update []byte, clientID int) error
	GetAllUpdates(ctx context.Context, documentID string) ([]*models.DocUpdate, error)
}

// Publisher mirrors room traffic to other server nodes. Optional.
type Publisher interface {
	Publish(documentID string, frame []byte)
}

// Hub coordinates all document rooms on this node.
type Hub struct {
	documents  map[string]map[*Client]bool // documentID -> room
	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	mu         sync.RWMutex

	awareness map[string]map[int]*models.AwarenessState
	awareMu   sync.RWMutex

	store   UpdateStore
	publish Publisher

	done chan struct{}
}

// Client is one active WebSocket connection in a room.
type Client struct {
	*models.Session
	Conn     *websocket.Conn
	Send     chan []byte // buffered outbound queue
	Hub      *Hub
	ClientID int // connection-scoped identity, chosen by the client
}

// BroadcastMessage targets one document room. Sender, when set, is skipped.
type BroadcastMessage struct {
	DocumentID string
	Frame      []byte
	Sender     *Client
	// remote marks frames that arrived via fan-out; they are not
	// re-published, which would loop between nodes.
	remote bool
}

// New creates a hub. store may be nil (no persistence, no initial sync).
func New(store UpdateStore) *Hub {
	return &Hub{
		documents:  make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		awareness:  make(map[string]map[int]*models.AwarenessState),
		store:      store,
		done:       make(chan struct{}),
	}
}

// SetPublisher attaches a node-to-node mirror.
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	h.publish = p
	h.mu.Unlock()
}

// Start runs the room event loop and the idle-session sweeper.
func (h *Hub) Start() {
	log.Println("🔄 Starting collaboration hub...")

	go func() {
		for {
			select {
			case <-h.done:
				return
			case client := <-h.register:
				h.handleRegister(client)
			case client := <-h.unregister:
				h.handleUnregister(client)
			case msg := <-h.broadcast:
				h.handleBroadcast(msg)
			}
		}
	}()

	go h.sweepLoop()

	log.Println("✓ Collaboration hub started")
}

// DeliverRemote injects a frame that arrived from another node.
func (h *Hub) DeliverRemote(documentID string, frame []byte) {
	select {
	case h.broadcast <- &BroadcastMessage{DocumentID: documentID, Frame: frame, remote: true}:
	case <-h.done:
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mu.Lock()
	if h.documents[client.DocumentID] == nil {
		h.documents[client.DocumentID] = make(map[*Client]bool)
	}
	h.documents[client.DocumentID][client] = true
	total := len(h.documents[client.DocumentID])
	h.mu.Unlock()

	log.Printf("  client %s joined document %s (total: %d users)",
		client.ID, client.DocumentID, total)

	joinMsg, _ := json.Marshal(map[string]interface{}{
		"user": map[string]string{"id": client.UserID, "name": client.UserName},
	})
	h.enqueue(&BroadcastMessage{
		DocumentID: client.DocumentID,
		Frame:      protocol.Encode(protocol.MessageJoin, joinMsg),
		Sender:     client,
	})
}

func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	room, ok := h.documents[client.DocumentID]
	if !ok || !room[client] {
		h.mu.Unlock()
		return
	}
	delete(room, client)
	close(client.Send)
	remaining := len(room)
	if remaining == 0 {
		delete(h.documents, client.DocumentID)
	}
	h.mu.Unlock()

	log.Printf("  client %s left document %s (remaining: %d users)",
		client.ID, client.DocumentID, remaining)

	// Drop the departed client's presence and tell everyone.
	h.awareMu.Lock()
	if aware, exists := h.awareness[client.DocumentID]; exists {
		delete(aware, client.ClientID)
	}
	h.awareMu.Unlock()

	leaveMsg, _ := json.Marshal(map[string]interface{}{
		"user": map[string]string{"id": client.UserID, "name": client.UserName},
	})
	h.enqueue(&BroadcastMessage{
		DocumentID: client.DocumentID,
		Frame:      protocol.Encode(protocol.MessageLeave, leaveMsg),
	})
	h.broadcastAwareness(client.DocumentID)
}

func (h *Hub) handleBroadcast(msg *BroadcastMessage) {
	h.mu.RLock()
	room := h.documents[msg.DocumentID]
	clients := make([]*Client, 0, len(room))
	for c := range room {
		clients = append(clients, c)
	}
	publish := h.publish
	h.mu.RUnlock()

	var stale []*Client
	for _, client := range clients {
		if msg.Sender != nil && client == msg.Sender {
			continue
		}
		select {
		case client.Send <- msg.Frame:
		default:
			// Buffer full: the connection is slow or dead.
			log.Printf("⚠️  client %s buffer full, dropping connection", client.ID)
			stale = append(stale, client)
		}
	}
	for _, client := range stale {
		h.enqueueUnregister(client)
	}

	if publish != nil && !msg.remote {
		publish.Publish(msg.DocumentID, msg.Frame)
	}
}

func (h *Hub) enqueue(msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func (h *Hub) enqueueUnregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// UpdateAwareness merges one client's broadcast states into the registry.
func (h *Hub) UpdateAwareness(documentID string, states map[int]*models.AwarenessState) {
	h.awareMu.Lock()
	if h.awareness[documentID] == nil {
		h.awareness[documentID] = make(map[int]*models.AwarenessState)
	}
	for id, state := range states {
		if state == nil {
			delete(h.awareness[documentID], id)
			continue
		}
		state.ClientID = id
		h.awareness[documentID][id] = state
	}
	h.awareMu.Unlock()
}

// Awareness returns a copy of the registry for one document.
func (h *Hub) Awareness(documentID string) map[int]*models.AwarenessState {
	h.awareMu.RLock()
	defer h.awareMu.RUnlock()
	out := make(map[int]*models.AwarenessState, len(h.awareness[documentID]))
	for id, state := range h.awareness[documentID] {
		out[id] = state
	}
	return out
}

// broadcastAwareness pushes the full current map to the whole room. Sending
// the full map keeps client trackers trivially consistent.
func (h *Hub) broadcastAwareness(documentID string) {
	payload, err := json.Marshal(h.Awareness(documentID))
	if err != nil {
		log.Printf("hub: encode awareness: %v", err)
		return
	}
	h.enqueue(&BroadcastMessage{
		DocumentID: documentID,
		Frame:      protocol.Encode(protocol.MessageAwareness, payload),
	})
}

// ActiveDocuments returns the ids of documents with at least one client.
func (h *Hub) ActiveDocuments() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.documents))
	for id := range h.documents {
		out = append(out, id)
	}
	return out
}

// Clients returns the active clients in one room.
func (h *Hub) Clients(documentID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.documents[documentID]
	out := make([]*Client, 0, len(room))
	for c := range room {
		out = append(out, c)
	}
	return out
}

// sweepLoop periodically drops connections that stopped ponging.
func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	const timeout = 5 * time.Minute
	now := time.Now()

	h.mu.RLock()
	var stale []*Client
	for _, room := range h.documents {
		for client := range room {
			if now.Sub(client.LastActiveAt) > timeout {
				stale = append(stale, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range stale {
		log.Printf("  dropping idle client %s", client.ID)
		h.enqueueUnregister(client)
	}
}

// Shutdown closes every connection and stops the loops.
func (h *Hub) Shutdown() {
	log.Println("🛑 Shutting down collaboration hub...")
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.documents {
		for client := range room {
			close(client.Send)
			client.Conn.Close()
		}
	}
	h.documents = make(map[string]map[*Client]bool)
	log.Println("✓ Collaboration hub shutdown complete")
}

// ReadPump consumes frames from one connection until it drops.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.enqueueUnregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.LastActiveAt = time.Now()
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("hub: read error for client %s: %v", c.ID, err)
			}
			break
		}
		c.LastActiveAt = time.Now()

		frame, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("hub: client %s sent malformed frame: %v", c.ID, err)
			continue
		}

		msgCtx, span := middleware.StartSpan(ctx, "Hub.ProcessFrame",
			attribute.String("session.id", c.ID),
			attribute.String("document.id", c.DocumentID),
			attribute.Int("frame.size", len(raw)),
			attribute.Int("frame.type", int(frame.Type)),
		)
		c.handleFrame(msgCtx, frame, raw)
		span.End()
	}
}

func (c *Client) handleFrame(ctx context.Context, frame protocol.Frame, raw []byte) {
	switch frame.Type {
	case protocol.MessageSyncUpdate:
		if c.Hub.store != nil {
			if err := c.Hub.store.StoreUpdate(ctx, c.DocumentID, frame.Payload, c.ClientID); err != nil {
				log.Printf("hub: persist update: %v", err)
				middleware.AddSpanError(ctx, err)
			}
		}
		c.Hub.enqueue(&BroadcastMessage{DocumentID: c.DocumentID, Frame: raw, Sender: c})

	case protocol.MessageSyncRequest:
		c.sendStoredState(ctx)

	case protocol.MessageAwareness:
		var states map[int]*models.AwarenessState
		if err := json.Unmarshal(frame.Payload, &states); err != nil {
			log.Printf("hub: client %s sent malformed awareness: %v", c.ID, err)
			return
		}
		c.Hub.UpdateAwareness(c.DocumentID, states)
		c.Hub.broadcastAwareness(c.DocumentID)

	case protocol.MessageAwarenessQuery:
		payload, err := json.Marshal(c.Hub.Awareness(c.DocumentID))
		if err != nil {
			return
		}
		c.trySend(protocol.Encode(protocol.MessageAwareness, payload))
	}
}

// sendStoredState replays the persisted update log to this client.
func (c *Client) sendStoredState(ctx context.Context) {
	if c.Hub.store == nil {
		return
	}
	updates, err := c.Hub.store.GetAllUpdates(ctx, c.DocumentID)
	if err != nil {
		log.Printf("hub: load updates for %s: %v", c.DocumentID, err)
		middleware.AddSpanError(ctx, err)
		return
	}
	for _, update := range updates {
		if !c.send(protocol.Encode(protocol.MessageSyncUpdate, update.Update)) {
			return
		}
	}
}

// send queues one frame, waiting for buffer space while the write pump
// drains. Every stored update must reach a joiner, so replays cannot use the
// lossy path. Returns false when the client stalls; the caller abandons the
// replay and the sweep reaps the connection.
func (c *Client) send(frame []byte) bool {
	select {
	case c.Send <- frame:
		return true
	case <-time.After(10 * time.Second):
		log.Printf("hub: client %s stalled, abandoning replay", c.ID)
		return false
	}
}

func (c *Client) trySend(frame []byte) {
	select {
	case c.Send <- frame:
	default:
		log.Printf("hub: client %s buffer full on direct send", c.ID)
	}
}

// WritePump drains the outbound queue. One writer goroutine per connection
// keeps slow clients from blocking the room.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(54 * time.Second) // below the 60s read deadline
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
