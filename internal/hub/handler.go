package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kylephillipsau/nosdesk-collab/internal/middleware"
	"github.com/kylephillipsau/nosdesk-collab/internal/models"
	"github.com/kylephillipsau/nosdesk-collab/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to the helpdesk origin once it is configurable
		return true
	},
}

// Handler upgrades document connections and hands them to the hub.
type Handler struct {
	hub   *Hub
	token string
}

// NewHandler creates a WebSocket handler. token is the shared bearer
// credential every handshake must present.
func NewHandler(hub *Hub, token string) *Handler {
	return &Handler{hub: hub, token: token}
}

// authorized checks the ambient credential: an Authorization header for
// programmatic clients, a token query parameter or cookie for browsers.
func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return false // refuse to run unauthenticated
	}
	if auth := r.Header.Get("Authorization"); auth == "Bearer "+h.token {
		return true
	}
	if r.URL.Query().Get("token") == h.token {
		return true
	}
	if c, err := r.Cookie("collab_token"); err == nil && c.Value == h.token {
		return true
	}
	return false
}

// HandleDocument handles a WebSocket connection for one document room.
func (h *Handler) HandleDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := mux.Vars(r)["id"]

	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	userID := r.URL.Query().Get("user_id")
	userName := r.URL.Query().Get("user_name")
	if userID == "" {
		userID = "anonymous"
	}
	if userName == "" {
		userName = "Anonymous"
	}
	clientID, _ := strconv.Atoi(r.URL.Query().Get("client_id"))
	if clientID == 0 {
		clientID = int(time.Now().UnixNano() % 1_000_000)
	}

	ctx, span := middleware.StartSpan(ctx, "Hub.Connect",
		attribute.String("document.id", documentID),
		attribute.String("user.id", userID),
		attribute.Int("client.id", clientID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade failed: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	client := &Client{
		Session:  models.NewSession(documentID, userID, userName),
		Conn:     conn,
		Send:     make(chan []byte, 256),
		Hub:      h.hub,
		ClientID: clientID,
	}

	h.hub.register <- client

	// The write pump must be draining before the replay starts: a stored log
	// longer than the send buffer would otherwise drop its tail and joiners
	// would reconstruct a truncated document.
	go client.WritePump(ctx)
	h.sendInitialState(client)
	go client.ReadPump(ctx)

	log.Printf("✓ connection established for document %s (user: %s, client: %d)",
		documentID, userName, clientID)
}

// sendInitialState replays the stored update log, then the awareness map,
// so a joiner reconstructs both document and presence before live traffic.
func (h *Handler) sendInitialState(client *Client) {
	client.sendStoredState(context.Background())

	if aware := h.hub.Awareness(client.DocumentID); len(aware) > 0 {
		payload, err := json.Marshal(aware)
		if err != nil {
			return
		}
		client.send(protocol.Encode(protocol.MessageAwareness, payload))
	}
}
