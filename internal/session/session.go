package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kylephillipsau/nosdesk-collab/internal/crdt"
	"github.com/kylephillipsau/nosdesk-collab/internal/models"
	"github.com/kylephillipsau/nosdesk-collab/internal/presence"
	"github.com/kylephillipsau/nosdesk-collab/internal/protocol"
	"github.com/kylephillipsau/nosdesk-collab/internal/transport"
)

/*
SESSION LIFECYCLE

One Session owns every resource scoped to one document: the shared document
handle, the transport connection, the presence tracker, and the surface
binding. Open builds them in dependency order; Close tears them down in the
reverse-traffic order (connection first, so no remote update can fire into a
half-destroyed object graph) and nulls the fields so stale access after
close is detectable.

State machine: Uninitialized -> Opening -> Active -> Closing -> Closed.
Closed is terminal; the Controller creates a fresh Session per document.
*/

// State is the session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateOpening
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// Transport is what the session needs from the connection layer.
// transport.Conn satisfies it; tests substitute fakes.
type Transport interface {
	Connect()
	Close()
	Suspend()
	Resume()
	Send(t protocol.MessageType, payload []byte) error
	OnMessage(fn func(protocol.Frame))
	OnStatus(fn func(transport.Status))
	Status() transport.Status
}

// Suspend forwards visibility loss to the transport's grace timer.
func (s *Session) Suspend() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Suspend()
	}
}

// Resume cancels a pending suspension and reconnects if needed.
func (s *Session) Resume() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Resume()
	}
}

// Options configures session construction.
type Options struct {
	ServerURL string
	Token     string

	MaxReconnects     int
	ReconnectCooldown time.Duration
	KeepaliveInterval time.Duration
	SuspendGrace      time.Duration

	// OpenRetries bounds automatic retries after a failed open. Each failure
	// schedules exactly one retry; after the bound the session parks in
	// Uninitialized and the failure is reported.
	OpenRetries    int
	OpenRetryDelay time.Duration
	// SettleDelay lets asynchronous teardown finish between closing one
	// document's session and opening the next.
	SettleDelay time.Duration

	// NewTransport overrides connection construction (tests).
	NewTransport func(docID string) (Transport, error)
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.OpenRetries <= 0 {
		opts.OpenRetries = 5
	}
	if opts.OpenRetryDelay <= 0 {
		opts.OpenRetryDelay = time.Second
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.NewTransport == nil {
		opts.NewTransport = func(docID string) (Transport, error) {
			return transport.New(transport.Options{
				URL:               fmt.Sprintf("%s/ws/document/%s", opts.ServerURL, docID),
				Token:             opts.Token,
				MaxReconnects:     opts.MaxReconnects,
				ReconnectCooldown: opts.ReconnectCooldown,
				KeepaliveInterval: opts.KeepaliveInterval,
				SuspendGrace:      opts.SuspendGrace,
			})
		}
	}
	return opts
}

// Session is one collaborative editing context for one document id.
type Session struct {
	opts     Options
	docID    string
	identity models.UserInfo
	surface  Surface

	mu       sync.Mutex
	state    State
	clientID int
	doc      *crdt.Doc
	conn     Transport
	tracker  *presence.Tracker
	unsubDoc func()

	retries    int
	retryTimer *time.Timer
}

func newSession(docID string, identity models.UserInfo, surface Surface, opts Options) *Session {
	return &Session{
		opts:     opts,
		docID:    docID,
		identity: identity,
		surface:  surface,
		// Random, not clock-derived: two sessions opened in the same
		// instant must still get distinct ids.
		clientID: int(uuid.New().ID()),
	}
}

// DocumentID returns the document this session is bound to.
func (s *Session) DocumentID() string {
	return s.docID
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientID returns the connection-scoped identity of this participant.
func (s *Session) ClientID() int {
	return s.clientID
}

// Doc returns the live shared-document handle, nil after close.
func (s *Session) Doc() crdt.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil
	}
	return s.doc
}

// Surface returns the rendering surface binding.
func (s *Session) Surface() Surface {
	return s.surface
}

// Participants returns the current displayable collaborator list.
func (s *Session) Participants() []models.AwarenessState {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker == nil {
		return nil
	}
	return tracker.Participants()
}

// Presence returns the tracker, nil after close.
func (s *Session) Presence() *presence.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

// ConnStatus reports the transport state for the connected/disconnected
// indicator. Never a blocking dialog.
func (s *Session) ConnStatus() transport.Status {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return transport.StatusDisconnected
	}
	return conn.Status()
}

// Open constructs all session-scoped resources. A failed attempt logs,
// schedules exactly one retry, and leaves the session Uninitialized. Calling
// Open on an Opening or Active session is a caller bug and is reported.
func (s *Session) Open() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session: panic during open: %v", r)
			log.Printf("session: ERROR: %v", err)
		}
	}()

	s.mu.Lock()
	switch s.state {
	case StateOpening, StateActive:
		s.mu.Unlock()
		return fmt.Errorf("session: open called on %s session for %q", s.state, s.docID)
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return fmt.Errorf("session: session for %q is %s", s.docID, s.state)
	}
	s.state = StateOpening
	s.mu.Unlock()

	g, err := s.build()
	if err != nil {
		log.Printf("session: open %q failed: %v", s.docID, err)
		s.scheduleRetry()
		return err
	}

	// Close may have run while build was in flight. Closed is terminal: the
	// finished graph must not resurrect the session, so it is discarded.
	s.mu.Lock()
	if s.state != StateOpening {
		state := s.state
		s.mu.Unlock()
		s.discard(g)
		return fmt.Errorf("session: %q became %s during open", s.docID, state)
	}
	s.doc = g.doc
	s.conn = g.conn
	s.tracker = g.tracker
	s.unsubDoc = g.unsub
	s.state = StateActive
	s.retries = 0
	s.mu.Unlock()
	log.Printf("session: %q active (client %d)", s.docID, s.clientID)
	return nil
}

// graph bundles the resources one open attempt assembles. It becomes the
// session's live state only after Open confirms the session is still Opening.
type graph struct {
	doc     *crdt.Doc
	conn    Transport
	tracker *presence.Tracker
	unsub   func()
}

// build assembles handle -> transport -> surface -> presence -> listeners.
// On any failure the partial graph is torn down before returning.
func (s *Session) build() (*graph, error) {
	doc := crdt.NewDoc(uint32(s.clientID))

	conn, err := s.opts.NewTransport(s.docID)
	if err != nil {
		doc.Destroy()
		return nil, fmt.Errorf("create transport: %w", err)
	}

	if err := s.surface.Create(View{Doc: doc}); err != nil {
		conn.Close()
		doc.Destroy()
		return nil, fmt.Errorf("attach surface: %w", err)
	}

	if s.identity.Color == "" {
		s.identity.Color = models.ColorFor(s.identity.ID)
	}
	tracker := presence.NewTracker(s.clientID, s.identity, conn)

	conn.OnMessage(func(f protocol.Frame) {
		switch f.Type {
		case protocol.MessageSyncUpdate:
			if err := doc.ApplyUpdate(f.Payload); err != nil {
				log.Printf("session: apply remote update: %v", err)
			}
		case protocol.MessageSyncRequest:
			state, err := doc.EncodeState()
			if err != nil {
				log.Printf("session: encode state for sync: %v", err)
				return
			}
			if err := conn.Send(protocol.MessageSyncUpdate, state); err != nil {
				log.Printf("session: send sync state: %v", err)
			}
		case protocol.MessageAwareness, protocol.MessageAwarenessQuery:
			tracker.HandleFrame(f)
		}
	})
	conn.OnStatus(func(st transport.Status) {
		if st == transport.StatusConnected {
			// Fresh link: announce ourselves and ask for anything we missed.
			if err := tracker.PublishLocal(); err != nil {
				log.Printf("session: publish identity: %v", err)
			}
			if err := conn.Send(protocol.MessageSyncRequest, nil); err != nil {
				log.Printf("session: request sync: %v", err)
			}
		}
	})
	unsub := doc.SubscribeUpdates(func(update []byte) {
		if err := conn.Send(protocol.MessageSyncUpdate, update); err != nil {
			log.Printf("session: send local update: %v", err)
		}
	})

	conn.Connect()

	return &graph{doc: doc, conn: conn, tracker: tracker, unsub: unsub}, nil
}

// discard tears down a graph that never became the session's live state,
// in the same order Close uses.
func (s *Session) discard(g *graph) {
	g.conn.Close()
	s.surface.Destroy()
	g.conn.OnMessage(nil)
	g.conn.OnStatus(nil)
	g.unsub()
	g.doc.Destroy()
}

// scheduleRetry arms at most one timer per failed open, bounded by
// OpenRetries.
func (s *Session) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A session closed mid-open stays closed; no retry may revive it.
	if s.state == StateClosing || s.state == StateClosed {
		return
	}
	s.state = StateUninitialized
	if s.retries >= s.opts.OpenRetries {
		log.Printf("session: ERROR: giving up on %q after %d failed open attempts", s.docID, s.retries)
		return
	}
	s.retries++
	attempt := s.retries
	s.retryTimer = time.AfterFunc(s.opts.OpenRetryDelay, func() {
		s.mu.Lock()
		stale := s.state != StateUninitialized
		s.mu.Unlock()
		if stale {
			return
		}
		log.Printf("session: retrying open %q (attempt %d/%d)", s.docID, attempt, s.opts.OpenRetries)
		_ = s.Open()
	})
}

// Close tears the session down. Idempotent. Order matters: the connection is
// disconnected before the surface and handle are destroyed, and listeners
// are removed before the objects they observe go away.
func (s *Session) Close() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session: panic during close: %v", r)
			log.Printf("session: ERROR: %v", err)
		}
	}()

	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	conn := s.conn
	doc := s.doc
	unsub := s.unsubDoc
	s.conn = nil
	s.doc = nil
	s.tracker = nil
	s.unsubDoc = nil
	s.mu.Unlock()

	// 1. Stop inbound/outbound traffic.
	if conn != nil {
		conn.Close()
	}
	// 2. Release the surface binding.
	s.surface.Destroy()
	// 3. Remove listeners before destroying what they observe.
	if conn != nil {
		conn.OnMessage(nil)
		conn.OnStatus(nil)
	}
	if unsub != nil {
		unsub()
	}
	// 4. Destroy the shared-document handle.
	if doc != nil {
		doc.Destroy()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	log.Printf("session: %q closed", s.docID)
	return nil
}
