package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kylephillipsau/nosdesk-collab/internal/crdt"
	"github.com/kylephillipsau/nosdesk-collab/internal/models"
	"github.com/kylephillipsau/nosdesk-collab/internal/protocol"
	"github.com/kylephillipsau/nosdesk-collab/internal/transport"
)

// fakeTransport satisfies Transport without a network. The shared live
// counter lets tests assert the at-most-one-connection invariant.
type fakeTransport struct {
	mu        sync.Mutex
	status    transport.Status
	closed    bool
	sent      []protocol.Frame
	onMessage func(protocol.Frame)
	onStatus  func(transport.Status)

	live *atomic.Int32
}

func (f *fakeTransport) Connect() {
	f.mu.Lock()
	f.status = transport.StatusConnected
	fn := f.onStatus
	f.mu.Unlock()
	if f.live != nil {
		f.live.Add(1)
	}
	if fn != nil {
		fn(transport.StatusConnected)
	}
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	wasConnected := f.status == transport.StatusConnected && !f.closed
	f.closed = true
	f.status = transport.StatusDisconnected
	f.mu.Unlock()
	if wasConnected && f.live != nil {
		f.live.Add(-1)
	}
}

func (f *fakeTransport) Suspend() {}
func (f *fakeTransport) Resume()  {}

func (f *fakeTransport) Send(t protocol.MessageType, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("closed")
	}
	f.sent = append(f.sent, protocol.Frame{Type: t, Payload: payload})
	return nil
}

func (f *fakeTransport) OnMessage(fn func(protocol.Frame)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnStatus(fn func(transport.Status)) {
	f.mu.Lock()
	f.onStatus = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// inject simulates an inbound frame from the server.
func (f *fakeTransport) inject(frame protocol.Frame) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

func (f *fakeTransport) sentFrames() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.sent...)
}

// fakeSurface records lifecycle calls.
type fakeSurface struct {
	mu         sync.Mutex
	view       *View
	destroys   int
	failCreate int // fail this many Create calls before succeeding
}

func (s *fakeSurface) Create(v View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate > 0 {
		s.failCreate--
		return fmt.Errorf("surface not mounted yet")
	}
	s.view = &v
	return nil
}

func (s *fakeSurface) UpdateState(v View) {
	s.mu.Lock()
	s.view = &v
	s.mu.Unlock()
}

func (s *fakeSurface) State() (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == nil {
		return View{}, false
	}
	return *s.view, true
}

func (s *fakeSurface) Destroy() {
	s.mu.Lock()
	s.view = nil
	s.destroys++
	s.mu.Unlock()
}

type harness struct {
	mu       sync.Mutex
	current  *fakeTransport
	made     atomic.Int32
	live     atomic.Int32
	maxLive  atomic.Int32
	failNext atomic.Int32  // fail this many constructions
	gate     chan struct{} // when set, constructions block here
}

func (h *harness) newTransport(docID string) (Transport, error) {
	if h.gate != nil {
		<-h.gate
	}
	if h.failNext.Load() > 0 {
		h.failNext.Add(-1)
		h.made.Add(1)
		return nil, fmt.Errorf("no credential available")
	}
	h.made.Add(1)
	ft := &fakeTransport{live: &h.live}
	h.mu.Lock()
	h.current = ft
	h.mu.Unlock()
	return ft, nil
}

func (h *harness) transport() *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *harness) options() Options {
	return Options{
		OpenRetries:    2,
		OpenRetryDelay: 20 * time.Millisecond,
		SettleDelay:    time.Millisecond,
		NewTransport:   h.newTransport,
	}
}

func alice() models.UserInfo {
	return models.UserInfo{ID: "user-alice", Name: "Alice"}
}

func TestOpenWiresEverything(t *testing.T) {
	h := &harness{}
	surface := &fakeSurface{}
	c := NewController(alice(), surface, h.options())

	if err := c.Open("doc-42"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	sess := c.Current()
	if sess.State() != StateActive {
		t.Fatalf("state = %v, want active", sess.State())
	}
	if _, ok := surface.State(); !ok {
		t.Error("surface was not attached")
	}

	// Connecting must have announced identity and requested sync.
	frames := h.transport().sentFrames()
	var sawAwareness, sawSyncReq bool
	for _, f := range frames {
		switch f.Type {
		case protocol.MessageAwareness:
			sawAwareness = true
		case protocol.MessageSyncRequest:
			sawSyncReq = true
		}
	}
	if !sawAwareness || !sawSyncReq {
		t.Errorf("expected identity publish and sync request, got %v", frames)
	}

	// A remote update lands in the document.
	remote := crdt.NewDoc(999)
	var updates [][]byte
	remote.SubscribeUpdates(func(u []byte) { updates = append(updates, u) })
	remote.InsertAt(0, "hello")
	for _, u := range updates {
		h.transport().inject(protocol.Frame{Type: protocol.MessageSyncUpdate, Payload: u})
	}
	if got := sess.Doc().Text(); got != "hello" {
		t.Errorf("doc text = %q, want %q", got, "hello")
	}

	// A local edit goes out as a sync update.
	before := len(h.transport().sentFrames())
	if err := sess.Doc().(*crdt.Doc).InsertAt(5, "!"); err != nil {
		t.Fatalf("local edit failed: %v", err)
	}
	after := h.transport().sentFrames()
	if len(after) != before+1 || after[len(after)-1].Type != protocol.MessageSyncUpdate {
		t.Errorf("local edit was not sent: %v", after[before:])
	}
}

func TestPresenceFlowsThroughSession(t *testing.T) {
	h := &harness{}
	c := NewController(alice(), &fakeSurface{}, h.options())
	if err := c.Open("doc-42"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	sess := c.Current()

	payload, _ := json.Marshal(map[int]models.AwarenessState{
		sess.ClientID(): {User: &models.UserInfo{Name: "Alice"}},
		7:              {User: &models.UserInfo{Name: "Bob", Color: "#fb923c"}},
	})
	h.transport().inject(protocol.Frame{Type: protocol.MessageAwareness, Payload: payload})

	list := sess.Participants()
	if len(list) != 1 || list[0].ClientID != 7 {
		t.Fatalf("participants = %+v, want just Bob", list)
	}
}

func TestTeardownCompleteness(t *testing.T) {
	h := &harness{}
	surface := &fakeSurface{}
	c := NewController(alice(), surface, h.options())
	if err := c.Open("doc-42"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	sess := c.Current()
	doc := sess.Doc()
	ft := h.transport()

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if sess.State() != StateClosed {
		t.Errorf("state = %v, want closed", sess.State())
	}
	if sess.Doc() != nil {
		t.Error("doc handle should be nulled after close")
	}
	if surface.destroys == 0 {
		t.Error("surface was not destroyed")
	}
	if h.live.Load() != 0 {
		t.Errorf("live connections after close = %d, want 0", h.live.Load())
	}

	// Events fired immediately after close must not mutate anything.
	textBefore := doc.Text()
	ft.inject(protocol.Frame{Type: protocol.MessageSyncUpdate, Payload: []byte(`{"ops":[]}`)})
	ft.inject(protocol.Frame{Type: protocol.MessageAwareness, Payload: []byte(`{"7":{"user":{"name":"Bob"}}}`)})
	if doc.Text() != textBefore {
		t.Error("destroyed doc mutated by post-close event")
	}
	if got := sess.Participants(); len(got) != 0 {
		t.Errorf("participants after close = %+v, want none", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := &harness{}
	c := NewController(alice(), &fakeSurface{}, h.options())
	if err := c.Open("doc-42"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestDoubleOpenReported(t *testing.T) {
	h := &harness{}
	c := NewController(alice(), &fakeSurface{}, h.options())
	if err := c.Open("doc-42"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := c.Current().Open(); err == nil {
		t.Fatal("opening an active session should be reported as an error")
	}
}

func TestAtMostOneLiveConnection(t *testing.T) {
	h := &harness{}
	c := NewController(alice(), &fakeSurface{}, h.options())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := h.live.Load(); n > h.maxLive.Load() {
				h.maxLive.Store(n)
			}
		}
	}()

	for i := 0; i < 20; i++ {
		if err := c.Open(fmt.Sprintf("doc-%d", i)); err != nil {
			t.Fatalf("Open failed: %v", err)
		}
	}
	close(stop)
	wg.Wait()
	c.Close()

	if h.maxLive.Load() > 1 {
		t.Errorf("observed %d simultaneous live connections, want <= 1", h.maxLive.Load())
	}
	if h.live.Load() != 0 {
		t.Errorf("live connections after close = %d, want 0", h.live.Load())
	}
}

func TestFailedOpenRetriesExactlyOnce(t *testing.T) {
	h := &harness{}
	h.failNext.Store(1)
	c := NewController(alice(), &fakeSurface{}, h.options())

	if err := c.Open("doc-42"); err == nil {
		t.Fatal("expected first open to fail")
	}
	if h.made.Load() != 1 {
		t.Fatalf("constructions = %d, want 1", h.made.Load())
	}

	// Exactly one scheduled retry inside the observation window, and it
	// succeeds.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Current().State() == StateActive {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.Current().State() != StateActive {
		t.Fatal("retry never recovered the session")
	}
	if h.made.Load() != 2 {
		t.Errorf("constructions = %d, want 2 (one failure, one retry)", h.made.Load())
	}

	// No retry storm afterwards.
	time.Sleep(100 * time.Millisecond)
	if h.made.Load() != 2 {
		t.Errorf("constructions grew to %d after success", h.made.Load())
	}
}

func TestFailedOpenRetryBound(t *testing.T) {
	h := &harness{}
	h.failNext.Store(100)
	opts := h.options() // OpenRetries: 2
	c := NewController(alice(), &fakeSurface{}, opts)

	if err := c.Open("doc-42"); err == nil {
		t.Fatal("expected open to fail")
	}

	// Initial attempt plus two bounded retries, then it parks.
	time.Sleep(300 * time.Millisecond)
	if got := h.made.Load(); got != 3 {
		t.Errorf("constructions = %d, want 3 (1 open + 2 retries)", got)
	}
	if c.Current().State() != StateUninitialized {
		t.Errorf("state = %v, want uninitialized", c.Current().State())
	}
}

func TestCloseDuringInFlightOpenStaysClosed(t *testing.T) {
	gate := make(chan struct{})
	h := &harness{gate: gate}
	surface := &fakeSurface{}
	s := newSession("doc-42", alice(), surface, h.options())

	openDone := make(chan error, 1)
	go func() { openDone <- s.Open() }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.State() != StateOpening {
		time.Sleep(time.Millisecond)
	}
	if s.State() != StateOpening {
		t.Fatal("open never reached opening")
	}

	// Close while the open is stalled inside transport construction.
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}

	// Release the stalled construction; the finished graph must be
	// discarded, not installed.
	close(gate)
	if err := <-openDone; err == nil {
		t.Fatal("open completing after close must be reported")
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.live.Load() != 0 {
		time.Sleep(time.Millisecond)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, closed is terminal", s.State())
	}
	if s.Doc() != nil {
		t.Error("doc handle installed after close")
	}
	if h.live.Load() != 0 {
		t.Errorf("leaked %d live connection(s)", h.live.Load())
	}
}

func TestCloseCancelsScheduledRetry(t *testing.T) {
	h := &harness{}
	h.failNext.Store(100)
	c := NewController(alice(), &fakeSurface{}, h.options())

	if err := c.Open("doc-42"); err == nil {
		t.Fatal("expected open to fail")
	}
	sess := c.Current()
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The pending retry must not fire, and nothing may revive the session.
	time.Sleep(50 * time.Millisecond) // let a retry already in flight settle
	made := h.made.Load()
	time.Sleep(100 * time.Millisecond)
	if got := h.made.Load(); got != made {
		t.Errorf("constructions after close: %d -> %d, want none", made, got)
	}
	if sess.State() != StateClosed {
		t.Errorf("state = %v, want closed", sess.State())
	}
}

func TestSurfaceFailureCleansUpTransport(t *testing.T) {
	h := &harness{}
	surface := &fakeSurface{failCreate: 1}
	opts := h.options()
	opts.OpenRetries = 1
	opts.OpenRetryDelay = 10 * time.Millisecond
	c := NewController(alice(), surface, opts)

	if err := c.Open("doc-42"); err == nil {
		t.Fatal("expected open to fail while surface is unavailable")
	}
	if h.live.Load() != 0 {
		t.Errorf("transport leaked after failed surface attach: %d live", h.live.Load())
	}

	// The single retry finds the surface mounted and recovers.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Current().State() == StateActive {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.Current().State() != StateActive {
		t.Fatal("session never recovered once the surface was available")
	}
}

func TestSetDisplayNameRepublishes(t *testing.T) {
	h := &harness{}
	c := NewController(alice(), &fakeSurface{}, h.options())
	if err := c.Open("doc-42"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := c.SetDisplayName("Alice Cooper"); err != nil {
		t.Fatalf("SetDisplayName failed: %v", err)
	}

	frames := h.transport().sentFrames()
	last := frames[len(frames)-1]
	if last.Type != protocol.MessageAwareness {
		t.Fatalf("expected awareness frame, got %d", last.Type)
	}
	var sent map[int]models.AwarenessState
	if err := json.Unmarshal(last.Payload, &sent); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	state := sent[c.Current().ClientID()]
	if state.User == nil || state.User.Name != "Alice Cooper" {
		t.Errorf("published state = %+v", state)
	}
	if state.User.Color == "" {
		t.Error("rename dropped the color field")
	}
}
