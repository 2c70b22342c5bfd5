package transport

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kylephillipsau/nosdesk-collab/internal/protocol"
)

/*
TRANSPORT CONNECTION MANAGER

One Conn owns the WebSocket link for one session. All connect and disconnect
decisions funnel through a single manager goroutine - the reconnect policy,
visibility suspension, and callers never touch the socket directly, they only
submit requests. That serializes reconnect attempts by construction and keeps
exactly one live socket per Conn.
*/

// Status is the connection state surfaced to the session and UI.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configures a Conn.
type Options struct {
	// URL is the full WebSocket endpoint for one document.
	URL string
	// Token is the bearer credential for the handshake. Required.
	Token string

	MaxReconnects     int
	ReconnectCooldown time.Duration
	// KeepaliveInterval spaces pings and resync frames; keep it below the
	// server's idle timeout so proxies don't reap the link.
	KeepaliveInterval time.Duration
	// SuspendGrace is how long a hidden page keeps its connection.
	SuspendGrace time.Duration

	Dialer *websocket.Dialer
}

// CloseInfo records the last observed close event for diagnostics.
type CloseInfo struct {
	Code   int
	Reason string
	Class  protocol.CloseClass
}

// Conn manages the WebSocket link and its reconnection policy.
type Conn struct {
	opts   Options
	policy *reconnectPolicy

	mu         sync.Mutex
	status     Status
	lastClose  CloseInfo
	suspended  bool
	graceTimer *time.Timer
	onMessage  func(protocol.Frame)
	onStatus   func(Status)

	outbound     chan []byte
	connectCh    chan struct{}
	disconnectCh chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
}

// New validates options and starts the manager goroutine. It does not dial;
// call Connect for that. A missing token fails fast here rather than
// producing an unauthenticated connection attempt later.
func New(opts Options) (*Conn, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("transport: URL is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("transport: no credential available")
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 5
	}
	if opts.ReconnectCooldown <= 0 {
		opts.ReconnectCooldown = 2 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	if opts.SuspendGrace <= 0 {
		opts.SuspendGrace = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	c := &Conn{
		opts:         opts,
		policy:       newReconnectPolicy(opts.MaxReconnects, opts.ReconnectCooldown),
		outbound:     make(chan []byte, 64),
		connectCh:    make(chan struct{}, 1),
		disconnectCh: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go c.manage()
	return c, nil
}

// OnMessage registers the inbound frame handler. Set before Connect.
func (c *Conn) OnMessage(fn func(protocol.Frame)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnStatus registers the state-change handler. Set before Connect.
func (c *Conn) OnStatus(fn func(Status)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// Status returns the current connection state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastClose returns the last observed close event.
func (c *Conn) LastClose() CloseInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastClose
}

// Connect asks the manager to establish the link. Returns immediately;
// watch OnStatus for the outcome.
func (c *Conn) Connect() {
	select {
	case c.connectCh <- struct{}{}:
	default:
	}
}

// Disconnect asks the manager to drop the link without destroying the Conn.
func (c *Conn) Disconnect() {
	select {
	case c.disconnectCh <- struct{}{}:
	default:
	}
}

// Close tears the Conn down for good. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.graceTimer != nil {
			c.graceTimer.Stop()
			c.graceTimer = nil
		}
		c.mu.Unlock()
		close(c.done)
	})
}

// Send queues one frame for delivery. The buffer survives reconnects, so
// frames queued while offline go out once the link is back.
func (c *Conn) Send(t protocol.MessageType, payload []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("transport: connection closed")
	default:
	}
	select {
	case c.outbound <- protocol.Encode(t, payload):
		return nil
	default:
		return fmt.Errorf("transport: outbound buffer full")
	}
}

// Suspend arms the visibility grace timer: if the page is still hidden when
// it fires, the link is dropped to conserve resources. Resume cancels it.
func (c *Conn) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended {
		return
	}
	c.suspended = true
	c.graceTimer = time.AfterFunc(c.opts.SuspendGrace, func() {
		c.mu.Lock()
		hidden := c.suspended
		c.mu.Unlock()
		if hidden {
			log.Printf("transport: page hidden for %v, releasing connection", c.opts.SuspendGrace)
			c.Disconnect()
		}
	})
}

// Resume cancels a pending suspension and reconnects if the link is down.
func (c *Conn) Resume() {
	c.mu.Lock()
	if !c.suspended {
		c.mu.Unlock()
		return
	}
	c.suspended = false
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	status := c.status
	c.mu.Unlock()

	if status != StatusConnected {
		c.Connect()
	}
}

// manage is the single connect/disconnect authority.
func (c *Conn) manage() {
	for {
		select {
		case <-c.done:
			return
		case <-c.connectCh:
			c.runConnection()
		}
	}
}

// runConnection dials and serves the link, retrying on unexpected closes
// until the policy is exhausted or a local disconnect arrives. Attempts are
// serialized: the next one starts only after the previous fully settled.
func (c *Conn) runConnection() {
	// A stale disconnect request must not kill the fresh connection.
	select {
	case <-c.disconnectCh:
	default:
	}
	// An explicit connect request gets a fresh attempt budget.
	c.policy.Reset()

	for {
		c.setStatus(StatusConnecting)
		ws, err := c.dial()
		if err != nil {
			c.setStatus(StatusDisconnected)
			if !c.cooldown(fmt.Sprintf("dial %s: %v", c.opts.URL, err)) {
				return
			}
			continue
		}

		c.policy.Reset()
		c.setStatus(StatusConnected)
		local := c.serve(ws)
		c.setStatus(StatusDisconnected)
		if local {
			return
		}
		if !c.cooldown("connection lost") {
			return
		}
	}
}

// cooldown waits out the policy delay before the next attempt. Returns false
// when retrying should stop (bound hit, local disconnect, or shutdown).
// Exhaustion is checked before counting so every counted attempt is actually
// dialed: MaxReconnects equals the number of real redials.
func (c *Conn) cooldown(cause string) bool {
	if c.policy.Exhausted() {
		log.Printf("transport: ERROR: %s; giving up after %d reconnect attempts", cause, c.policy.Attempts())
		return false
	}
	delay := c.policy.NextDelay()
	log.Printf("transport: %s; reconnecting in %v (attempt %d/%d)",
		cause, delay, c.policy.Attempts(), c.opts.MaxReconnects)

	select {
	case <-time.After(delay):
		return true
	case <-c.disconnectCh:
		return false
	case <-c.done:
		return false
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)
	ws, resp, err := c.opts.Dialer.Dial(c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected (%s): %w", resp.Status, err)
		}
		return nil, err
	}
	return ws, nil
}

// serve pumps one established connection until it drops. Returns true when
// the closure was locally requested (disconnect or shutdown).
func (c *Conn) serve(ws *websocket.Conn) (local bool) {
	stopWriter := make(chan struct{})
	writerDone := make(chan struct{})
	go c.writePump(ws, stopWriter, writerDone)

	readErr := make(chan error, 1)
	go func() {
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			frame, err := protocol.Decode(raw)
			if err != nil {
				log.Printf("transport: dropping malformed frame: %v", err)
				continue
			}
			c.deliver(frame)
		}
	}()

	select {
	case err := <-readErr:
		c.recordClose(err)
		local = false
	case <-c.disconnectCh:
		local = true
	case <-c.done:
		local = true
	}

	close(stopWriter)
	if local {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
	ws.Close()
	<-writerDone
	return local
}

// writePump owns all writes for one connection: queued frames, pings, and
// the periodic resync signal that keeps idle links alive through proxies.
func (c *Conn) writePump(ws *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	keepalive := time.NewTicker(c.opts.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-stop:
			return
		case msg := <-c.outbound:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-keepalive.C:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.BinaryMessage,
				protocol.Encode(protocol.MessageSyncRequest, nil)); err != nil {
				return
			}
		}
	}
}

func (c *Conn) deliver(frame protocol.Frame) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// recordClose classifies the close for diagnostics. The class scales log
// severity only; it never changes reconnection behavior.
func (c *Conn) recordClose(err error) {
	info := CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
	if ce, ok := err.(*websocket.CloseError); ok {
		info.Code = ce.Code
		info.Reason = ce.Text
	}
	info.Class = protocol.ClassifyClose(info.Code)

	c.mu.Lock()
	c.lastClose = info
	c.mu.Unlock()

	switch info.Class {
	case protocol.CloseNormal:
		log.Printf("transport: connection closed (%d)", info.Code)
	case protocol.ClosePolicy:
		log.Printf("transport: ERROR: closed by policy (%d %s) - check credentials", info.Code, info.Reason)
	case protocol.CloseServerError:
		log.Printf("transport: ERROR: server error close (%d %s)", info.Code, info.Reason)
	default:
		log.Printf("transport: abnormal close (%d %s)", info.Code, info.Reason)
	}
}
