package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kylephillipsau/nosdesk-collab/internal/models"
)

// Controller owns the one live session for a mounted editor. Switching
// documents tears the old session down completely before the new one is
// constructed; the mutex serializes open/close so two connections can never
// race for the same editor.
type Controller struct {
	opts     Options
	surface  Surface
	mu       sync.Mutex
	identity models.UserInfo
	current  *Session
}

// NewController creates a controller for one editor instance.
func NewController(identity models.UserInfo, surface Surface, opts Options) *Controller {
	return &Controller{
		opts:     opts.withDefaults(),
		surface:  surface,
		identity: identity,
	}
}

// Open binds the editor to documentID. Any previous session is closed first,
// with a settling delay so asynchronous disconnects finish before the new
// connection goes up.
func (c *Controller) Open(documentID string) error {
	if documentID == "" {
		return fmt.Errorf("session: empty document id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		if err := c.current.Close(); err != nil {
			log.Printf("session: closing previous session: %v", err)
		}
		if c.opts.SettleDelay > 0 {
			time.Sleep(c.opts.SettleDelay)
		}
	}

	c.current = newSession(documentID, c.identity, c.surface, c.opts)
	return c.current.Open()
}

// Close tears down the current session, if any. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	err := c.current.Close()
	c.current = nil
	return err
}

// Current returns the live session, nil when none is open.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SetDisplayName updates the local identity and republishes it into the
// live session's presence channel, preserving the other identity fields.
func (c *Controller) SetDisplayName(name string) error {
	c.mu.Lock()
	c.identity.Name = name
	current := c.current
	c.mu.Unlock()

	if current == nil {
		return nil
	}
	tracker := current.Presence()
	if tracker == nil {
		return nil
	}
	return tracker.SetLocalName(name)
}

// Suspend forwards a visibility loss to the live session.
func (c *Controller) Suspend() {
	if s := c.Current(); s != nil {
		s.Suspend()
	}
}

// Resume forwards a visibility return to the live session.
func (c *Controller) Resume() {
	if s := c.Current(); s != nil {
		s.Resume()
	}
}
