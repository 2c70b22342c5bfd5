package session

import "github.com/kylephillipsau/nosdesk-collab/internal/crdt"

// View is the rendering state handed to the surface: a document handle and
// whether edits are allowed. The revision viewer swaps a read-only View in
// and out without touching the live session.
type View struct {
	Doc      crdt.Handle
	ReadOnly bool
}

// Surface is the rich-text rendering collaborator. The real editor lives
// outside this module; in-repo implementations are the agent's plain mirror
// and test fakes.
type Surface interface {
	// Create binds the surface to its initial view. Called once per session.
	Create(v View) error
	// UpdateState replaces the displayed view.
	UpdateState(v View)
	// State returns the currently displayed view, false if none.
	State() (View, bool)
	// Destroy releases the binding. Must tolerate repeated calls.
	Destroy()
}
