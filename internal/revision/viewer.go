package revision

import (
	"encoding/base64"
	"fmt"
	"log"
	"sync"

	"github.com/kylephillipsau/nosdesk-collab/internal/crdt"
	"github.com/kylephillipsau/nosdesk-collab/internal/models"
	"github.com/kylephillipsau/nosdesk-collab/internal/session"
)

// Viewer presents a historical snapshot read-only and returns cleanly to
// live editing. Viewing is purely a surface swap backed by a disposable
// handle: the live document handle and connection are never touched, so
// browsing history can't disturb the collaborative session.
type Viewer struct {
	mu      sync.Mutex
	surface session.Surface
	viewing bool
	saved   *session.View
	tmp     crdt.Handle
}

// NewViewer creates a viewer bound to the editor's rendering surface.
func NewViewer(surface session.Surface) *Viewer {
	return &Viewer{surface: surface}
}

// Viewing reports whether a snapshot is currently displayed.
func (v *Viewer) Viewing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.viewing
}

// View decodes the snapshot, seeds an isolated handle from it (GC off so
// historical structure is never pruned), captures the live view, and swaps
// the surface to the read-only copy. On failure nothing is swapped and the
// viewing flag is reset - no half-viewing state.
func (v *Viewer) View(snap models.RevisionSnapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("revision: panic viewing revision %d: %v", snap.Revision, r)
			log.Printf("revision: ERROR: %v", err)
		}
	}()

	raw, err := base64.StdEncoding.DecodeString(snap.Content)
	if err != nil {
		log.Printf("revision: bad snapshot content for revision %d: %v", snap.Revision, err)
		return fmt.Errorf("revision: decode snapshot: %w", err)
	}

	tmp := crdt.NewDoc(0)
	tmp.SetGC(false)
	if err := tmp.ApplyUpdate(raw); err != nil {
		tmp.Destroy()
		log.Printf("revision: cannot reconstruct revision %d: %v", snap.Revision, err)
		return fmt.Errorf("revision: apply snapshot: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.viewing {
		// Capture the live state once; switching between revisions keeps
		// the original capture.
		live, ok := v.surface.State()
		if !ok {
			tmp.Destroy()
			return fmt.Errorf("revision: no live state to capture")
		}
		v.saved = &live
	} else if v.tmp != nil {
		v.tmp.Destroy()
	}

	v.tmp = tmp
	v.surface.UpdateState(session.View{Doc: tmp, ReadOnly: true})
	v.viewing = true
	log.Printf("revision: viewing revision %d", snap.Revision)
	return nil
}

// Exit restores the captured live view and discards the temporary handle.
// Calling Exit without a prior successful View is a caller bug and is
// reported, not silently ignored.
func (v *Viewer) Exit() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("revision: panic exiting revision view: %v", r)
			log.Printf("revision: ERROR: %v", err)
		}
	}()

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.viewing || v.saved == nil {
		return fmt.Errorf("revision: exit called without an active revision view")
	}

	v.surface.UpdateState(*v.saved)
	if v.tmp != nil {
		v.tmp.Destroy()
		v.tmp = nil
	}
	v.saved = nil
	v.viewing = false
	return nil
}
