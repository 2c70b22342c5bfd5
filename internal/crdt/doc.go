package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
)

/*
REPLICATED TEXT DOCUMENT

The rest of the system treats the shared document as a black box behind the
Handle interface: updates in, updates out, no assumptions about the merge
algorithm beyond "eventually consistent, order-independent apply".

The implementation behind it is an RGA (Replicated Growable Array) over runes:
every insert names the element it goes after, concurrent siblings are ordered
by (clock, client) so all replicas linearize the tree identically, and deletes
leave tombstones. Applying an update is idempotent and commutative - any
permutation or duplication of a set of updates converges to the same text.
*/

// ID identifies one inserted element. The zero ID is the document root.
type ID struct {
	Client uint32 `json:"c"`
	Clock  uint32 `json:"k"`
}

// Op is a single replicated operation.
// For "ins", Ref is the parent element; for "del", Ref is the target.
type Op struct {
	Kind string `json:"op"` // "ins" or "del"
	ID   ID     `json:"id,omitempty"`
	Ref  ID     `json:"ref"`
	Ch   string `json:"ch,omitempty"`
	Dead bool   `json:"dead,omitempty"` // set on snapshot ops for tombstoned elements
}

// Update is the wire form of a batch of ops. Snapshots use the same encoding,
// so a snapshot is just a large update applied to an empty document.
type Update struct {
	Ops []Op `json:"ops"`
}

// Handle is the narrow surface the session layer depends on.
type Handle interface {
	// ApplyUpdate merges a remote update into the document.
	ApplyUpdate(b []byte) error
	// EncodeState serializes the whole document as one update.
	EncodeState() ([]byte, error)
	// SubscribeUpdates registers a callback for locally generated updates.
	// Remote applies do not fire it. The returned func cancels the subscription.
	SubscribeUpdates(fn func(update []byte)) (cancel func())
	// Text returns the current visible text.
	Text() string
	// SetGC toggles tombstone pruning on encoded snapshots.
	SetGC(enabled bool)
	// Destroy invalidates the handle; all later operations fail or no-op.
	Destroy()
}

type node struct {
	id       ID
	ch       rune
	deleted  bool
	children []*node // ordered desc by (clock, client)
}

// Doc is the concrete replicated document.
type Doc struct {
	mu      sync.Mutex
	client  uint32
	clock   uint32
	root    *node
	index   map[ID]*node
	pending map[ID][]Op // ops buffered until their referenced element arrives
	gc      bool

	subs    map[int]func([]byte)
	nextSub int

	destroyed bool
}

var _ Handle = (*Doc)(nil)

// NewDoc creates an empty document owned by the given connection-scoped
// client id. GC is enabled by default; revision handles turn it off.
func NewDoc(clientID uint32) *Doc {
	root := &node{}
	return &Doc{
		client:  clientID,
		root:    root,
		index:   map[ID]*node{{}: root},
		pending: make(map[ID][]Op),
		gc:      true,
		subs:    make(map[int]func([]byte)),
	}
}

// ClientID returns the connection-scoped identity this replica writes as.
func (d *Doc) ClientID() uint32 {
	return d.client
}

func (d *Doc) SetGC(enabled bool) {
	d.mu.Lock()
	d.gc = enabled
	d.mu.Unlock()
}

func (d *Doc) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	d.subs = make(map[int]func([]byte))
	d.mu.Unlock()
}

func (d *Doc) SubscribeUpdates(fn func(update []byte)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return func() {}
	}
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// ApplyUpdate merges a remote update. Unknown references are buffered until
// the missing element arrives, so out-of-order delivery is safe.
func (d *Doc) ApplyUpdate(b []byte) error {
	var u Update
	if err := json.Unmarshal(b, &u); err != nil {
		return fmt.Errorf("crdt: decode update: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return fmt.Errorf("crdt: handle destroyed")
	}
	for _, op := range u.Ops {
		d.applyOp(op)
	}
	return nil
}

func (d *Doc) applyOp(op Op) {
	switch op.Kind {
	case "ins":
		if _, seen := d.index[op.ID]; seen {
			return // duplicate delivery
		}
		parent, ok := d.index[op.Ref]
		if !ok {
			d.pending[op.Ref] = append(d.pending[op.Ref], op)
			return
		}
		d.integrate(parent, op)
	case "del":
		target, ok := d.index[op.Ref]
		if !ok {
			d.pending[op.Ref] = append(d.pending[op.Ref], op)
			return
		}
		target.deleted = true
	}
}

// integrate links an insert under its parent, keeping siblings ordered
// desc by (clock, client) so every replica walks the tree the same way.
func (d *Doc) integrate(parent *node, op Op) {
	var ch rune
	for _, r := range op.Ch {
		ch = r
		break
	}
	n := &node{id: op.ID, ch: ch, deleted: op.Dead}

	pos := len(parent.children)
	for i, sib := range parent.children {
		if less(sib.id, n.id) {
			pos = i
			break
		}
	}
	parent.children = append(parent.children, nil)
	copy(parent.children[pos+1:], parent.children[pos:])
	parent.children[pos] = n

	d.index[op.ID] = n
	if op.ID.Clock > d.clock {
		d.clock = op.ID.Clock
	}

	// Drain anything that was waiting on this element.
	if waiting, ok := d.pending[op.ID]; ok {
		delete(d.pending, op.ID)
		for _, w := range waiting {
			d.applyOp(w)
		}
	}
}

// less orders sibling a before sibling b when a sorts lower.
// Descending (clock, client): later concurrent inserts land closer to the parent.
func less(a, b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Client < b.Client
}

// InsertAt inserts text at the visible rune position, generating one local
// update that is fanned out to subscribers.
func (d *Doc) InsertAt(pos int, text string) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return fmt.Errorf("crdt: handle destroyed")
	}

	parent := d.nodeBefore(pos)
	if parent == nil {
		d.mu.Unlock()
		return fmt.Errorf("crdt: insert position %d out of range", pos)
	}

	ops := make([]Op, 0, len(text))
	ref := parent.id
	for _, r := range text {
		d.clock++
		op := Op{Kind: "ins", ID: ID{Client: d.client, Clock: d.clock}, Ref: ref, Ch: string(r)}
		d.applyOp(op)
		ops = append(ops, op)
		ref = op.ID
	}
	update, subs := d.encodeOpsLocked(ops)
	d.mu.Unlock()

	notify(subs, update)
	return nil
}

// DeleteAt tombstones n visible runes starting at pos.
func (d *Doc) DeleteAt(pos, n int) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return fmt.Errorf("crdt: handle destroyed")
	}

	visible := d.visibleLocked()
	if pos < 0 || n < 0 || pos+n > len(visible) {
		d.mu.Unlock()
		return fmt.Errorf("crdt: delete range [%d,%d) out of range", pos, pos+n)
	}

	ops := make([]Op, 0, n)
	for _, target := range visible[pos : pos+n] {
		op := Op{Kind: "del", Ref: target.id}
		d.applyOp(op)
		ops = append(ops, op)
	}
	update, subs := d.encodeOpsLocked(ops)
	d.mu.Unlock()

	notify(subs, update)
	return nil
}

func (d *Doc) encodeOpsLocked(ops []Op) ([]byte, []func([]byte)) {
	update, _ := json.Marshal(Update{Ops: ops})
	subs := make([]func([]byte), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	return update, subs
}

// notify runs outside the document lock; subscribers typically hand the
// update straight to the transport.
func notify(subs []func([]byte), update []byte) {
	for _, fn := range subs {
		fn(update)
	}
}

// Text returns the visible document content.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ""
	}
	visible := d.visibleLocked()
	runes := make([]rune, len(visible))
	for i, n := range visible {
		runes[i] = n.ch
	}
	return string(runes)
}

// EncodeState flattens the tree into a single update, parents before
// children. With GC enabled, tombstones are dropped and their children are
// reattached to the nearest surviving ancestor; a GC'd snapshot must only
// seed fresh replicas, never be merged into a live peer that may still hold
// ops referencing the pruned elements.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, fmt.Errorf("crdt: handle destroyed")
	}

	var ops []Op
	var walk func(n *node, ancestor ID)
	walk = func(n *node, ancestor ID) {
		emitted := ancestor
		if n != d.root {
			if n.deleted && d.gc {
				// pruned: children fall through to the surviving ancestor
			} else {
				ops = append(ops, Op{
					Kind: "ins",
					ID:   n.id,
					Ref:  ancestor,
					Ch:   string(n.ch),
					Dead: n.deleted,
				})
				emitted = n.id
			}
		}
		for _, c := range n.children {
			walk(c, emitted)
		}
	}
	walk(d.root, ID{})

	return json.Marshal(Update{Ops: ops})
}

// visibleLocked returns non-deleted nodes in document order.
func (d *Doc) visibleLocked() []*node {
	var out []*node
	var walk func(n *node)
	walk = func(n *node) {
		if n != d.root && !n.deleted {
			out = append(out, n)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(d.root)
	return out
}

// nodeBefore returns the element a new insert at visible position pos goes
// after: the root for pos 0, otherwise the pos-th visible node.
func (d *Doc) nodeBefore(pos int) *node {
	if pos == 0 {
		return d.root
	}
	visible := d.visibleLocked()
	if pos < 0 || pos > len(visible) {
		return nil
	}
	return visible[pos-1]
}
