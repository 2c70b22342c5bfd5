package crdt

import (
	"math/rand"
	"testing"

	"pgregory.net/rapid"
)

func TestInsertAndText(t *testing.T) {
	d := NewDoc(1)
	if err := d.InsertAt(0, "hello"); err != nil {
		t.Fatalf("InsertAt failed: %v", err)
	}
	if err := d.InsertAt(5, " world"); err != nil {
		t.Fatalf("InsertAt failed: %v", err)
	}
	if got := d.Text(); got != "hello world" {
		t.Errorf("Text() = %q, want %q", got, "hello world")
	}
}

func TestInsertMiddle(t *testing.T) {
	d := NewDoc(1)
	d.InsertAt(0, "herld")
	if err := d.InsertAt(2, " wo"); err != nil {
		t.Fatalf("InsertAt failed: %v", err)
	}
	if got := d.Text(); got != "he wo" + "rld" {
		t.Errorf("Text() = %q", got)
	}
}

func TestDeleteAt(t *testing.T) {
	d := NewDoc(1)
	d.InsertAt(0, "hello world")
	if err := d.DeleteAt(5, 6); err != nil {
		t.Fatalf("DeleteAt failed: %v", err)
	}
	if got := d.Text(); got != "hello" {
		t.Errorf("Text() = %q, want %q", got, "hello")
	}
}

func TestDeleteOutOfRange(t *testing.T) {
	d := NewDoc(1)
	d.InsertAt(0, "hi")
	if err := d.DeleteAt(1, 5); err == nil {
		t.Fatal("expected error for out-of-range delete")
	}
	if err := d.DeleteAt(3, -2); err == nil {
		t.Fatal("expected error for negative delete count")
	}
	if err := d.DeleteAt(-1, 1); err == nil {
		t.Fatal("expected error for negative position")
	}
	if got := d.Text(); got != "hi" {
		t.Errorf("rejected deletes must not change the text: %q", got)
	}
}

func TestLocalUpdatesReachSubscribers(t *testing.T) {
	d := NewDoc(1)
	var got [][]byte
	cancel := d.SubscribeUpdates(func(u []byte) {
		got = append(got, u)
	})
	defer cancel()

	d.InsertAt(0, "ab")
	d.DeleteAt(0, 1)

	if len(got) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(got))
	}
}

func TestRemoteApplyDoesNotEcho(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	var fromA [][]byte
	a.SubscribeUpdates(func(u []byte) { fromA = append(fromA, u) })
	a.InsertAt(0, "x")

	fired := false
	b.SubscribeUpdates(func([]byte) { fired = true })
	for _, u := range fromA {
		if err := b.ApplyUpdate(u); err != nil {
			t.Fatalf("ApplyUpdate failed: %v", err)
		}
	}

	if fired {
		t.Error("remote apply must not fire local-update subscribers")
	}
	if b.Text() != "x" {
		t.Errorf("replica text = %q, want %q", b.Text(), "x")
	}
}

func TestSnapshotSeedsFreshReplica(t *testing.T) {
	a := NewDoc(1)
	a.InsertAt(0, "ticket #42: printer on fire")
	a.DeleteAt(0, 8)

	snap, err := a.EncodeState()
	if err != nil {
		t.Fatalf("EncodeState failed: %v", err)
	}

	b := NewDoc(2)
	if err := b.ApplyUpdate(snap); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if b.Text() != a.Text() {
		t.Errorf("snapshot replica = %q, want %q", b.Text(), a.Text())
	}
}

func TestSnapshotGCDropsTombstones(t *testing.T) {
	d := NewDoc(1)
	d.InsertAt(0, "abc")
	d.DeleteAt(1, 1)

	withGC, _ := d.EncodeState()
	d.SetGC(false)
	withoutGC, _ := d.EncodeState()

	if len(withGC) >= len(withoutGC) {
		t.Errorf("GC'd snapshot (%d bytes) should be smaller than full snapshot (%d bytes)",
			len(withGC), len(withoutGC))
	}

	// Both must decode to the same visible text.
	for _, snap := range [][]byte{withGC, withoutGC} {
		r := NewDoc(9)
		if err := r.ApplyUpdate(snap); err != nil {
			t.Fatalf("ApplyUpdate failed: %v", err)
		}
		if r.Text() != "ac" {
			t.Errorf("replica text = %q, want %q", r.Text(), "ac")
		}
	}
}

func TestApplyMalformedUpdate(t *testing.T) {
	d := NewDoc(1)
	if err := d.ApplyUpdate([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed update")
	}
}

func TestDestroyedHandle(t *testing.T) {
	d := NewDoc(1)
	d.InsertAt(0, "x")
	d.Destroy()

	if err := d.ApplyUpdate([]byte(`{"ops":[]}`)); err == nil {
		t.Error("ApplyUpdate on destroyed handle should fail")
	}
	if err := d.InsertAt(0, "y"); err == nil {
		t.Error("InsertAt on destroyed handle should fail")
	}
	if d.Text() != "" {
		t.Error("destroyed handle should render empty text")
	}
}

// Convergence: any interleaving, reordering, and duplication of the updates
// produced by a set of replicas ends in the same text everywhere.
func TestConvergenceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		numReplicas := rapid.IntRange(2, 4).Draw(rt, "replicas")
		replicas := make([]*Doc, numReplicas)
		var updates [][]byte
		record := func(u []byte) { updates = append(updates, u) }
		for i := range replicas {
			replicas[i] = NewDoc(uint32(i + 1))
			replicas[i].SubscribeUpdates(record)
		}

		// Each replica performs edits against only its own state.
		numEdits := rapid.IntRange(1, 12).Draw(rt, "edits")
		for e := 0; e < numEdits; e++ {
			r := replicas[rapid.IntRange(0, numReplicas-1).Draw(rt, "replica")]
			text := r.Text()
			if len(text) > 0 && rapid.Bool().Draw(rt, "delete") {
				pos := rapid.IntRange(0, len([]rune(text))-1).Draw(rt, "dpos")
				if err := r.DeleteAt(pos, 1); err != nil {
					rt.Fatalf("DeleteAt: %v", err)
				}
			} else {
				pos := rapid.IntRange(0, len([]rune(text))).Draw(rt, "ipos")
				s := rapid.StringOfN(rapid.RuneFrom([]rune("abcdefg")), 1, 3, -1).Draw(rt, "text")
				if err := r.InsertAt(pos, s); err != nil {
					rt.Fatalf("InsertAt: %v", err)
				}
			}
		}

		// Deliver every update to every replica in an arbitrary order,
		// with some duplicates.
		seed := rapid.Int64().Draw(rt, "seed")
		for _, r := range replicas {
			shuffled := append([][]byte(nil), updates...)
			rnd := rand.New(rand.NewSource(seed + int64(r.ClientID())))
			rnd.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			for _, u := range shuffled {
				if err := r.ApplyUpdate(u); err != nil {
					rt.Fatalf("ApplyUpdate: %v", err)
				}
				if rnd.Intn(4) == 0 { // duplicate delivery
					r.ApplyUpdate(u)
				}
			}
		}

		want := replicas[0].Text()
		for _, r := range replicas[1:] {
			if r.Text() != want {
				rt.Fatalf("replica %d diverged: %q vs %q", r.ClientID(), r.Text(), want)
			}
		}
	})
}
