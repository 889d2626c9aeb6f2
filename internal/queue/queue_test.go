package queue

import (
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/kv"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", 0)
}

// fixedClock returns a clock stuck at one instant, forcing the queue to
// break ties itself.
func fixedClock() func() time.Time {
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func mustAction(t *testing.T, kind Kind, target string, payload any) Action {
	t.Helper()
	a, err := NewAction(kind, target, payload)
	if err != nil {
		t.Fatalf("NewAction() failed: %v", err)
	}
	return a
}

func TestEnqueueDrainOrder(t *testing.T) {
	q := New(kv.NewMemory(), testLogger(), WithClock(fixedClock()))

	q.Enqueue(mustAction(t, KindAdd, "local-1", AddPayload{Text: "buy milk"}))
	q.Enqueue(mustAction(t, KindToggle, "local-1", TogglePayload{Completed: true}))
	q.Enqueue(mustAction(t, KindDelete, "srv-9", nil))

	got := q.Drain()
	if len(got) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(got))
	}
	wantKinds := []Kind{KindAdd, KindToggle, KindDelete}
	for i, k := range wantKinds {
		if got[i].Kind != k {
			t.Errorf("action %d kind = %s, want %s", i, got[i].Kind, k)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].EnqueuedAt <= got[i-1].EnqueuedAt {
			t.Errorf("timestamps not strictly increasing: %d then %d", got[i-1].EnqueuedAt, got[i].EnqueuedAt)
		}
	}

	// Drain is a snapshot, not a pop.
	if q.Len() != 3 {
		t.Errorf("Len() after Drain = %d, want 3", q.Len())
	}
}

func TestDrainReturnsCopy(t *testing.T) {
	q := New(kv.NewMemory(), testLogger())
	q.Enqueue(mustAction(t, KindDelete, "a", nil))

	snapshot := q.Drain()
	snapshot[0].Target = "mutated"

	if q.Drain()[0].Target != "a" {
		t.Error("mutating the snapshot changed the queue")
	}
}

func TestAcknowledge(t *testing.T) {
	q := New(kv.NewMemory(), testLogger())
	first := q.Enqueue(mustAction(t, KindDelete, "a", nil))
	second := q.Enqueue(mustAction(t, KindDelete, "b", nil))

	if !q.Acknowledge(first.EnqueuedAt) {
		t.Fatal("Acknowledge() reported nothing removed")
	}
	if q.Acknowledge(first.EnqueuedAt) {
		t.Error("second Acknowledge() of the same stamp removed something")
	}

	rest := q.Drain()
	if len(rest) != 1 || rest[0].EnqueuedAt != second.EnqueuedAt {
		t.Errorf("unexpected remaining actions: %+v", rest)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	storage := kv.NewMemory()

	q := New(storage, testLogger())
	q.Enqueue(mustAction(t, KindAdd, "local-1", AddPayload{Text: "buy milk"}))
	q.Enqueue(mustAction(t, KindUpdate, "local-1", UpdatePayload{Text: "buy oat milk"}))

	reloaded := New(storage, testLogger())
	got := reloaded.Drain()
	if len(got) != 2 {
		t.Fatalf("expected 2 actions after reload, got %d", len(got))
	}

	var p UpdatePayload
	if err := got[1].Decode(&p); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if p.Text != "buy oat milk" {
		t.Errorf("payload text = %q", p.Text)
	}

	// New stamps must stay ahead of reloaded ones.
	next := reloaded.Enqueue(mustAction(t, KindDelete, "x", nil))
	if next.EnqueuedAt <= got[1].EnqueuedAt {
		t.Errorf("new stamp %d not after reloaded stamp %d", next.EnqueuedAt, got[1].EnqueuedAt)
	}
}

func TestCorruptBlobStartsEmpty(t *testing.T) {
	storage := kv.NewMemory()
	if err := storage.Set(Key, "{not json"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	q := New(storage, testLogger())
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0 for corrupt blob", q.Len())
	}

	q.Enqueue(mustAction(t, KindDelete, "a", nil))
	if q.Len() != 1 {
		t.Errorf("queue unusable after corrupt load")
	}
}

func TestSaveFailureKeepsMemoryAuthoritative(t *testing.T) {
	storage := kv.NewMemory()
	storage.SetErr = errors.New("disk full")

	q := New(storage, testLogger())
	q.Enqueue(mustAction(t, KindDelete, "a", nil))

	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1 despite save failure", q.Len())
	}
}

func TestRetarget(t *testing.T) {
	q := New(kv.NewMemory(), testLogger())
	q.Enqueue(mustAction(t, KindAdd, "local-1", AddPayload{Text: "a"}))
	q.Enqueue(mustAction(t, KindToggle, "local-1", TogglePayload{Completed: true}))
	q.Enqueue(mustAction(t, KindDelete, "other", nil))

	if n := q.Retarget("local-1", "srv-1"); n != 2 {
		t.Errorf("Retarget() = %d, want 2", n)
	}

	for _, a := range q.Drain() {
		if a.Target == "local-1" {
			t.Errorf("action %s still targets temp id", a.Kind)
		}
	}
}

func TestReset(t *testing.T) {
	storage := kv.NewMemory()
	q := New(storage, testLogger())
	q.Enqueue(mustAction(t, KindDelete, "a", nil))
	q.Reset()

	if q.Len() != 0 {
		t.Errorf("Len() after Reset = %d", q.Len())
	}
	blob, ok, _ := storage.Get(Key)
	if !ok || blob != "[]" {
		t.Errorf("persisted blob after Reset = %q, %v; want []", blob, ok)
	}
}

func TestDecode_NoPayload(t *testing.T) {
	a := Action{Kind: KindUpdate, Target: "x"}
	var p UpdatePayload
	if err := a.Decode(&p); err == nil {
		t.Error("expected error decoding empty payload")
	}
}
