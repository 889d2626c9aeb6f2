// Package queue implements the durable offline action log.
//
// Mutations made while disconnected are appended here and replayed in
// enqueue order once connectivity returns. The log is persisted as a single
// JSON array under Key after every change and reloaded when a Queue is
// constructed, so pending work survives restarts.
//
// Persistence is best effort: a failed save is logged and the in-memory log
// stays authoritative for the rest of the process. A corrupt or unreadable
// blob at startup yields an empty queue.
package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/todosync/internal/kv"
)

// Key is the storage key holding the persisted log.
const Key = "todo-offline-queue"

// Kind is the mutation an action replays.
type Kind string

const (
	KindAdd    Kind = "ADD"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
	KindToggle Kind = "TOGGLE"
)

// Action is a single queued mutation.
type Action struct {
	Kind Kind `json:"kind"`

	// Target is the id of the item the action applies to. For ADD it is the
	// temporary id minted while offline.
	Target string `json:"target"`

	// Payload carries kind-specific data (see AddPayload and friends).
	Payload json.RawMessage `json:"payload,omitempty"`

	// EnqueuedAt is the enqueue time in unix nanoseconds. It is unique within
	// a queue and is the acknowledgement key.
	EnqueuedAt int64 `json:"enqueued_at"`
}

// Time returns EnqueuedAt as a time.Time.
func (a Action) Time() time.Time {
	return time.Unix(0, a.EnqueuedAt)
}

// AddPayload is the payload of an ADD action.
type AddPayload struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// UpdatePayload is the payload of an UPDATE action.
type UpdatePayload struct {
	Text string `json:"text"`
}

// TogglePayload is the payload of a TOGGLE action. It records the resulting
// state rather than a flip so replaying twice is harmless.
type TogglePayload struct {
	Completed bool `json:"completed"`
}

// NewAction builds an action with payload marshalled to JSON.
func NewAction(kind Kind, target string, payload any) (Action, error) {
	a := Action{Kind: kind, Target: target}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Action{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
		a.Payload = data
	}
	return a, nil
}

// Decode unmarshals the payload into v.
func (a Action) Decode(v any) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("%s action for %s has no payload", a.Kind, a.Target)
	}
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", a.Kind, err)
	}
	return nil
}

// Queue is the offline action log. It is safe for concurrent use.
type Queue struct {
	storage kv.Storage
	logger  *log.Logger
	now     func() time.Time

	mu      sync.Mutex
	actions []Action
	last    int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source used to stamp actions.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue backed by storage and loads any persisted log.
//
// If logger is nil, a default logger writing to stderr is used.
func New(storage kv.Storage, logger *log.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	q := &Queue{
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.load()
	return q
}

func (q *Queue) load() {
	q.actions = nil

	blob, ok, err := q.storage.Get(Key)
	if err != nil {
		q.logger.Printf("Warning: failed to load offline queue: %v", err)
		return
	}
	if !ok || blob == "" {
		return
	}

	var actions []Action
	if err := json.Unmarshal([]byte(blob), &actions); err != nil {
		q.logger.Printf("Warning: discarding corrupt offline queue: %v", err)
		return
	}

	q.actions = actions
	for _, a := range actions {
		if a.EnqueuedAt > q.last {
			q.last = a.EnqueuedAt
		}
	}
	if len(actions) > 0 {
		q.logger.Printf("Loaded %d queued action(s)", len(actions))
	}
}

// save persists the log. Caller must hold q.mu.
func (q *Queue) save() {
	data, err := json.Marshal(q.actions)
	if err != nil {
		q.logger.Printf("Warning: failed to encode offline queue: %v", err)
		return
	}
	if q.actions == nil {
		data = []byte("[]")
	}
	if err := q.storage.Set(Key, string(data)); err != nil {
		q.logger.Printf("Warning: failed to save offline queue: %v", err)
	}
}

// Enqueue stamps a and appends it. The returned action carries the stamp.
func (q *Queue) Enqueue(a Action) Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	stamp := q.now().UnixNano()
	if stamp <= q.last {
		stamp = q.last + 1
	}
	q.last = stamp
	a.EnqueuedAt = stamp

	q.actions = append(q.actions, a)
	q.save()
	return a
}

// Drain returns a snapshot of the log in enqueue order. It does not remove
// anything; replayed actions are removed with Acknowledge.
func (q *Queue) Drain() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Action, len(q.actions))
	copy(out, q.actions)
	return out
}

// Acknowledge removes the action stamped enqueuedAt. It reports whether an
// entry was removed.
func (q *Queue) Acknowledge(enqueuedAt int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, a := range q.actions {
		if a.EnqueuedAt == enqueuedAt {
			q.actions = append(q.actions[:i:i], q.actions[i+1:]...)
			q.save()
			return true
		}
	}
	return false
}

// Retarget points every queued action for oldID at newID. It is used once a
// temporary item has been assigned its authoritative id.
func (q *Queue) Retarget(oldID, newID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for i := range q.actions {
		if q.actions[i].Target == oldID {
			q.actions[i].Target = newID
			n++
		}
	}
	if n > 0 {
		q.save()
	}
	return n
}

// Reset discards every queued action.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.actions = nil
	q.save()
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}
