// Package store owns the client's authoritative in-memory item list.
//
// Online, every mutation goes to the remote store through the retry
// executor and the list changes only after the remote write succeeds.
// Offline, the list changes immediately and the mutation is recorded in the
// offline queue; the queue is replayed on the next offline-to-online
// transition. A real-time feed keeps the list current while online.
//
// The list, flags and subscription handle are guarded by one mutex that is
// never held across remote I/O. Observers registered with OnChange receive
// a snapshot after every transition.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/todosync/internal/apperr"
	"github.com/mschirtzinger/todosync/internal/kv"
	"github.com/mschirtzinger/todosync/internal/queue"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/retry"
	"github.com/mschirtzinger/todosync/internal/session"
	"github.com/mschirtzinger/todosync/internal/todo"
	"github.com/mschirtzinger/todosync/internal/view"
)

// CacheKey is the storage key of the list snapshot.
const CacheKey = "todo-cache"

// State is a snapshot of the store.
type State struct {
	Todos       []todo.Item
	Loading     bool
	Err         *apperr.Error
	IsOnline    bool
	SearchQuery string
	Filter      view.Filter
	Subscribed  bool
	Syncing     bool

	// Pending is the number of queued offline actions.
	Pending int
}

// Visible returns the todos passing the search query and filter.
func (s State) Visible() []todo.Item {
	return view.Apply(s.Todos, s.SearchQuery, s.Filter)
}

// Config holds store configuration.
type Config struct {
	// Retry configures remote calls (default: retry.DefaultOptions)
	Retry retry.Options

	// Logger for store activity (default: stderr logger)
	Logger *log.Logger

	// Now is the clock for local timestamps (default: time.Now)
	Now func() time.Time

	// NewID mints the suffix of temporary ids (default: uuid)
	NewID func() string
}

// Store is the item store. Create it with New.
type Store struct {
	remote  remote.Store
	session session.Provider
	queue   *queue.Queue
	cache   kv.Storage
	retry   retry.Options
	logger  *log.Logger
	now     func() time.Time
	newID   func() string

	mu         sync.Mutex
	todos      []todo.Item
	listOwner  string
	loading    bool
	err        *apperr.Error
	online     bool
	query      string
	filter     view.Filter
	sub        remote.Subscription
	subOwner   string
	connecting bool
	syncing    bool
	observers  []func(State)
}

type cacheBlob struct {
	Owner   string      `json:"owner"`
	Todos   []todo.Item `json:"todos"`
	SavedAt time.Time   `json:"saved_at"`
}

// New creates a store. It starts offline with the list hydrated from the
// cache snapshot, if any. cache may be nil to disable the snapshot.
func New(rs remote.Store, sess session.Provider, q *queue.Queue, cache kv.Storage, cfg *Config) *Store {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Store{
		remote:  rs,
		session: sess,
		queue:   q,
		cache:   cache,
		retry:   cfg.Retry,
		logger:  cfg.Logger,
		now:     cfg.Now,
		newID:   cfg.NewID,
		filter:  view.FilterAll,
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	s.hydrate()
	return s
}

func (s *Store) hydrate() {
	if s.cache == nil {
		return
	}
	blob, ok, err := s.cache.Get(CacheKey)
	if err != nil {
		s.logger.Printf("Warning: failed to read cache: %v", err)
		return
	}
	if !ok {
		return
	}
	var c cacheBlob
	if err := json.Unmarshal([]byte(blob), &c); err != nil {
		s.logger.Printf("Warning: discarding corrupt cache: %v", err)
		return
	}
	s.todos = c.Todos
	s.listOwner = c.Owner
}

// saveCache persists the list. Caller must hold s.mu.
func (s *Store) saveCache() {
	if s.cache == nil || s.listOwner == "" {
		return
	}
	data, err := json.Marshal(cacheBlob{Owner: s.listOwner, Todos: s.todos, SavedAt: s.now().UTC()})
	if err != nil {
		s.logger.Printf("Warning: failed to encode cache: %v", err)
		return
	}
	if err := s.cache.Set(CacheKey, string(data)); err != nil {
		s.logger.Printf("Warning: failed to save cache: %v", err)
	}
}

// snapshot builds a State. Caller must hold s.mu.
func (s *Store) snapshot() State {
	todos := make([]todo.Item, len(s.todos))
	copy(todos, s.todos)
	return State{
		Todos:       todos,
		Loading:     s.loading,
		Err:         s.err,
		IsOnline:    s.online,
		SearchQuery: s.query,
		Filter:      s.filter,
		Subscribed:  s.sub != nil,
		Syncing:     s.syncing,
		Pending:     s.queue.Len(),
	}
}

// update runs fn under the lock as one transition, persists the list and
// notifies observers.
func (s *Store) update(fn func()) {
	s.mu.Lock()
	fn()
	s.saveCache()
	st := s.snapshot()
	observers := append([]func(State){}, s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o(st)
	}
}

// fail records err as the store error and returns it.
func (s *Store) fail(err error) *apperr.Error {
	classified := apperr.Classify(err)
	s.update(func() {
		s.err = classified
		s.loading = false
	})
	return classified
}

// State returns a snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Visible returns the todos passing the current search query and filter.
func (s *Store) Visible() []todo.Item {
	return s.State().Visible()
}

// OnChange registers fn to receive a snapshot after every transition. fn
// runs on whichever goroutine made the transition.
func (s *Store) OnChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// SetSearchQuery sets the search query.
func (s *Store) SetSearchQuery(q string) {
	s.update(func() { s.query = q })
}

// SetFilter sets the status filter.
func (s *Store) SetFilter(f view.Filter) {
	s.update(func() { s.filter = f })
}

// ClearError resets the stored error.
func (s *Store) ClearError() {
	s.update(func() { s.err = nil })
}

// owner returns the signed-in user, or records and returns AUTH_REQUIRED.
func (s *Store) owner() (string, *apperr.Error) {
	sess, ok := s.session.Get()
	if !ok || sess.UserID == "" {
		return "", s.fail(apperr.AuthRequired())
	}
	return sess.UserID, nil
}

// resetForOwner drops a list that belongs to someone else. Caller must
// hold s.mu.
func (s *Store) resetForOwner(owner string) {
	if s.listOwner != owner {
		s.todos = nil
		s.listOwner = owner
	}
}

func (s *Store) isOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// FetchTodos loads the signed-in user's list. Offline it serves the cached
// snapshot without remote I/O.
func (s *Store) FetchTodos(ctx context.Context) error {
	sess, ok := s.session.Get()
	if !ok || sess.UserID == "" {
		authErr := apperr.AuthRequired()
		s.update(func() {
			s.todos = nil
			s.listOwner = ""
			s.err = authErr
			s.loading = false
		})
		return authErr
	}
	owner := sess.UserID

	if !s.isOnline() {
		s.update(func() {
			s.resetForOwner(owner)
			s.err = nil
			s.loading = false
		})
		return nil
	}

	s.update(func() {
		s.loading = true
		s.err = nil
	})

	rows, err := retry.Do(ctx, func(ctx context.Context) ([]todo.Item, error) {
		return s.remote.Select(ctx, todo.Table, remote.Filter{Owner: owner}, remote.NewestFirst)
	}, s.retry)
	if err != nil {
		return s.fail(err)
	}

	s.update(func() {
		// Items whose ADD is still queued exist only locally; keep them.
		var unsynced []todo.Item
		if s.listOwner == owner {
			for _, it := range s.todos {
				if it.IsTemporary() && s.hasQueuedAdd(it.ID) {
					unsynced = append(unsynced, it)
				}
			}
		}
		s.todos = append(unsynced, rows...)
		s.listOwner = owner
		s.loading = false
	})

	if err := s.SubscribeToChanges(ctx); err != nil {
		s.logger.Printf("Warning: failed to subscribe to changes: %v", err)
	}
	return nil
}

func (s *Store) hasQueuedAdd(id string) bool {
	for _, a := range s.queue.Drain() {
		if a.Kind == queue.KindAdd && a.Target == id {
			return true
		}
	}
	return false
}

func validateText(text string) (string, *apperr.Error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.Invalid("to-do text cannot be empty")
	}
	if todo.TextLen(text) > todo.MaxTextLen {
		return "", apperr.Invalid("to-do text is too long")
	}
	return text, nil
}

// AddTodo creates an item. Offline it gets a temporary id and an ADD is
// queued; online the remote row is prepended once inserted.
func (s *Store) AddTodo(ctx context.Context, text string) (todo.Item, error) {
	owner, authErr := s.owner()
	if authErr != nil {
		return todo.Item{}, authErr
	}
	text, invalid := validateText(text)
	if invalid != nil {
		return todo.Item{}, s.fail(invalid)
	}

	now := s.now().UTC()

	if !s.isOnline() {
		item := todo.Item{
			ID:        todo.TempIDPrefix + s.newID(),
			Text:      text,
			Owner:     owner,
			CreatedAt: now,
			UpdatedAt: now,
		}
		action, err := queue.NewAction(queue.KindAdd, item.ID, queue.AddPayload{Text: text, CreatedAt: now})
		if err != nil {
			return todo.Item{}, s.fail(err)
		}
		s.update(func() {
			s.resetForOwner(owner)
			s.todos = prepend(s.todos, item)
			s.err = nil
			s.queue.Enqueue(action)
		})
		return item, nil
	}

	rows, err := retry.Do(ctx, func(ctx context.Context) ([]todo.Item, error) {
		return s.remote.Insert(ctx, todo.Table, todo.Item{Text: text, Owner: owner, CreatedAt: now})
	}, s.retry)
	if err != nil {
		return todo.Item{}, s.fail(err)
	}
	if len(rows) == 0 {
		return todo.Item{}, s.fail(apperr.New(apperr.CodeDatabase, "insert returned no row", nil))
	}

	item := rows[0]
	s.update(func() {
		s.resetForOwner(owner)
		s.todos = prepend(s.todos, item)
		s.err = nil
	})
	return item, nil
}

// lookup returns the item with id or records NOT_FOUND.
func (s *Store) lookup(id string) (todo.Item, *apperr.Error) {
	s.mu.Lock()
	i := todo.IndexOf(s.todos, id)
	var item todo.Item
	if i >= 0 {
		item = s.todos[i]
	}
	s.mu.Unlock()

	if i < 0 {
		return todo.Item{}, s.fail(apperr.NotFound(id))
	}
	return item, nil
}

// queued reports whether a mutation of item must go through the queue: the
// store is offline, or the item's ADD has not been replayed yet.
func (s *Store) queued(item todo.Item) bool {
	return !s.isOnline() || item.IsTemporary()
}

// ToggleTodo flips an item's completed flag.
func (s *Store) ToggleTodo(ctx context.Context, id string) error {
	owner, authErr := s.owner()
	if authErr != nil {
		return authErr
	}
	item, notFound := s.lookup(id)
	if notFound != nil {
		return notFound
	}
	completed := !item.Completed

	if s.queued(item) {
		return s.mutateLocally(queue.KindToggle, id, queue.TogglePayload{Completed: completed}, func(it *todo.Item) {
			it.Completed = completed
		})
	}
	return s.patchRemote(ctx, owner, id, remote.Patch{Completed: &completed})
}

// UpdateTodo replaces an item's text.
func (s *Store) UpdateTodo(ctx context.Context, id, text string) error {
	owner, authErr := s.owner()
	if authErr != nil {
		return authErr
	}
	text, invalid := validateText(text)
	if invalid != nil {
		return s.fail(invalid)
	}
	item, notFound := s.lookup(id)
	if notFound != nil {
		return notFound
	}

	if s.queued(item) {
		return s.mutateLocally(queue.KindUpdate, id, queue.UpdatePayload{Text: text}, func(it *todo.Item) {
			it.Text = text
		})
	}
	return s.patchRemote(ctx, owner, id, remote.Patch{Text: &text})
}

// DeleteTodo removes an item.
func (s *Store) DeleteTodo(ctx context.Context, id string) error {
	owner, authErr := s.owner()
	if authErr != nil {
		return authErr
	}
	item, notFound := s.lookup(id)
	if notFound != nil {
		return notFound
	}

	if s.queued(item) {
		return s.mutateLocally(queue.KindDelete, id, nil, nil)
	}

	n, err := retry.Do(ctx, func(ctx context.Context) (int, error) {
		return s.remote.Delete(ctx, todo.Table, remote.Filter{Owner: owner, ID: id})
	}, s.retry)
	if err != nil {
		return s.fail(err)
	}
	if n == 0 {
		return s.fail(apperr.NotFound(id))
	}
	s.update(func() {
		s.todos, _ = remove(s.todos, id)
		s.err = nil
	})
	return nil
}

// mutateLocally applies a change to the list and queues it for replay. A nil
// change deletes the item.
func (s *Store) mutateLocally(kind queue.Kind, id string, payload any, change func(*todo.Item)) error {
	action, err := queue.NewAction(kind, id, payload)
	if err != nil {
		return s.fail(err)
	}

	var missing bool
	s.update(func() {
		i := todo.IndexOf(s.todos, id)
		if i < 0 {
			missing = true
			return
		}
		if change == nil {
			s.todos, _ = remove(s.todos, id)
		} else {
			it := s.todos[i]
			change(&it)
			it.UpdatedAt = s.now().UTC()
			s.todos, _ = replace(s.todos, id, it)
		}
		s.err = nil
		s.queue.Enqueue(action)
	})
	if missing {
		return s.fail(apperr.NotFound(id))
	}
	return nil
}

// patchRemote updates one owned row and applies the returned row locally.
func (s *Store) patchRemote(ctx context.Context, owner, id string, patch remote.Patch) error {
	rows, err := retry.Do(ctx, func(ctx context.Context) ([]todo.Item, error) {
		return s.remote.Update(ctx, todo.Table, patch, remote.Filter{Owner: owner, ID: id})
	}, s.retry)
	if err != nil {
		return s.fail(err)
	}
	if len(rows) == 0 {
		return s.fail(apperr.NotFound(id))
	}
	updated := rows[0]
	s.update(func() {
		s.todos, _ = replace(s.todos, id, updated)
		s.err = nil
	})
	return nil
}

// SetIsOnline records connectivity. Going online drains the offline queue
// once; going offline closes the feed.
func (s *Store) SetIsOnline(ctx context.Context, online bool) error {
	var (
		wasOnline bool
		sub       remote.Subscription
	)
	s.update(func() {
		wasOnline = s.online
		s.online = online
		if !online {
			sub = s.sub
			s.sub = nil
		}
	})

	if sub != nil {
		if err := s.remote.Unsubscribe(sub); err != nil {
			s.logger.Printf("Warning: failed to unsubscribe: %v", err)
		}
	}

	if online && !wasOnline {
		s.logger.Printf("Back online, replaying %d queued action(s)", s.queue.Len())
		return s.SyncOfflineActions(ctx)
	}
	return nil
}

// SubscribeToChanges opens the real-time feed for the signed-in user. It is
// a no-op when already subscribed or offline.
func (s *Store) SubscribeToChanges(ctx context.Context) error {
	sess, ok := s.session.Get()
	if !ok || sess.UserID == "" {
		return apperr.AuthRequired()
	}
	owner := sess.UserID

	s.mu.Lock()
	if s.sub != nil || s.connecting || !s.online {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.mu.Unlock()

	sub, err := s.remote.Subscribe(ctx, todo.Table, remote.Filter{Owner: owner}, s.handleEvent)

	var stale remote.Subscription
	s.update(func() {
		s.connecting = false
		if err != nil {
			return
		}
		if !s.online || s.sub != nil {
			stale = sub
			return
		}
		s.sub = sub
		s.subOwner = owner
	})
	if err != nil {
		return apperr.Classify(err)
	}
	if stale != nil {
		_ = s.remote.Unsubscribe(stale)
		return nil
	}
	go s.watchFeed(sub)
	return nil
}

// watchFeed forgets sub once it ends so the next fetch subscribes again.
// A feed that was already replaced or closed by UnsubscribeFromChanges is
// left alone.
func (s *Store) watchFeed(sub remote.Subscription) {
	<-sub.Done()

	s.mu.Lock()
	current := s.sub == sub
	s.mu.Unlock()
	if !current {
		return
	}

	ended := false
	s.update(func() {
		if s.sub == sub {
			s.sub = nil
			s.subOwner = ""
			ended = true
		}
	})
	if ended {
		s.logger.Printf("Warning: feed %s ended; it reopens on the next fetch", sub.ID())
	}
}

// UnsubscribeFromChanges closes the feed. It is always safe to call.
func (s *Store) UnsubscribeFromChanges() error {
	var sub remote.Subscription
	s.update(func() {
		sub = s.sub
		s.sub = nil
	})
	if sub == nil {
		return nil
	}
	if err := s.remote.Unsubscribe(sub); err != nil {
		return apperr.Classify(err)
	}
	return nil
}

// Close releases the feed.
func (s *Store) Close() error {
	return s.UnsubscribeFromChanges()
}

func (s *Store) handleEvent(e remote.Event) {
	if e.Table != todo.Table {
		return
	}
	s.mu.Lock()
	relevant := s.relevant(e)
	s.mu.Unlock()
	if !relevant {
		return
	}

	s.update(func() {
		// Connectivity or the signed-in owner may have changed meanwhile.
		if s.relevant(e) {
			s.todos, _ = applyEvent(s.todos, e)
		}
	})
}

// relevant reports whether e belongs to the live feed and the listed owner.
// Caller holds mu.
func (s *Store) relevant(e remote.Event) bool {
	return s.sub != nil && s.online && e.Owner() == s.subOwner && s.listOwner == s.subOwner
}

// errNotFound marks a replay whose row no longer exists remotely.
var errNotFound = errors.New("row no longer exists")

// SyncOfflineActions replays the offline queue in order, then re-fetches.
//
// A failed entry stays queued and holds back later entries for the same
// item; entries for other items keep draining. Only one drain runs at a
// time.
func (s *Store) SyncOfflineActions(ctx context.Context) error {
	owner, authErr := s.owner()
	if authErr != nil {
		return authErr
	}

	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return nil
	}
	s.syncing = true
	s.mu.Unlock()

	firstErr := s.drain(ctx, owner)

	s.update(func() { s.syncing = false })

	if err := s.FetchTodos(ctx); err != nil && firstErr == nil {
		return err
	}
	if firstErr != nil {
		s.update(func() { s.err = firstErr })
		return firstErr
	}
	return nil
}

func (s *Store) drain(ctx context.Context, owner string) *apperr.Error {
	actions := s.queue.Drain()
	if len(actions) == 0 {
		return nil
	}

	var (
		blocked  = make(map[string]bool)
		resolved = make(map[string]string)
		firstErr *apperr.Error
		replayed int
	)

	for _, a := range actions {
		if id, ok := resolved[a.Target]; ok {
			a.Target = id
		}
		if blocked[a.Target] {
			continue
		}

		row, err := s.replay(ctx, owner, a)
		switch {
		case err == nil:
			s.queue.Acknowledge(a.EnqueuedAt)
			replayed++
			if a.Kind == queue.KindAdd {
				resolved[a.Target] = row.ID
				s.queue.Retarget(a.Target, row.ID)
				tempID := a.Target
				s.update(func() {
					s.todos, _ = replace(s.todos, tempID, row)
				})
			}

		case errors.Is(err, errNotFound):
			s.logger.Printf("Dropping %s for %s: item no longer exists", a.Kind, a.Target)
			s.queue.Acknowledge(a.EnqueuedAt)

		case errors.Is(err, errPoison):
			s.logger.Printf("Dropping unreadable %s for %s: %v", a.Kind, a.Target, err)
			s.queue.Acknowledge(a.EnqueuedAt)

		default:
			blocked[a.Target] = true
			classified := apperr.Classify(err)
			s.logger.Printf("Failed to replay %s for %s: %v", a.Kind, a.Target, classified)
			if firstErr == nil {
				firstErr = classified
			}
		}
	}

	s.logger.Printf("Replayed %d of %d queued action(s)", replayed, len(actions))
	return firstErr
}

// errPoison marks a queued entry that can never be replayed.
var errPoison = errors.New("unreadable queued action")

// replay performs one queued action remotely. For ADD it returns the
// inserted row.
func (s *Store) replay(ctx context.Context, owner string, a queue.Action) (todo.Item, error) {
	filter := remote.Filter{Owner: owner, ID: a.Target}

	switch a.Kind {
	case queue.KindAdd:
		var p queue.AddPayload
		if err := a.Decode(&p); err != nil {
			return todo.Item{}, errors.Join(errPoison, err)
		}
		rows, err := retry.Do(ctx, func(ctx context.Context) ([]todo.Item, error) {
			return s.remote.Insert(ctx, todo.Table, todo.Item{Text: p.Text, Owner: owner, CreatedAt: p.CreatedAt})
		}, s.retry)
		if err != nil {
			return todo.Item{}, err
		}
		if len(rows) == 0 {
			return todo.Item{}, apperr.New(apperr.CodeDatabase, "insert returned no row", nil)
		}
		return rows[0], nil

	case queue.KindUpdate, queue.KindToggle:
		var patch remote.Patch
		if a.Kind == queue.KindUpdate {
			var p queue.UpdatePayload
			if err := a.Decode(&p); err != nil {
				return todo.Item{}, errors.Join(errPoison, err)
			}
			patch.Text = &p.Text
		} else {
			var p queue.TogglePayload
			if err := a.Decode(&p); err != nil {
				return todo.Item{}, errors.Join(errPoison, err)
			}
			patch.Completed = &p.Completed
		}
		rows, err := retry.Do(ctx, func(ctx context.Context) ([]todo.Item, error) {
			return s.remote.Update(ctx, todo.Table, patch, filter)
		}, s.retry)
		if err != nil {
			return todo.Item{}, err
		}
		if len(rows) == 0 {
			return todo.Item{}, errNotFound
		}
		return rows[0], nil

	case queue.KindDelete:
		n, err := retry.Do(ctx, func(ctx context.Context) (int, error) {
			return s.remote.Delete(ctx, todo.Table, filter)
		}, s.retry)
		if err != nil {
			return todo.Item{}, err
		}
		if n == 0 {
			return todo.Item{}, errNotFound
		}
		return todo.Item{}, nil
	}

	return todo.Item{}, errors.Join(errPoison, errors.New("unknown action kind "+string(a.Kind)))
}
