package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/kv"
	"github.com/mschirtzinger/todosync/internal/queue"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/remote/api"
	"github.com/mschirtzinger/todosync/internal/remote/httpstore"
	"github.com/mschirtzinger/todosync/internal/remote/sqlstore"
	"github.com/mschirtzinger/todosync/internal/session"
	"github.com/mschirtzinger/todosync/internal/todo"
)

type liveFixture struct {
	db    *sqlstore.DB
	srv   *api.Server
	addr  string
	store *Store
}

// setupLive runs the API server on a real listener and connects a store to
// it over HTTP, so feeds can be dropped from the server side.
func setupLive(t *testing.T) *liveFixture {
	t.Helper()
	logger := quietLogger()

	db, err := sqlstore.Open(filepath.Join(t.TempDir(), "remote.db"), logger)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &liveFixture{db: db}
	f.start(t, "127.0.0.1:0")
	f.addr = f.srv.Addr()

	client, err := httpstore.New("http://"+f.addr, httpstore.WithLogger(logger))
	if err != nil {
		t.Fatalf("httpstore.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	storage := kv.NewMemory()
	f.store = New(client, session.Static{UserID: "u1"}, queue.New(storage, logger), storage,
		&Config{Retry: noSleep(), Logger: logger})
	t.Cleanup(func() { _ = f.store.Close() })
	return f
}

func (f *liveFixture) start(t *testing.T, addr string) {
	t.Helper()
	srv := api.NewServer(f.db, &api.Config{Addr: addr, Logger: quietLogger()})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	f.srv = srv
}

func TestFeedReopensAfterServerRestart(t *testing.T) {
	f := setupLive(t)
	ctx := context.Background()

	goOnline(t, f.store)
	if !f.store.State().Subscribed {
		t.Fatal("going online did not open the feed")
	}

	if err := f.srv.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	waitFor(t, "the dropped feed to be noticed", func() bool { return !f.store.State().Subscribed })
	if !f.store.State().IsOnline {
		t.Error("a dropped feed should not change connectivity")
	}

	f.start(t, f.addr)
	if err := f.store.FetchTodos(ctx); err != nil {
		t.Fatalf("FetchTodos() failed: %v", err)
	}
	if !f.store.State().Subscribed {
		t.Fatal("fetch did not reopen the feed")
	}
	if n := f.srv.ClientCount(); n != 1 {
		t.Errorf("server has %d feed(s), want 1", n)
	}

	if _, err := f.db.Insert(ctx, todo.Table, todo.Item{Text: "from another device", Owner: "u1"}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	waitFor(t, "feed insert after restart", func() bool { return len(f.store.State().Todos) == 1 })
}

func TestFeedOutlivesCallContext(t *testing.T) {
	f := setupLive(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := f.store.SetIsOnline(ctx, true); err != nil {
		t.Fatalf("SetIsOnline(true) failed: %v", err)
	}
	cancel()

	if _, err := f.db.Insert(context.Background(), todo.Table, todo.Item{Text: "later", Owner: "u1"}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	waitFor(t, "feed insert after the call returned", func() bool { return len(f.store.State().Todos) == 1 })
	if !f.store.State().Subscribed {
		t.Error("feed closed with the caller's context")
	}
}

func TestUnsubscribeIsNotReportedAsDroppedFeed(t *testing.T) {
	f := setupStore(t)
	goOnline(t, f.store)

	if err := f.store.UnsubscribeFromChanges(); err != nil {
		t.Fatalf("UnsubscribeFromChanges() failed: %v", err)
	}
	if err := f.store.SubscribeToChanges(context.Background()); err != nil {
		t.Fatalf("SubscribeToChanges() failed: %v", err)
	}
	// The first feed's end must not clear the second one.
	time.Sleep(50 * time.Millisecond)
	if !f.store.State().Subscribed {
		t.Error("replacement feed was forgotten")
	}
	if n := f.remote.DB.Subscribers(); n != 1 {
		t.Errorf("remote has %d subscriber(s), want 1", n)
	}
}

func TestFeedEventIgnoredOnceStale(t *testing.T) {
	row := todo.Item{ID: "r1", Text: "from the feed", Owner: "u1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	event := remote.Event{Type: remote.EventInsert, Table: todo.Table, New: &row}

	tests := []struct {
		name  string
		stale func(s *Store)
	}{
		{"went offline", func(s *Store) { s.online = false }},
		{"feed closed", func(s *Store) { s.sub = nil }},
		{"owner changed", func(s *Store) { s.listOwner = "u2" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupStore(t)
			goOnline(t, f.store)
			if !f.store.State().Subscribed {
				t.Fatal("feed not open")
			}

			f.store.mu.Lock()
			tt.stale(f.store)
			f.store.mu.Unlock()

			f.store.handleEvent(event)
			if n := len(f.store.State().Todos); n != 0 {
				t.Errorf("stale event applied: %d item(s)", n)
			}
		})
	}

	f := setupStore(t)
	goOnline(t, f.store)
	f.store.handleEvent(event)
	if n := len(f.store.State().Todos); n != 1 {
		t.Errorf("live event not applied: %d item(s)", n)
	}
}
