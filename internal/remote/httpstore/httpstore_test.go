package httpstore

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/apperr"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/remote/api"
	"github.com/mschirtzinger/todosync/internal/remote/sqlstore"
	"github.com/mschirtzinger/todosync/internal/todo"
)

type harness struct {
	db     *sqlstore.DB
	srv    *api.Server
	client *Client
}

// setupHarness serves a fresh sqlite store and returns a client for it.
func setupHarness(t *testing.T) *harness {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	db, err := sqlstore.Open(filepath.Join(t.TempDir(), "server.db"), logger)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	srv := api.NewServer(db, &api.Config{Logger: logger})
	ts := httptest.NewServer(srv.Handler())

	client, err := New(ts.URL, WithLogger(logger))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Close()
		ts.Close()
		_ = db.Close()
	})
	return &harness{db: db, srv: srv, client: client}
}

func TestNew_RejectsBadURL(t *testing.T) {
	if _, err := New("ftp://example.com"); err == nil {
		t.Error("expected error for non-http scheme")
	}
}

func TestRoundTrip(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	inserted, err := h.client.Insert(ctx, todo.Table, todo.Item{Text: "buy milk", Owner: "u1"})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if len(inserted) != 1 || inserted[0].ID == "" {
		t.Fatalf("unexpected insert result: %+v", inserted)
	}
	id := inserted[0].ID

	done := true
	updated, err := h.client.Update(ctx, todo.Table, remote.Patch{Completed: &done}, remote.Filter{Owner: "u1", ID: id})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if len(updated) != 1 || !updated[0].Completed {
		t.Errorf("unexpected update result: %+v", updated)
	}

	rows, err := h.client.Select(ctx, todo.Table, remote.Filter{Owner: "u1"}, remote.NewestFirst)
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != id {
		t.Errorf("unexpected select result: %+v", rows)
	}

	n, err := h.client.Delete(ctx, todo.Table, remote.Filter{Owner: "u1", ID: id})
	if err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Delete() = %d, want 1", n)
	}
}

func TestBackendErrorsSurviveTransport(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	row := todo.Item{ID: "fixed", Text: "a", Owner: "u1"}
	if _, err := h.client.Insert(ctx, todo.Table, row); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	_, err := h.client.Insert(ctx, todo.Table, row)

	var re *remote.Error
	if !errors.As(err, &re) || re.Code != remote.CodeUniqueViolation {
		t.Fatalf("err = %v, want code %s", err, remote.CodeUniqueViolation)
	}
	if got := apperr.CodeOf(err); got != apperr.CodeDuplicate {
		t.Errorf("CodeOf() = %s, want %s", got, apperr.CodeDuplicate)
	}
}

func TestUnreachableIsNetworkError(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	client, err := New(url, WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	_, err = client.Select(context.Background(), todo.Table, remote.Filter{Owner: "u1"}, remote.NewestFirst)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := apperr.CodeOf(err); got != apperr.CodeNetwork {
		t.Errorf("CodeOf() = %s, want %s", got, apperr.CodeNetwork)
	}
	if err := client.Health(context.Background()); err == nil {
		t.Error("Health() succeeded against closed server")
	}
}

func TestSubscribe_ReceivesOwnEvents(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	events := make(chan remote.Event, 8)
	sub, err := h.client.Subscribe(ctx, todo.Table, remote.Filter{Owner: "u1"}, func(e remote.Event) {
		events <- e
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	if _, err := h.db.Insert(ctx, todo.Table, todo.Item{Text: "other", Owner: "u2"}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	mine, err := h.db.Insert(ctx, todo.Table, todo.Item{Text: "mine", Owner: "u1"})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	select {
	case e := <-events:
		if e.Type != remote.EventInsert || e.ItemID() != mine[0].ID {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	if err := h.client.Unsubscribe(sub); err != nil {
		t.Fatalf("Unsubscribe() failed: %v", err)
	}
	if err := h.client.Unsubscribe(sub); err != nil {
		t.Errorf("second Unsubscribe() failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for h.db.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("server kept the subscription after unsubscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubscribe_OutlivesOpeningContext(t *testing.T) {
	h := setupHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	events := make(chan remote.Event, 8)
	sub, err := h.client.Subscribe(ctx, todo.Table, remote.Filter{Owner: "u1"}, func(e remote.Event) {
		events <- e
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	cancel()

	if _, err := h.db.Insert(context.Background(), todo.Table, todo.Item{Text: "after cancel", Owner: "u1"}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	select {
	case e := <-events:
		if e.Type != remote.EventInsert {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-sub.Done():
		t.Fatal("feed ended with the context that opened it")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribe_DoneWhenServerGoesAway(t *testing.T) {
	h := setupHarness(t)

	sub, err := h.client.Subscribe(context.Background(), todo.Table, remote.Filter{Owner: "u1"}, func(remote.Event) {})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	select {
	case <-sub.Done():
		t.Fatal("Done() closed while the feed is open")
	default:
	}

	if err := h.srv.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done() not closed after the server dropped the feed")
	}

	// The client already forgot the feed; unsubscribing is still safe.
	if err := h.client.Unsubscribe(sub); err != nil {
		t.Errorf("Unsubscribe() after drop failed: %v", err)
	}
}

var _ remote.Store = (*Client)(nil)
