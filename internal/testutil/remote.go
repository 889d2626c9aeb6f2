// Package testutil provides testing utilities.
package testutil

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/remote/sqlstore"
	"github.com/mschirtzinger/todosync/internal/todo"
)

// Call records one remote operation.
type Call struct {
	Op     string
	Filter remote.Filter
}

// FakeRemote is a real sqlite-backed remote.Store with error injection
// and call recording.
type FakeRemote struct {
	DB *sqlstore.DB

	mu    sync.Mutex
	calls []Call

	// Error injection for testing
	SelectErr    error
	InsertErr    error
	UpdateErr    error
	DeleteErr    error
	SubscribeErr error

	// InsertErrByText fails inserts of rows with a given text.
	InsertErrByText map[string]error
}

// NewFakeRemote opens a store in a temp dir that is closed on cleanup.
func NewFakeRemote(tb testing.TB) *FakeRemote {
	tb.Helper()
	db, err := sqlstore.Open(filepath.Join(tb.TempDir(), "remote.db"), log.New(io.Discard, "", 0))
	if err != nil {
		tb.Fatalf("failed to open fake remote: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })
	return &FakeRemote{DB: db, InsertErrByText: make(map[string]error)}
}

func (f *FakeRemote) record(op string, filter remote.Filter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Filter: filter})
}

// Calls returns the recorded operations.
func (f *FakeRemote) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many times op was called.
func (f *FakeRemote) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Rows returns owner's rows, newest first.
func (f *FakeRemote) Rows(tb testing.TB, owner string) []todo.Item {
	tb.Helper()
	rows, err := f.DB.Select(context.Background(), todo.Table, remote.Filter{Owner: owner}, remote.NewestFirst)
	if err != nil {
		tb.Fatalf("failed to read fake remote: %v", err)
	}
	return rows
}

func (f *FakeRemote) Select(ctx context.Context, table string, filter remote.Filter, order remote.Order) ([]todo.Item, error) {
	f.record("select", filter)
	if f.SelectErr != nil {
		return nil, f.SelectErr
	}
	return f.DB.Select(ctx, table, filter, order)
}

func (f *FakeRemote) Insert(ctx context.Context, table string, rows ...todo.Item) ([]todo.Item, error) {
	owner := ""
	if len(rows) > 0 {
		owner = rows[0].Owner
	}
	f.record("insert", remote.Filter{Owner: owner})
	if f.InsertErr != nil {
		return nil, f.InsertErr
	}
	for _, r := range rows {
		if err := f.InsertErrByText[r.Text]; err != nil {
			return nil, err
		}
	}
	return f.DB.Insert(ctx, table, rows...)
}

func (f *FakeRemote) Update(ctx context.Context, table string, patch remote.Patch, filter remote.Filter) ([]todo.Item, error) {
	f.record("update", filter)
	if f.UpdateErr != nil {
		return nil, f.UpdateErr
	}
	return f.DB.Update(ctx, table, patch, filter)
}

func (f *FakeRemote) Delete(ctx context.Context, table string, filter remote.Filter) (int, error) {
	f.record("delete", filter)
	if f.DeleteErr != nil {
		return 0, f.DeleteErr
	}
	return f.DB.Delete(ctx, table, filter)
}

func (f *FakeRemote) Subscribe(ctx context.Context, table string, filter remote.Filter, onEvent func(remote.Event)) (remote.Subscription, error) {
	f.record("subscribe", filter)
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}
	return f.DB.Subscribe(ctx, table, filter, onEvent)
}

func (f *FakeRemote) Unsubscribe(sub remote.Subscription) error {
	f.record("unsubscribe", remote.Filter{})
	return f.DB.Unsubscribe(sub)
}
