package dedupe

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/apperr"
	"github.com/mschirtzinger/todosync/internal/kv"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/remote/sqlstore"
	"github.com/mschirtzinger/todosync/internal/retry"
	"github.com/mschirtzinger/todosync/internal/session"
	"github.com/mschirtzinger/todosync/internal/todo"
)

type migrateFixture struct {
	storage *kv.Memory
	db      *sqlstore.DB
}

func setupMigrate(t *testing.T, legacy []todo.LegacyItem) *migrateFixture {
	t.Helper()
	db, err := sqlstore.Open(filepath.Join(t.TempDir(), "server.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	storage := kv.NewMemory()
	if legacy != nil {
		blob, err := todo.EncodeLegacy(legacy)
		if err != nil {
			t.Fatalf("EncodeLegacy() failed: %v", err)
		}
		if err := storage.Set(todo.LegacyKey, blob); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
	}
	return &migrateFixture{storage: storage, db: db}
}

func (f *migrateFixture) migrator(user string) *Migrator {
	opts := retry.Options{Sleep: func(context.Context, time.Duration) error { return nil }}
	return NewMigrator(f.storage, f.db, session.Static{UserID: user}, opts, log.New(io.Discard, "", 0))
}

func (f *migrateFixture) remoteTexts(t *testing.T, owner string) map[string]int {
	t.Helper()
	rows, err := f.db.Select(context.Background(), todo.Table, remote.Filter{Owner: owner}, remote.NewestFirst)
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	out := make(map[string]int)
	for _, r := range rows {
		out[r.Text]++
	}
	return out
}

func TestMigrate_NoCollisions(t *testing.T) {
	created := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	f := setupMigrate(t, []todo.LegacyItem{
		{ID: "1", Text: "buy milk", CreatedAt: created},
		{ID: "2", Text: "walk dog", Completed: true, CreatedAt: created},
	})

	res, err := f.migrator("u1").Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.NeedsStrategy() || res.Migrated != 2 {
		t.Errorf("unexpected result: %+v", res)
	}

	rows, _ := f.db.Select(context.Background(), todo.Table, remote.Filter{Owner: "u1"}, remote.NewestFirst)
	for _, r := range rows {
		if !r.CreatedAt.Equal(created) {
			t.Errorf("created_at = %v, want original %v", r.CreatedAt, created)
		}
	}

	if _, ok, _ := f.storage.Get(todo.LegacyKey); ok {
		t.Error("legacy data still present after migration")
	}
	if _, err := f.migrator("u1").Run(context.Background(), ""); !errors.Is(err, ErrNothingToMigrate) {
		t.Errorf("second Run() err = %v, want ErrNothingToMigrate", err)
	}
}

func TestMigrate_CollisionsNeedStrategy(t *testing.T) {
	f := setupMigrate(t, []todo.LegacyItem{{ID: "1", Text: "Buy Milk", CreatedAt: time.Now()}})
	if _, err := f.db.Insert(context.Background(), todo.Table, todo.Item{Text: "buy milk ", Owner: "u1"}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	res, err := f.migrator("u1").Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !res.NeedsStrategy() || len(res.Groups) != 1 {
		t.Fatalf("expected one group needing a strategy, got %+v", res)
	}
	if _, ok, _ := f.storage.Get(todo.LegacyKey); !ok {
		t.Error("legacy data removed before a strategy was chosen")
	}
}

func TestMigrate_KeepLocalReplacesRemote(t *testing.T) {
	f := setupMigrate(t, []todo.LegacyItem{{ID: "1", Text: "Buy Milk", CreatedAt: time.Now()}})
	ctx := context.Background()
	if _, err := f.db.Insert(ctx, todo.Table, todo.Item{Text: "buy milk", Owner: "u1"}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if _, err := f.db.Insert(ctx, todo.Table, todo.Item{Text: "buy milk", Owner: "u2"}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	res, err := f.migrator("u1").Run(ctx, KeepLocal)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.DeletedRemote != 1 || res.Migrated != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if got := f.remoteTexts(t, "u1"); got["Buy Milk"] != 1 || got["buy milk"] != 0 {
		t.Errorf("u1 rows = %v", got)
	}
	if got := f.remoteTexts(t, "u2"); got["buy milk"] != 1 {
		t.Errorf("another owner's row was touched: %v", got)
	}
}

func TestMigrate_RequiresSession(t *testing.T) {
	f := setupMigrate(t, []todo.LegacyItem{{ID: "1", Text: "a"}})
	_, err := f.migrator("").Run(context.Background(), KeepAll)
	if apperr.CodeOf(err) != apperr.CodeAuthRequired {
		t.Errorf("err = %v, want AUTH_REQUIRED", err)
	}
}

func TestMigrate_SkipsInvalidLegacyItems(t *testing.T) {
	// 300 CJK characters take 900 bytes but are within the limit.
	cjk := strings.Repeat("买", 300)
	tooLong := strings.Repeat("x", todo.MaxTextLen+1)
	f := setupMigrate(t, []todo.LegacyItem{
		{ID: "1", Text: "   ", CreatedAt: time.Now()},
		{ID: "2", Text: "fine", CreatedAt: time.Now()},
		{ID: "3", Text: cjk, CreatedAt: time.Now()},
		{ID: "4", Text: tooLong, CreatedAt: time.Now()},
	})
	res, err := f.migrator("u1").Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Skipped != 2 || res.Migrated != 2 {
		t.Errorf("unexpected result: %+v", res)
	}
	if got := f.remoteTexts(t, "u1"); got[cjk] != 1 || got["fine"] != 1 {
		t.Errorf("u1 rows = %v", got)
	}

	// Skipped items stay in the legacy data; migrated ones are gone.
	left, err := f.migrator("u1").Pending()
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(left) != 2 || left[0].ID != "1" || left[1].ID != "4" || left[1].Text != tooLong {
		t.Errorf("legacy data after migration = %+v", left)
	}
}
