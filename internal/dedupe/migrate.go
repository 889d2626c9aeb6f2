package dedupe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mschirtzinger/todosync/internal/apperr"
	"github.com/mschirtzinger/todosync/internal/kv"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/retry"
	"github.com/mschirtzinger/todosync/internal/session"
	"github.com/mschirtzinger/todosync/internal/todo"
)

// ErrNothingToMigrate is returned when no legacy data is stored.
var ErrNothingToMigrate = errors.New("no legacy data to migrate")

// Migrator moves the legacy local item set into the remote store once.
type Migrator struct {
	storage kv.Storage
	remote  remote.Store
	session session.Provider
	retry   retry.Options
	logger  *log.Logger
}

// NewMigrator creates a migrator.
//
// If logger is nil, a default logger writing to stderr is used.
func NewMigrator(storage kv.Storage, store remote.Store, sess session.Provider, opts retry.Options, logger *log.Logger) *Migrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	return &Migrator{
		storage: storage,
		remote:  store,
		session: sess,
		retry:   opts,
		logger:  logger,
	}
}

// Result describes a migration attempt.
type Result struct {
	// Groups is set when collisions were found and no strategy was given.
	// Nothing was written in that case.
	Groups []Group

	// Strategy is the strategy applied.
	Strategy Strategy

	Migrated      int
	DeletedRemote int

	// Skipped counts legacy items with unusable text. They are left in the
	// legacy data instead of being discarded.
	Skipped int
}

// NeedsStrategy reports whether the caller must pick a strategy and run
// again.
func (r Result) NeedsStrategy() bool {
	return len(r.Groups) > 0 && r.Strategy == ""
}

// Pending returns the stored legacy items, or ErrNothingToMigrate.
func (m *Migrator) Pending() ([]todo.LegacyItem, error) {
	blob, ok, err := m.storage.Get(todo.LegacyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy data: %w", err)
	}
	if !ok || strings.TrimSpace(blob) == "" {
		return nil, ErrNothingToMigrate
	}
	return todo.ParseLegacy(blob)
}

// Run migrates the legacy items of the signed-in user.
//
// With an empty strategy, Run only proceeds when there are no collisions;
// otherwise it returns the groups for the caller to choose. After a
// successful import the legacy data is removed, except for skipped items,
// which remain stored so they can be recovered by hand.
func (m *Migrator) Run(ctx context.Context, strategy Strategy) (Result, error) {
	sess, ok := m.session.Get()
	if !ok {
		return Result{}, apperr.AuthRequired()
	}

	legacy, err := m.Pending()
	if err != nil {
		return Result{}, err
	}

	var (
		local   []todo.Item
		skipped []todo.LegacyItem
	)
	for _, l := range legacy {
		if strings.TrimSpace(l.Text) == "" || todo.TextLen(l.Text) > todo.MaxTextLen {
			m.logger.Printf("Warning: skipping legacy item %s with invalid text", l.ID)
			skipped = append(skipped, l)
			continue
		}
		local = append(local, l.ToItem(sess.UserID))
	}

	remoteItems, err := retry.Do(ctx, func(ctx context.Context) ([]todo.Item, error) {
		return m.remote.Select(ctx, todo.Table, remote.Filter{Owner: sess.UserID}, remote.NewestFirst)
	}, m.retry)
	if err != nil {
		return Result{}, apperr.Classify(err)
	}

	groups := FindDuplicates(local, remoteItems)
	if len(groups) > 0 && strategy == "" {
		return Result{Groups: groups, Skipped: len(skipped)}, nil
	}
	if strategy == "" {
		strategy = KeepAll
	}

	plan, err := Resolve(groups, local, strategy)
	if err != nil {
		return Result{}, apperr.Invalid(err.Error())
	}

	res := Result{Strategy: strategy, Skipped: len(skipped)}

	if len(plan.DeleteRemote) > 0 {
		n, err := retry.Do(ctx, func(ctx context.Context) (int, error) {
			return m.remote.Delete(ctx, todo.Table, remote.Filter{Owner: sess.UserID, IDs: plan.DeleteRemote})
		}, m.retry)
		if err != nil {
			return res, apperr.Classify(err)
		}
		res.DeletedRemote = n
	}

	if len(plan.Migrate) > 0 {
		rows := make([]todo.Item, len(plan.Migrate))
		for i, item := range plan.Migrate {
			item.ID = ""
			item.Owner = sess.UserID
			rows[i] = item
		}
		inserted, err := retry.Do(ctx, func(ctx context.Context) ([]todo.Item, error) {
			return m.remote.Insert(ctx, todo.Table, rows...)
		}, m.retry)
		if err != nil {
			return res, apperr.Classify(err)
		}
		res.Migrated = len(inserted)
	}

	m.retire(skipped)
	m.logger.Printf("Migrated %d item(s) using %s", res.Migrated, strategy)
	return res, nil
}

// retire removes the migrated legacy data, keeping only the skipped items.
func (m *Migrator) retire(skipped []todo.LegacyItem) {
	if len(skipped) == 0 {
		if err := m.storage.Remove(todo.LegacyKey); err != nil {
			m.logger.Printf("Warning: migrated but failed to remove legacy data: %v", err)
		}
		return
	}

	blob, err := todo.EncodeLegacy(skipped)
	if err == nil {
		err = m.storage.Set(todo.LegacyKey, blob)
	}
	if err != nil {
		m.logger.Printf("Warning: migrated but failed to rewrite legacy data: %v", err)
	}
}
