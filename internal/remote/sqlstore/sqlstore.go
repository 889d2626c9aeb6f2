// Package sqlstore implements the remote row store on embedded SQLite.
//
// It backs the HTTP API served by `todo serve` and doubles as the reference
// implementation of remote.Store in tests. The database runs in WAL mode so
// readers proceed while a write is in flight. Writes are serialized and
// their change events are published to subscribers in commit order.
//
// Layout:
//   - Database file: <data_dir>/server.db (configurable)
//   - Schema: todos table, owner/created_at index
//   - Ids: uuid v4, assigned on insert
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/todo"
)

// timeFormat is fixed width so text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const itemColumns = "id, text, completed, user_id, created_at, updated_at"

// DB is a remote.Store backed by a SQLite database file.
type DB struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	now   func() time.Time
	newID func() string

	// writeMu serializes writes so events leave in commit order.
	writeMu sync.Mutex

	subMu  sync.Mutex
	subs   map[string]*subscriber
	closed bool
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the time source for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// WithIDs overrides id generation.
func WithIDs(newID func() string) Option {
	return func(db *DB) { db.newID = newID }
}

// Open opens (creating if needed) the database at path and initializes the
// schema. The caller must call Close.
//
// If logger is nil, a default logger writing to stderr is used.
func Open(path string, logger *log.Logger, opts ...Option) (*DB, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[sqlstore] ", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		path:   path,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
		subs:   make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(db)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes every subscription and the database.
func (db *DB) Close() error {
	db.subMu.Lock()
	if db.closed {
		db.subMu.Unlock()
		return nil
	}
	db.closed = true
	subs := db.subs
	db.subs = make(map[string]*subscriber)
	db.subMu.Unlock()

	for _, s := range subs {
		s.stop()
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// InitSchema creates the schema if it doesn't exist. It is idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS todos (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		user_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_todos_owner_created
	    ON todos(user_id, created_at);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (db *DB) checkOpen() error {
	db.subMu.Lock()
	defer db.subMu.Unlock()
	if db.closed {
		return remote.ErrClosed
	}
	return nil
}

func checkTable(table string) error {
	if table != todo.Table {
		return &remote.Error{
			Code:    remote.CodeUndefinedTable,
			Message: fmt.Sprintf("relation %q does not exist", table),
		}
	}
	return nil
}

// where renders filter as a WHERE clause. The owner predicate is always
// present.
func where(f remote.Filter) (string, []any) {
	conds := []string{"user_id = ?"}
	args := []any{f.Owner}
	if f.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, f.ID)
	}
	if len(f.IDs) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")
		conds = append(conds, "id IN ("+marks+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func orderBy(o remote.Order) (string, error) {
	col := o.Column
	switch col {
	case "":
		col = "created_at"
	case "created_at", "updated_at", "text", "id":
	default:
		return "", &remote.Error{
			Code:    remote.CodeInvalidRequest,
			Message: "invalid order column",
			Details: col,
		}
	}
	dir := "DESC"
	if o.Ascending {
		dir = "ASC"
	}
	// id breaks ties so equal timestamps still sort deterministically.
	return fmt.Sprintf(" ORDER BY %s %s, id %s", col, dir, dir), nil
}

func (db *DB) Select(ctx context.Context, table string, filter remote.Filter, order remote.Order) ([]todo.Item, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	ord, err := orderBy(order)
	if err != nil {
		return nil, err
	}

	clause, args := where(filter)
	rows, err := db.conn.QueryContext(ctx, "SELECT "+itemColumns+" FROM todos"+clause+ord, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (db *DB) Insert(ctx context.Context, table string, rows ...todo.Item) ([]todo.Item, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []todo.Item{}, nil
	}

	now := db.now().UTC()
	prepared := make([]todo.Item, len(rows))
	for i, r := range rows {
		if r.Owner == "" {
			return nil, (remote.Filter{}).Validate()
		}
		if r.ID == "" || todo.IsTempID(r.ID) {
			r.ID = db.newID()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.UpdatedAt = now
		if err := r.Validate(); err != nil {
			return nil, &remote.Error{Code: remote.CodeInvalidRequest, Message: "invalid row", Details: err.Error()}
		}
		prepared[i] = r
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO todos (` + itemColumns + `) VALUES (?, ?, ?, ?, ?, ?)`
	for _, r := range prepared {
		_, err := tx.ExecContext(ctx, query,
			r.ID, r.Text, r.Completed, r.Owner,
			r.CreatedAt.Format(timeFormat), r.UpdatedAt.Format(timeFormat),
		)
		if err != nil {
			return nil, mapError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}

	for i := range prepared {
		row := prepared[i]
		db.publish(remote.Event{Type: remote.EventInsert, Table: table, New: &row, Timestamp: now})
	}
	return prepared, nil
}

func (db *DB) Update(ctx context.Context, table string, patch remote.Patch, filter remote.Filter) ([]todo.Item, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if patch.Text != nil {
		if strings.TrimSpace(*patch.Text) == "" || todo.TextLen(*patch.Text) > todo.MaxTextLen {
			return nil, &remote.Error{Code: remote.CodeInvalidRequest, Message: "invalid row",
				Details: fmt.Sprintf("text must be 1-%d characters", todo.MaxTextLen)}
		}
	}

	now := db.now().UTC()
	sets := []string{"updated_at = ?"}
	args := []any{now.Format(timeFormat)}
	if patch.Text != nil {
		sets = append(sets, "text = ?")
		args = append(args, *patch.Text)
	}
	if patch.Completed != nil {
		sets = append(sets, "completed = ?")
		args = append(args, *patch.Completed)
	}
	clause, wargs := where(filter)
	args = append(args, wargs...)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	rows, err := db.conn.QueryContext(ctx,
		"UPDATE todos SET "+strings.Join(sets, ", ")+clause+" RETURNING "+itemColumns, args...)
	if err != nil {
		return nil, mapError(err)
	}
	items, err := scanItems(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range items {
		row := items[i]
		db.publish(remote.Event{Type: remote.EventUpdate, Table: table, New: &row, Timestamp: now})
	}
	return items, nil
}

func (db *DB) Delete(ctx context.Context, table string, filter remote.Filter) (int, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	if err := checkTable(table); err != nil {
		return 0, err
	}
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	clause, args := where(filter)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	rows, err := db.conn.QueryContext(ctx, "DELETE FROM todos"+clause+" RETURNING "+itemColumns, args...)
	if err != nil {
		return 0, mapError(err)
	}
	items, err := scanItems(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	now := db.now().UTC()
	for i := range items {
		row := items[i]
		db.publish(remote.Event{Type: remote.EventDelete, Table: table, Old: &row, Timestamp: now})
	}
	return len(items), nil
}

// Count returns the number of rows owned by owner.
func (db *DB) Count(ctx context.Context, owner string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM todos WHERE user_id = ?", owner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

func scanItems(rows *sql.Rows) ([]todo.Item, error) {
	items := []todo.Item{}
	for rows.Next() {
		var (
			it               todo.Item
			created, updated string
		)
		if err := rows.Scan(&it.ID, &it.Text, &it.Completed, &it.Owner, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var err error
		if it.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("failed to parse created_at for %s: %w", it.ID, err)
		}
		if it.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at for %s: %w", it.ID, err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return items, nil
}

// mapError translates SQLite failures into backend error codes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var re *remote.Error
	if errors.As(err, &re) {
		return err
	}

	var se *sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode() {
		case sqlite3.CONSTRAINT_UNIQUE, sqlite3.CONSTRAINT_PRIMARYKEY:
			return &remote.Error{Code: remote.CodeUniqueViolation, Message: "duplicate key value violates unique constraint", Details: se.Error()}
		case sqlite3.CONSTRAINT_FOREIGNKEY:
			return &remote.Error{Code: remote.CodeForeignKeyViolation, Message: "foreign key constraint violation", Details: se.Error()}
		}
		if strings.Contains(se.Error(), "no such table") {
			return &remote.Error{Code: remote.CodeUndefinedTable, Message: "relation does not exist", Details: se.Error()}
		}
		return &remote.Error{Code: remote.CodeInternal, Message: "database error", Details: se.Error()}
	}
	return err
}
