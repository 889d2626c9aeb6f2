// Package remote defines the contract the sync layer requires from the
// remote row store.
//
// Every read and write is scoped by a Filter that carries the owner id, so a
// guessed item id can never reach another owner's rows. Implementations live
// in sqlstore (embedded sqlite, used by the server) and httpstore (the client
// side of the HTTP API).
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/todosync/internal/todo"
)

// Backend error codes. They follow the PostgreSQL/PostgREST codes the hosted
// backend used, so error classification stays independent of the driver.
const (
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
	CodeUndefinedTable      = "42P01"
	CodeInsufficientPriv    = "42501"
	CodeInvalidCredential   = "PGRST116"
	CodeInternal            = "XX000"
	CodeInvalidRequest      = "22023"
)

// Common errors returned by Store implementations.
var (
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("remote store closed")

	// ErrOwnerRequired is returned when a filter has no owner.
	ErrOwnerRequired = errors.New("filter must be scoped to an owner")
)

// Error is a failure reported by the backend itself, as opposed to a
// transport failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s (code %s): %s", e.Message, e.Code, e.Details)
	}
	return fmt.Sprintf("%s (code %s)", e.Message, e.Code)
}

// Filter selects rows. Owner is mandatory; ID and IDs narrow further.
type Filter struct {
	Owner string   `json:"owner"`
	ID    string   `json:"id,omitempty"`
	IDs   []string `json:"ids,omitempty"`
}

// Validate checks that the filter is owner-scoped.
func (f Filter) Validate() error {
	if f.Owner == "" {
		return &Error{Code: CodeInsufficientPriv, Message: "permission denied", Details: ErrOwnerRequired.Error()}
	}
	return nil
}

// Matches reports whether item satisfies the filter.
func (f Filter) Matches(item todo.Item) bool {
	if item.Owner != f.Owner {
		return false
	}
	if f.ID != "" && item.ID != f.ID {
		return false
	}
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if id == item.ID {
				return true
			}
		}
		return false
	}
	return true
}

// Order sorts Select results. The zero value sorts by created_at descending.
type Order struct {
	Column    string `json:"column,omitempty"`
	Ascending bool   `json:"ascending,omitempty"`
}

// NewestFirst is the order the item list is shown in.
var NewestFirst = Order{Column: "created_at"}

// Patch is a partial update. Nil fields are left untouched; updated_at is
// always set by the store.
type Patch struct {
	Text      *string `json:"text,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Text == nil && p.Completed == nil
}

// EventType is the kind of change delivered by a subscription.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is a single change pushed by the real-time feed.
// For deletes only Old.ID and Old.Owner are guaranteed.
type Event struct {
	Type      EventType  `json:"type"`
	Table     string     `json:"table"`
	New       *todo.Item `json:"new,omitempty"`
	Old       *todo.Item `json:"old,omitempty"`
	Timestamp time.Time  `json:"commit_timestamp"`
}

// ItemID returns the id of the row the event concerns.
func (e Event) ItemID() string {
	if e.New != nil {
		return e.New.ID
	}
	if e.Old != nil {
		return e.Old.ID
	}
	return ""
}

// Owner returns the owner of the row the event concerns.
func (e Event) Owner() string {
	if e.New != nil {
		return e.New.Owner
	}
	if e.Old != nil {
		return e.Old.Owner
	}
	return ""
}

// Subscription is a handle to an open feed.
type Subscription interface {
	// ID identifies the subscription for logging.
	ID() string

	// Done is closed once the feed has ended, whether through Unsubscribe
	// or because the connection was lost.
	Done() <-chan struct{}
}

// Store is the remote row store capability.
type Store interface {
	// Select returns rows matching filter, sorted by order.
	Select(ctx context.Context, table string, filter Filter, order Order) ([]todo.Item, error)

	// Insert stores rows and returns them as persisted, with authoritative
	// ids and timestamps. Empty ids are assigned by the store.
	Insert(ctx context.Context, table string, rows ...todo.Item) ([]todo.Item, error)

	// Update applies patch to every row matching filter and returns the
	// updated rows. No match yields an empty slice, not an error.
	Update(ctx context.Context, table string, patch Patch, filter Filter) ([]todo.Item, error)

	// Delete removes rows matching filter and returns how many were removed.
	Delete(ctx context.Context, table string, filter Filter) (int, error)

	// Subscribe opens a feed of changes to rows matching filter. onEvent is
	// called from a goroutine owned by the store, in commit order. ctx bounds
	// opening the feed only; once open it lives until Unsubscribe or until
	// the connection ends.
	Subscribe(ctx context.Context, table string, filter Filter, onEvent func(Event)) (Subscription, error)

	// Unsubscribe closes a feed. Closing an unknown or already closed
	// subscription is not an error.
	Unsubscribe(sub Subscription) error
}
