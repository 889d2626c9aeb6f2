package store

import (
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/todo"
)

// The list transitions below never modify their input; each returns a new
// slice so snapshots handed to observers stay stable.

// prepend puts item first. An existing entry with the same id is dropped
// so the list never holds an id twice.
func prepend(items []todo.Item, item todo.Item) []todo.Item {
	out := make([]todo.Item, 0, len(items)+1)
	out = append(out, item)
	for _, it := range items {
		if it.ID != item.ID {
			out = append(out, it)
		}
	}
	return out
}

// replace swaps the entry with id for item, keeping its position.
func replace(items []todo.Item, id string, item todo.Item) ([]todo.Item, bool) {
	i := todo.IndexOf(items, id)
	if i < 0 {
		return items, false
	}
	out := make([]todo.Item, 0, len(items))
	for j, it := range items {
		switch {
		case j == i:
			out = append(out, item)
		case it.ID == item.ID:
			// item's id may already be present when a feed event beat us.
		default:
			out = append(out, it)
		}
	}
	return out, true
}

// remove drops the entry with id.
func remove(items []todo.Item, id string) ([]todo.Item, bool) {
	i := todo.IndexOf(items, id)
	if i < 0 {
		return items, false
	}
	out := make([]todo.Item, 0, len(items)-1)
	out = append(out, items[:i]...)
	return append(out, items[i+1:]...), true
}

// applyEvent folds a feed event into the list.
//
// Inserts are deduplicated by id. Updates apply only when they are not older
// than the local copy, so a late echo of an earlier write cannot undo a
// newer optimistic edit. Deletes always apply.
func applyEvent(items []todo.Item, e remote.Event) ([]todo.Item, bool) {
	switch e.Type {
	case remote.EventInsert:
		if e.New == nil {
			return items, false
		}
		if i := todo.IndexOf(items, e.New.ID); i >= 0 {
			if items[i].UpdatedAt.After(e.New.UpdatedAt) {
				return items, false
			}
			return replace(items, e.New.ID, *e.New)
		}
		return prepend(items, *e.New), true

	case remote.EventUpdate:
		if e.New == nil {
			return items, false
		}
		i := todo.IndexOf(items, e.New.ID)
		if i < 0 || items[i].UpdatedAt.After(e.New.UpdatedAt) {
			return items, false
		}
		return replace(items, e.New.ID, *e.New)

	case remote.EventDelete:
		id := e.ItemID()
		if id == "" {
			return items, false
		}
		return remove(items, id)
	}
	return items, false
}
