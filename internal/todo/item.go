// Package todo provides the data structures shared by the sync layer, the
// remote row store and the CLI.
package todo

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Table is the remote table holding to-do rows.
const Table = "todos"

// TempIDPrefix marks ids minted locally while offline. They are replaced by
// the authoritative id once the queued insert has been replayed.
const TempIDPrefix = "local-"

// MaxTextLen bounds the text of a single item, in characters.
const MaxTextLen = 500

// TextLen returns the length of text in characters as MaxTextLen counts it.
func TextLen(text string) int {
	return utf8.RuneCountInString(text)
}

// Item is a single to-do entry.
//
// Identity is ID. Text uniqueness per owner is a soft rule checked by the
// CLI before adding; the storage layer accepts duplicates.
type Item struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	Owner     string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the Item has valid field values.
func (i *Item) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(i.Text) == "" {
		return fmt.Errorf("text is required")
	}
	if n := TextLen(i.Text); n > MaxTextLen {
		return fmt.Errorf("text must be %d characters or less (got %d)", MaxTextLen, n)
	}
	if i.Owner == "" {
		return fmt.Errorf("user_id is required")
	}
	if i.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if i.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// IsTemporary reports whether the item still carries a locally minted id.
func (i *Item) IsTemporary() bool {
	return IsTempID(i.ID)
}

// IsTempID reports whether id was minted locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Normalize returns the key used to compare item texts: lower-cased and
// trimmed.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// LegacyItem is the record format of the pre-sync, browser-local store.
type LegacyItem struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
}

// LegacyKey is the storage key the pre-sync store persisted under.
const LegacyKey = "todo-storage"

type legacyBlob struct {
	State struct {
		Todos []LegacyItem `json:"todos"`
	} `json:"state"`
	Version int `json:"version"`
}

// ParseLegacy decodes the persisted legacy store blob.
// A blob without a todos array is an error.
func ParseLegacy(blob string) ([]LegacyItem, error) {
	var raw struct {
		State struct {
			Todos json.RawMessage `json:"todos"`
		} `json:"state"`
	}
	if err := json.Unmarshal([]byte(blob), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse legacy store: %w", err)
	}
	if len(raw.State.Todos) == 0 || raw.State.Todos[0] != '[' {
		return nil, fmt.Errorf("legacy store has no todos array")
	}

	var items []LegacyItem
	if err := json.Unmarshal(raw.State.Todos, &items); err != nil {
		return nil, fmt.Errorf("failed to parse legacy todos: %w", err)
	}
	return items, nil
}

// EncodeLegacy is the inverse of ParseLegacy.
func EncodeLegacy(items []LegacyItem) (string, error) {
	var blob legacyBlob
	blob.State.Todos = items
	if blob.State.Todos == nil {
		blob.State.Todos = []LegacyItem{}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("failed to marshal legacy store: %w", err)
	}
	return string(data), nil
}

// ToItem converts a legacy record into an Item owned by owner. The id is
// kept; the caller decides whether the remote side assigns a new one.
func (l LegacyItem) ToItem(owner string) Item {
	created := l.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return Item{
		ID:        l.ID,
		Text:      l.Text,
		Completed: l.Completed,
		Owner:     owner,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// IndexOf returns the position of id in items, or -1.
func IndexOf(items []Item, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}
