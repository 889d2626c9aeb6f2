// Package view derives what the list shows: the search and status filter,
// grouping by creation day, and summary counts.
package view

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mschirtzinger/todosync/internal/todo"
)

// Filter restricts the list by completion status.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterCompleted Filter = "completed"
	FilterPending   Filter = "pending"
)

// ParseFilter validates s. The empty string means FilterAll.
func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterCompleted, FilterPending:
		return Filter(s), nil
	}
	return "", fmt.Errorf("unknown filter %q (valid: all, completed, pending)", s)
}

// Matches reports whether item passes the filter.
func (f Filter) Matches(item todo.Item) bool {
	switch f {
	case FilterCompleted:
		return item.Completed
	case FilterPending:
		return !item.Completed
	default:
		return true
	}
}

// Apply returns the items whose text contains query (case-insensitive) and
// that pass filter, preserving order.
func Apply(items []todo.Item, query string, filter Filter) []todo.Item {
	q := strings.ToLower(query)
	out := make([]todo.Item, 0, len(items))
	for _, it := range items {
		if q != "" && !strings.Contains(strings.ToLower(it.Text), q) {
			continue
		}
		if !filter.Matches(it) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Since returns the items created at or after t.
func Since(items []todo.Item, t time.Time) []todo.Item {
	out := make([]todo.Item, 0, len(items))
	for _, it := range items {
		if !it.CreatedAt.Before(t) {
			out = append(out, it)
		}
	}
	return out
}

// Group is the items created on one calendar day.
type Group struct {
	// Label is "Today", "Yesterday", or the date as YYYY-MM-DD.
	Label string
	Day   time.Time
	Items []todo.Item
}

// GroupByDay buckets items by creation day in now's location. Groups and
// the items inside them are newest first.
func GroupByDay(items []todo.Item, now time.Time) []Group {
	loc := now.Location()
	today := startOfDay(now)
	yesterday := today.AddDate(0, 0, -1)

	index := make(map[time.Time]int)
	var groups []Group
	for _, it := range items {
		day := startOfDay(it.CreatedAt.In(loc))
		i, ok := index[day]
		if !ok {
			label := day.Format("2006-01-02")
			switch {
			case day.Equal(today):
				label = "Today"
			case day.Equal(yesterday):
				label = "Yesterday"
			}
			i = len(groups)
			index[day] = i
			groups = append(groups, Group{Label: label, Day: day})
		}
		groups[i].Items = append(groups[i].Items, it)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Day.After(groups[j].Day) })
	for _, g := range groups {
		sort.SliceStable(g.Items, func(i, j int) bool {
			return g.Items[i].CreatedAt.After(g.Items[j].CreatedAt)
		})
	}
	return groups
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Stats are the summary counts shown above the list.
type Stats struct {
	Total     int
	Completed int
	Pending   int
}

// ComputeStats counts items.
func ComputeStats(items []todo.Item) Stats {
	var s Stats
	for _, it := range items {
		s.Total++
		if it.Completed {
			s.Completed++
		}
	}
	s.Pending = s.Total - s.Completed
	return s
}

// HasText reports whether items already holds text under normalization.
// The CLI uses it to keep texts unique per owner.
func HasText(items []todo.Item, text string) bool {
	key := todo.Normalize(text)
	for _, it := range items {
		if todo.Normalize(it.Text) == key {
			return true
		}
	}
	return false
}
