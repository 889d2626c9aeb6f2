// Package dedupe detects text collisions between the legacy local item set
// and the remote one, and turns a chosen resolution strategy into a plan.
//
// Two items collide when their normalized texts (lower-cased, trimmed) are
// equal. Only groups with at least two members are reported.
package dedupe

import (
	"fmt"
	"sort"

	"github.com/mschirtzinger/todosync/internal/todo"
)

// Origin says which side an item came from.
type Origin string

const (
	Local  Origin = "LOCAL"
	Remote Origin = "REMOTE"
)

// Member is one item of a duplicate group.
type Member struct {
	Item   todo.Item
	Origin Origin
}

// Group is a set of items sharing a normalized text.
type Group struct {
	// Key is the normalized text.
	Key string

	// Text is the text as first seen, for display.
	Text string

	Members []Member
}

// HasOrigin reports whether any member came from o.
func (g Group) HasOrigin(o Origin) bool {
	for _, m := range g.Members {
		if m.Origin == o {
			return true
		}
	}
	return false
}

// Strategy selects how collisions are resolved.
type Strategy string

const (
	// KeepAll migrates every local item and deletes nothing.
	KeepAll Strategy = "keep-all"

	// KeepLocal deletes remote members of every group and migrates every
	// local item.
	KeepLocal Strategy = "keep-local"

	// KeepRemote migrates only local items without a remote counterpart.
	KeepRemote Strategy = "keep-remote"

	// Merge keeps the earliest-created member of each group.
	Merge Strategy = "merge"
)

// Strategies lists every strategy in display order.
var Strategies = []Strategy{KeepAll, KeepLocal, KeepRemote, Merge}

// ParseStrategy validates s.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q (valid: keep-all, keep-local, keep-remote, merge)", s)
}

// Plan is the outcome of resolving groups.
type Plan struct {
	// Migrate is the local items to insert remotely.
	Migrate []todo.Item

	// DeleteRemote is the ids of remote items to delete first.
	DeleteRemote []string
}

// FindDuplicates groups local and remote items by normalized text. Groups
// come out in first-seen order, local items before remote ones.
func FindDuplicates(local, remote []todo.Item) []Group {
	index := make(map[string]int)
	var groups []Group

	add := func(item todo.Item, origin Origin) {
		key := todo.Normalize(item.Text)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key, Text: item.Text})
		}
		groups[i].Members = append(groups[i].Members, Member{Item: item, Origin: origin})
	}

	for _, item := range local {
		add(item, Local)
	}
	for _, item := range remote {
		add(item, Remote)
	}

	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		if len(g.Members) >= 2 {
			out = append(out, g)
		}
	}
	return out
}

// Resolve applies strategy to groups and the full local set.
func Resolve(groups []Group, local []todo.Item, strategy Strategy) (Plan, error) {
	byKey := make(map[string]Group, len(groups))
	for _, g := range groups {
		byKey[g.Key] = g
	}

	var plan Plan
	switch strategy {
	case KeepAll:
		plan.Migrate = append(plan.Migrate, local...)

	case KeepLocal:
		for _, g := range groups {
			for _, m := range g.Members {
				if m.Origin == Remote {
					plan.DeleteRemote = append(plan.DeleteRemote, m.Item.ID)
				}
			}
		}
		plan.Migrate = append(plan.Migrate, local...)

	case KeepRemote:
		for _, item := range local {
			g, ok := byKey[todo.Normalize(item.Text)]
			if ok && g.HasOrigin(Remote) {
				continue
			}
			plan.Migrate = append(plan.Migrate, item)
		}

	case Merge:
		for _, item := range local {
			g, ok := byKey[todo.Normalize(item.Text)]
			if !ok {
				plan.Migrate = append(plan.Migrate, item)
				continue
			}
			keep := Earliest(g)
			if keep.Origin == Local && keep.Item.ID == item.ID {
				plan.Migrate = append(plan.Migrate, item)
			}
		}

	default:
		return Plan{}, fmt.Errorf("unknown strategy %q", strategy)
	}
	return plan, nil
}

// Earliest returns the member a merge keeps: the earliest created, with
// ties going to REMOTE and then to the smaller id.
func Earliest(g Group) Member {
	members := make([]Member, len(g.Members))
	copy(members, g.Members)
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if !a.Item.CreatedAt.Equal(b.Item.CreatedAt) {
			return a.Item.CreatedAt.Before(b.Item.CreatedAt)
		}
		if a.Origin != b.Origin {
			return a.Origin == Remote
		}
		return a.Item.ID < b.Item.ID
	})
	return members[0]
}
