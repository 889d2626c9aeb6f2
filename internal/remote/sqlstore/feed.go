package sqlstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/mschirtzinger/todosync/internal/remote"
)

// subscriber delivers events to one callback on its own goroutine. Its
// backlog is unbounded so a slow consumer never stalls writers.
type subscriber struct {
	id      string
	table   string
	filter  remote.Filter
	onEvent func(remote.Event)

	mu      sync.Mutex
	backlog []remote.Event
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) ID() string { return s.id }

func (s *subscriber) Done() <-chan struct{} { return s.done }

func (s *subscriber) push(e remote.Event) {
	s.mu.Lock()
	s.backlog = append(s.backlog, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.backlog) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.backlog[0]
			s.backlog = s.backlog[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.onEvent(e)
		}
	}
}

// Subscribe opens an in-process change feed. Events for rows outside filter
// are never delivered. The subscription ends on Unsubscribe or on Close.
func (db *DB) Subscribe(ctx context.Context, table string, filter remote.Filter, onEvent func(remote.Event)) (remote.Subscription, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &subscriber{
		id:      uuid.NewString(),
		table:   table,
		filter:  filter,
		onEvent: onEvent,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	db.subMu.Lock()
	if db.closed {
		db.subMu.Unlock()
		return nil, remote.ErrClosed
	}
	db.subs[s.id] = s
	db.subMu.Unlock()

	go s.run()
	return s, nil
}

func (db *DB) Unsubscribe(sub remote.Subscription) error {
	if sub == nil {
		return nil
	}
	db.subMu.Lock()
	s, ok := db.subs[sub.ID()]
	delete(db.subs, sub.ID())
	db.subMu.Unlock()

	if ok {
		s.stop()
	}
	return nil
}

// Subscribers returns the number of open subscriptions.
func (db *DB) Subscribers() int {
	db.subMu.Lock()
	defer db.subMu.Unlock()
	return len(db.subs)
}

// publish fans e out to matching subscribers. Caller holds writeMu.
func (db *DB) publish(e remote.Event) {
	var row = e.New
	if row == nil {
		row = e.Old
	}
	if row == nil {
		return
	}

	db.subMu.Lock()
	defer db.subMu.Unlock()
	for _, s := range db.subs {
		if s.table == e.Table && s.filter.Matches(*row) {
			s.push(e)
		}
	}
}
