package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/apperr"
	"github.com/mschirtzinger/todosync/internal/config"
	"github.com/mschirtzinger/todosync/internal/connectivity"
	"github.com/mschirtzinger/todosync/internal/kv"
	"github.com/mschirtzinger/todosync/internal/logging"
	"github.com/mschirtzinger/todosync/internal/queue"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/remote/httpstore"
	"github.com/mschirtzinger/todosync/internal/session"
	"github.com/mschirtzinger/todosync/internal/store"
	"github.com/mschirtzinger/todosync/internal/todo"
	"github.com/mschirtzinger/todosync/internal/view"
)

// app holds what a command invocation builds, in dependency order. Every
// field is created on first use and released by close.
type app struct {
	in          io.Reader
	out, errOut io.Writer

	cfgPath string
	noColor bool

	// verbose routes component logs to the log destination instead of the
	// debug logger. Long-running commands set it.
	verbose bool

	cfg      *config.Config
	logs     *logging.Factory
	storage  *kv.FileStore
	sessions *session.Stored
	client   *httpstore.Client
	queue    *queue.Queue
	store    *store.Store
	monitor  *connectivity.Monitor
}

// setup loads the configuration and the log destination.
func (a *app) setup(cmd *cobra.Command) error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load(a.cfgPath, cmd.Flags())
	if err != nil {
		return configError{err}
	}
	logs, err := logging.New(cfg.Log)
	if err != nil {
		return configError{err}
	}
	a.cfg = cfg
	a.logs = logs
	return nil
}

func (a *app) logger(name string) *log.Logger {
	if a.verbose {
		return a.logs.Logger(name)
	}
	return a.logs.Debug(name)
}

func (a *app) printer() *view.Printer {
	return view.NewPrinter(a.out, a.noColor)
}

func (a *app) errPrinter() *view.Printer {
	return view.NewPrinter(a.errOut, a.noColor)
}

// openStorage opens the data directory and the session stored in it.
func (a *app) openStorage(cmd *cobra.Command) error {
	if err := a.setup(cmd); err != nil {
		return err
	}
	if a.storage != nil {
		return nil
	}
	storage, err := kv.NewFileStore(a.cfg.DataDir, a.logger("kv"))
	if err != nil {
		return configError{err}
	}
	a.storage = storage
	a.sessions = session.NewStored(storage)
	return nil
}

// remote returns the API client, or nil when no remote is configured.
func (a *app) remote() (*httpstore.Client, error) {
	if a.client != nil || a.cfg.Remote.URL == "" {
		return a.client, nil
	}
	client, err := httpstore.New(a.cfg.Remote.URL,
		httpstore.WithHTTPClient(&http.Client{Timeout: a.cfg.Remote.Timeout}),
		httpstore.WithLogger(a.logger("remote")),
	)
	if err != nil {
		return nil, configError{err}
	}
	a.client = client
	return client, nil
}

// openMonitor builds the connectivity monitor over the configured remote.
func (a *app) openMonitor(cmd *cobra.Command) (*connectivity.Monitor, error) {
	if err := a.openStorage(cmd); err != nil {
		return nil, err
	}
	if a.monitor != nil {
		return a.monitor, nil
	}
	client, err := a.remote()
	if err != nil {
		return nil, err
	}
	var prober connectivity.Prober
	if client != nil {
		prober = client
	}
	a.monitor = connectivity.New(prober, a.storage, &connectivity.Config{
		ProbeInterval: a.cfg.Connectivity.ProbeInterval,
		ProbeTimeout:  a.cfg.Connectivity.ProbeTimeout,
		Logger:        a.logger("connectivity"),
	})
	return a.monitor, nil
}

// openStore builds the item store and brings it up to date: online it
// replays the offline queue and fetches, offline it serves the cache.
//
// The returned error is the load failure; the store is usable either way
// unless it is nil.
func (a *app) openStore(cmd *cobra.Command) (*store.Store, error) {
	ctx := cmd.Context()
	monitor, err := a.openMonitor(cmd)
	if err != nil {
		return nil, err
	}
	if a.store == nil {
		var rs remote.Store
		if a.client != nil {
			rs = a.client
		}
		a.queue = queue.New(a.storage, a.logger("queue"))
		a.store = store.New(rs, a.sessions, a.queue, a.storage, &store.Config{
			Retry:  a.cfg.RetryOptions(),
			Logger: a.logger("store"),
		})
	}

	st, _ := monitor.Check(ctx)
	return a.store, a.load(ctx, st.Online && a.client != nil)
}

func (a *app) load(ctx context.Context, online bool) error {
	if online {
		return a.store.SetIsOnline(ctx, true)
	}
	return a.store.FetchTodos(ctx)
}

// openSignedIn is openStore for commands that need a list. A failed sync
// is reported as a warning; a missing session is an error.
func (a *app) openSignedIn(cmd *cobra.Command) (*store.Store, error) {
	s, err := a.openStore(cmd)
	if s == nil {
		return nil, err
	}
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeAuthRequired {
			return nil, err
		}
		a.errPrinter().Notice("Warning: sync incomplete: %v", err)
	}
	return s, nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// resolve finds the item ref names: an exact id, or a unique id prefix as
// printed by list.
func resolve(items []todo.Item, ref string) (todo.Item, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return todo.Item{}, apperr.Invalid("id must not be empty")
	}
	if i := todo.IndexOf(items, ref); i >= 0 {
		return items[i], nil
	}

	var matches []todo.Item
	for _, it := range items {
		if strings.HasPrefix(it.ID, ref) {
			matches = append(matches, it)
		}
	}
	switch len(matches) {
	case 0:
		return todo.Item{}, apperr.NotFound(ref)
	case 1:
		return matches[0], nil
	default:
		return todo.Item{}, apperr.Invalid(fmt.Sprintf("id %q is ambiguous: matches %d to-dos", ref, len(matches)))
	}
}
