// Package connectivity derives the client's online flag.
//
// The flag combines an operator override stored under OverrideKey with a
// periodic health probe of the remote store. When the override is "auto"
// the probe decides; "online" and "offline" force the flag. Transitions are
// reported to a callback, which is where the Item Store learns about them.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/todosync/internal/kv"
)

// OverrideKey is the storage key of the operator override.
const OverrideKey = "todo-connectivity"

// Mode is the operator override.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// ErrInvalidMode is returned for unknown override values.
var ErrInvalidMode = errors.New("invalid connectivity mode")

// ParseMode parses an override value. Empty means auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeOnline, ModeOffline:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// ReadMode returns the stored override, auto when none is stored.
func ReadMode(storage kv.Storage) (Mode, error) {
	v, ok, err := storage.Get(OverrideKey)
	if err != nil {
		return ModeAuto, fmt.Errorf("failed to read connectivity override: %w", err)
	}
	if !ok {
		return ModeAuto, nil
	}
	return ParseMode(v)
}

// SetMode stores the override. Auto removes the key.
func SetMode(storage kv.Storage, mode Mode) error {
	if mode == ModeAuto {
		return storage.Remove(OverrideKey)
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	return storage.Set(OverrideKey, string(mode))
}

// Prober checks that the remote store is reachable.
type Prober interface {
	Health(ctx context.Context) error
}

// Watcher reports changed storage keys. kv.FileStore implements it.
type Watcher interface {
	Watch(ctx context.Context, fn func(key string)) error
}

// Config holds monitor configuration.
type Config struct {
	// ProbeInterval is the pause between health probes (default: 5s)
	ProbeInterval time.Duration

	// ProbeTimeout bounds one health probe (default: 2s)
	ProbeTimeout time.Duration

	// Logger for diagnostics (default: stderr)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval: 5 * time.Second,
		ProbeTimeout:  2 * time.Second,
		Logger:        log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Status describes the last evaluation.
type Status struct {
	Online bool
	Mode   Mode

	// ProbeErr is the last probe failure; nil when the probe succeeded or
	// was skipped by an override.
	ProbeErr error
}

// Monitor evaluates connectivity and reports transitions.
type Monitor struct {
	prober  Prober
	storage kv.Storage
	config  *Config
	logger  *log.Logger

	mu     sync.Mutex
	status Status
	known  bool
}

// New creates a monitor. prober may be nil, in which case auto mode means
// offline.
func New(prober Prober, storage kv.Storage, config *Config) *Monitor {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = def.ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = def.Logger
	}
	return &Monitor{
		prober:  prober,
		storage: storage,
		config:  config,
		logger:  logger,
	}
}

// Status returns the last evaluation.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Check evaluates connectivity now. changed reports whether the online flag
// differs from the previous evaluation; the first evaluation always counts
// as a change.
func (m *Monitor) Check(ctx context.Context) (st Status, changed bool) {
	mode, err := ReadMode(m.storage)
	if err != nil {
		m.logger.Printf("Warning: %v; assuming auto", err)
		mode = ModeAuto
	}

	st = Status{Mode: mode}
	switch mode {
	case ModeOnline:
		st.Online = true
	case ModeOffline:
		st.Online = false
	default:
		st.ProbeErr = m.probe(ctx)
		st.Online = st.ProbeErr == nil
	}

	m.mu.Lock()
	changed = !m.known || m.status.Online != st.Online
	m.status = st
	m.known = true
	m.mu.Unlock()

	if changed {
		if st.Online {
			m.logger.Printf("Connectivity: online (mode %s)", mode)
		} else if st.ProbeErr != nil {
			m.logger.Printf("Connectivity: offline (%v)", st.ProbeErr)
		} else {
			m.logger.Printf("Connectivity: offline (mode %s)", mode)
		}
	}
	return st, changed
}

func (m *Monitor) probe(ctx context.Context) error {
	if m.prober == nil {
		return errors.New("no remote configured")
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()
	return m.prober.Health(ctx)
}

// Run evaluates connectivity at start, every ProbeInterval, and whenever the
// override key changes (when storage implements Watcher). onChange runs on
// the Run goroutine for every transition, so calls never overlap.
//
// Blocks until ctx is cancelled; returns nil in that case.
func (m *Monitor) Run(ctx context.Context, onChange func(ctx context.Context, online bool)) error {
	g, ctx := errgroup.WithContext(ctx)

	trigger := make(chan struct{}, 1)
	if w, ok := m.storage.(Watcher); ok {
		g.Go(func() error {
			err := w.Watch(ctx, func(key string) {
				if key != OverrideKey {
					return
				}
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("failed to watch connectivity override: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(m.config.ProbeInterval)
		defer ticker.Stop()

		evaluate := func() {
			if st, changed := m.Check(ctx); changed && ctx.Err() == nil {
				onChange(ctx, st.Online)
			}
		}

		evaluate()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				evaluate()
			case <-trigger:
				evaluate()
			}
		}
	})

	return g.Wait()
}
