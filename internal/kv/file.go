package kv

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const tempPrefix = ".tmp-"

// FileStore keeps one file per key inside a directory. Writes go through a
// temporary file and a rename so readers never see a partial value.
type FileStore struct {
	dir    string
	logger *log.Logger

	// DebounceInterval batches rapid writes to the same key before Watch
	// reports them (default: 100ms)
	DebounceInterval time.Duration
}

// NewFileStore creates the directory if needed and returns a store rooted there.
//
// If logger is nil, a default logger writing to stderr is used.
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[kv] ", log.LstdFlags)
	}
	return &FileStore{
		dir:              dir,
		logger:           logger,
		DebounceInterval: 100 * time.Millisecond,
	}, nil
}

// Dir returns the directory backing the store.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key)
}

func (s *FileStore) Get(key string) (string, bool, error) {
	if err := ValidateKey(key); err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return string(data), true, nil
}

func (s *FileStore) Set(key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+key+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Remove(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Watch reports keys changed by any process until ctx is cancelled.
//
// Rapid changes to one key are collapsed into a single callback after
// DebounceInterval. fn runs on the watch goroutine; it must not block for
// long. Returns ctx.Err() on cancellation.
func (s *FileStore) Watch(ctx context.Context, fn func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	interval := s.DebounceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			key := filepath.Base(event.Name)
			if strings.HasPrefix(key, tempPrefix) || ValidateKey(key) != nil {
				continue
			}
			pending[key] = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			now := time.Now()
			var ready []string
			for key, at := range pending {
				if now.Sub(at) < interval {
					continue
				}
				ready = append(ready, key)
				delete(pending, key)
			}

			for _, key := range ready {
				fn(key)
			}
		}
	}
}
