// Package logging builds the *log.Logger instances handed to components.
//
// Diagnostics go to stderr unless a log file is configured, in which case
// they go to a size-rotated file. Debug loggers discard their output unless
// debug logging is enabled.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/todosync/internal/config"
)

// Factory hands out prefixed loggers that share one destination.
type Factory struct {
	out   io.Writer
	debug bool

	mu     sync.Mutex
	closer io.Closer
}

// New creates a Factory for cfg. stderr is used when cfg.File is empty.
func New(cfg config.LogConfig) (*Factory, error) {
	f := &Factory{out: os.Stderr, debug: cfg.Debug}
	if cfg.File == "" {
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	f.out = rotator
	f.closer = rotator
	return f, nil
}

// Discard returns a Factory whose loggers write nowhere.
func Discard() *Factory {
	return &Factory{out: io.Discard}
}

// Writer returns the shared destination.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Logger returns a logger tagged with "[name] ".
func (f *Factory) Logger(name string) *log.Logger {
	return log.New(f.out, "["+name+"] ", log.LstdFlags)
}

// Debug returns a logger for chatty diagnostics. It discards output unless
// debug logging is enabled.
func (f *Factory) Debug(name string) *log.Logger {
	if !f.debug {
		return log.New(io.Discard, "", 0)
	}
	return log.New(f.out, "["+name+"] ", log.LstdFlags|log.Lmicroseconds)
}

// Close flushes and closes the log file, if any.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closer == nil {
		return nil
	}
	err := f.closer.Close()
	f.closer = nil
	return err
}
