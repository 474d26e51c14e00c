package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 500 * time.Millisecond

// UpdateCallback is called after the credential changes. present
// reports whether a non-empty value is now loaded.
type UpdateCallback func(present bool)

// CredentialWatcher keeps the trimmed content of a token file in memory
// and reloads it when the file's directory changes.
type CredentialWatcher struct {
	path      string
	logger    *zap.Logger
	clock     clock.Clock
	callback  UpdateCallback
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	closeOnce sync.Once

	mu    sync.RWMutex
	value string
}

// Option customises a CredentialWatcher.
type Option func(*CredentialWatcher)

// WithClock replaces the clock driving the debounce timer.
func WithClock(c clock.Clock) Option {
	return func(w *CredentialWatcher) { w.clock = c }
}

// WithCallback registers a function run after every reload that
// changed the value.
func WithCallback(cb UpdateCallback) Option {
	return func(w *CredentialWatcher) { w.callback = cb }
}

// New loads path and starts watching its directory. A missing file is
// not an error; the value stays empty until the file appears.
func New(path string, logger *zap.Logger, opts ...Option) (*CredentialWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve credential file: %w", err)
	}

	w := &CredentialWatcher{
		path:   abs,
		logger: logger.With(zap.String("credential_file", abs)),
		clock:  clock.New(),
		cancel: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if _, err := w.reload(); err != nil {
		return nil, err
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors and secret mounts replace the file
	// rather than writing it in place.
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.fsWatcher = fsW

	go w.watchLoop()
	return w, nil
}

// Value returns the current credential, or "" if none is loaded.
func (w *CredentialWatcher) Value() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.value
}

// Close stops watching.
func (w *CredentialWatcher) Close() {
	w.closeOnce.Do(func() {
		close(w.cancel)
		w.fsWatcher.Close()
	})
}

// watchLoop processes fsnotify events with debouncing.
func (w *CredentialWatcher) watchLoop() {
	var timer *clock.Timer

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case _, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if timer != nil {
				timer.Stop()
			}
			timer = w.clock.AfterFunc(debounceInterval, w.onSettled)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("credential watcher error", zap.Error(err))
		}
	}
}

func (w *CredentialWatcher) onSettled() {
	changed, err := w.reload()
	if err != nil {
		w.logger.Warn("reload credential file", zap.Error(err))
		return
	}
	if !changed {
		return
	}

	present := w.Value() != ""
	w.logger.Info("credential file reloaded", zap.Bool("present", present))
	if w.callback != nil {
		w.callback(present)
	}
}

// reload reads the file and reports whether the value changed.
func (w *CredentialWatcher) reload() (bool, error) {
	data, err := os.ReadFile(w.path)
	value := ""
	switch {
	case err == nil:
		value = strings.TrimSpace(string(data))
	case errors.Is(err, fs.ErrNotExist):
	default:
		return false, fmt.Errorf("read credential file: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if value == w.value {
		return false, nil
	}
	w.value = value
	return true, nil
}
