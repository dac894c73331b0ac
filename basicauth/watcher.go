package basicauth

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a users file into an Authenticator whenever the file changes.
// A file that fails to load leaves the previous table in place.
type Watcher struct {
	path     string
	auth     *Authenticator
	log      logr.Logger
	metrics  *Metrics
	debounce time.Duration

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	stopped chan struct{}
}

type WatcherOption func(*Watcher)

func WithWatcherLogger(log logr.Logger) WatcherOption {
	return func(w *Watcher) {
		w.log = log
	}
}

func WithWatcherMetrics(m *Metrics) WatcherOption {
	return func(w *Watcher) {
		w.metrics = m
	}
}

// WithDebounce sets how long the watcher waits for events to settle before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

func NewWatcher(path string, auth *Authenticator, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("could not resolve users file path: %w", err)
	}
	w := &Watcher{
		path:     absPath,
		auth:     auth,
		log:      logr.Discard(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Reload loads the users file and swaps it in.
func (w *Watcher) Reload() error {
	users, err := LoadUsers(w.path)
	w.metrics.recordReload(err)
	if err != nil {
		return err
	}
	w.auth.SetUsers(users)
	w.log.Info("users reloaded", "path", w.path, "users", users.Len())
	return nil
}

// Start watches the directory of the users file, so editors that replace the file and Kubernetes ConfigMap
// symlink swaps are both noticed. It returns once the watch is registered; watching stops when ctx is done or
// Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close() // nolint:errcheck
		return fmt.Errorf("could not watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw
	w.stopped = make(chan struct{})
	w.log.Info("watching users file", "path", w.path)
	go w.watch(ctx, fsw, w.stopped)
	return nil
}

// Stop ends the watch and waits for the watch loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	fsw, stopped := w.fsw, w.stopped
	w.fsw = nil
	w.mu.Unlock()
	if fsw == nil {
		return nil
	}
	err := fsw.Close()
	<-stopped
	return err
}

func (w *Watcher) watch(ctx context.Context, fsw *fsnotify.Watcher, stopped chan struct{}) {
	defer close(stopped)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				debounce = time.After(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Error(err, "users file watcher error", "path", w.path)
		case <-debounce:
			debounce = nil
			if err := w.Reload(); err != nil {
				w.log.Error(err, "users reload failed, keeping previous table", "path", w.path)
			}
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	// ConfigMap volumes swap a "..data" symlink instead of touching the file itself.
	return name == w.path || strings.HasPrefix(filepath.Base(name), "..data")
}
