package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
)

// DefaultReloadDebounce coalesces the burst of events editors emit on save.
const DefaultReloadDebounce = 250 * time.Millisecond

// ReloadCallback is called with the previous and the newly loaded config.
type ReloadCallback func(old, updated *Config)

// Watcher reloads a config file when it changes on disk. Revisions that fail
// to load or validate are logged and skipped; the last good config stays.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu        sync.RWMutex
	current   *Config
	callbacks []ReloadCallback

	started  bool
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewWatcher loads path and prepares to watch it. Call Start to begin.
func NewWatcher(path string, debounce time.Duration) (*Watcher, error) {
	if path == "" {
		return nil, apperrors.New(apperrors.ErrInvalidConfig, "config watcher needs an explicit file path")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "create file watcher", err)
	}
	// Watch the directory: editors often replace the file instead of writing it.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, apperrors.Wrap(apperrors.ErrInvalidConfig, "watch config directory", err)
	}

	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		watcher:  fw,
		current:  cfg,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Config returns the last good configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers fn for every accepted revision.
func (w *Watcher) OnReload(fn ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start runs the watch loop in the background.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.loop()
	logging.Info("Configuration watcher started", map[string]interface{}{"config_file": w.path})
}

// Stop ends the watch loop and waits for it.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	w.mu.RLock()
	started := w.started
	w.mu.RUnlock()
	if started {
		<-w.stopped
	}
	return err
}

func (w *Watcher) loop() {
	defer close(w.stopped)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("Configuration watcher error", err)

		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	updated, err := Load(w.path)
	if err != nil {
		logging.ErrorWithCode("Configuration reload rejected", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"config_file": w.path})
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	callbacks := append([]ReloadCallback(nil), w.callbacks...)
	w.mu.Unlock()

	logging.Info("Configuration reloaded", map[string]interface{}{"config_file": w.path})
	for _, fn := range callbacks {
		fn(old, updated)
	}
}
