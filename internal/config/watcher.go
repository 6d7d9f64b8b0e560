package config

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow coalesces the bursts of write events editors and atomic
// renames produce into one reload.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads the config file on change and hands the result to a
// callback. A reload that fails validation is logged and discarded; the
// previous configuration stays in effect.
type Watcher struct {
	path     string
	onReload func(*Config)
	logger   *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher for the given config file. It does not start
// watching until Start is called.
func NewWatcher(path string, onReload func(*Config), logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	if onReload == nil {
		return nil, errors.New("reload callback is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		onReload: onReload,
		logger:   logger.Named("config-watcher"),
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself, so atomic replace-by-rename (the common editor and deploy
// pattern) keeps working after the original inode disappears.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return errors.New("watcher is already running")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}

	w.watcher = fw
	w.done = make(chan struct{})
	go w.run(fw, w.done)

	w.logger.Info("config watcher started", zap.String("path", w.path))
	return nil
}

// Stop stops watching. Stopping a stopped watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return
	}
	close(w.done)
	w.watcher.Close()
	w.watcher = nil
	w.logger.Info("config watcher stopped")
}

func (w *Watcher) run(fw *fsnotify.Watcher, done chan struct{}) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	target := filepath.Clean(w.path)
	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, w.reload)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", zap.Error(err))

		case <-done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("config reloaded", zap.String("path", w.path))
	w.onReload(cfg)
}
