package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

const defaultDebounce = 300 * time.Millisecond

// ChangeCallback is called with the absolute path of a source file whose
// content changed.
type ChangeCallback func(path string)

// Watcher monitors source files and reports saves.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*fileWatcher // absolute path → watcher
	debounce time.Duration
	callback ChangeCallback
	logger   *zap.Logger
}

type fileWatcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu      sync.Mutex
	lastSum [32]byte
	missing bool
}

// New creates a watcher. A debounce of zero uses the default.
func New(debounce time.Duration, callback ChangeCallback, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watchers: make(map[string]*fileWatcher),
		debounce: debounce,
		callback: callback,
		logger:   logger.With(zap.String("component", "watcher")),
	}
}

// Watch starts watching path. The parent directory is watched so that
// editors which save by renaming a temporary file are still seen.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w.mu.RLock()
	_, exists := w.watchers[abs]
	w.mu.RUnlock()
	if exists {
		return nil
	}

	sum, err := checksum(abs)
	if err != nil {
		return err
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	fw := &fileWatcher{
		path:      abs,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		lastSum:   sum,
	}

	w.mu.Lock()
	w.watchers[abs] = fw
	w.mu.Unlock()

	go w.watchLoop(fw)

	w.logger.Debug("watching", zap.String("path", abs))
	return nil
}

// Unwatch stops watching path.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	fw, ok := w.watchers[abs]
	if ok {
		delete(w.watchers, abs)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
	}
}

// Watching reports the number of watched files.
func (w *Watcher) Watching() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.watchers)
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fw *fileWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.recheck(fw)
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.String("path", fw.path), zap.Error(err))
		}
	}
}

// recheck hashes the file and notifies if the content changed.
func (w *Watcher) recheck(fw *fileWatcher) {
	select {
	case <-fw.cancel:
		return
	default:
	}

	sum, err := checksum(fw.path)

	fw.mu.Lock()
	if err != nil {
		// Mid-rename or deleted; the next Create brings it back.
		fw.missing = true
		fw.mu.Unlock()
		return
	}
	changed := sum != fw.lastSum || fw.missing
	fw.lastSum = sum
	fw.missing = false
	fw.mu.Unlock()

	if !changed {
		return
	}
	w.logger.Debug("file changed", zap.String("path", fw.path))
	if w.callback != nil {
		w.callback(fw.path)
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.watchers))
	for p := range w.watchers {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, p := range paths {
		w.Unwatch(p)
	}
}

func checksum(path string) ([32]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(data), nil
}
