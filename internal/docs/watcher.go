package docs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultWatchDelay coalesces the burst of events editors emit on save.
const DefaultWatchDelay = 100 * time.Millisecond

// Watcher reports changes to files with a given extension under a directory.
type Watcher struct {
	watcher  *fsnotify.Watcher
	rootDir  string
	ext      string
	onChange func(relPath string) error
	delay    time.Duration
	logger   *zap.Logger
	done     chan struct{}

	mu        sync.Mutex
	debouncer map[string]func(func())
}

// NewWatcher watches rootDir and its non-hidden subdirectories. onChange is
// called with the path relative to rootDir, at most once per delay window
// per file.
func NewWatcher(rootDir, ext string, delay time.Duration, onChange func(string) error, logger *zap.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if delay <= 0 {
		delay = DefaultWatchDelay
	}

	w := &Watcher{
		watcher:   fsWatcher,
		rootDir:   rootDir,
		ext:       ext,
		onChange:  onChange,
		delay:     delay,
		logger:    logger,
		done:      make(chan struct{}),
		debouncer: make(map[string]func(func())),
	}

	if err := w.addDirectoryRecursive(rootDir); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	return w, nil
}

// addDirectoryRecursive adds dir and all its subdirectories, skipping hidden ones.
func (w *Watcher) addDirectoryRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(info.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		w.logger.Debug("watching directory", zap.String("dir", path))
		return nil
	})
}

// Start begins delivering events in a background goroutine.
func (w *Watcher) Start() {
	go func() {
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handle(event)

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", zap.Error(err))

			case <-w.done:
				return
			}
		}
	}()
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addDirectoryRecursive(event.Name); err != nil {
				w.logger.Warn("watch new directory", zap.String("dir", event.Name), zap.Error(err))
			}
			return
		}
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if filepath.Ext(event.Name) != w.ext {
		return
	}

	relPath, err := filepath.Rel(w.rootDir, event.Name)
	if err != nil {
		relPath = event.Name
	}
	w.debounced(relPath)(func() {
		w.logger.Debug("file changed", zap.String("path", relPath))
		if err := w.onChange(relPath); err != nil {
			w.logger.Warn("reload failed", zap.String("path", relPath), zap.Error(err))
		}
	})
}

func (w *Watcher) debounced(relPath string) func(func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.debouncer[relPath]
	if !ok {
		d = debounce.New(w.delay)
		w.debouncer[relPath] = d
	}
	return d
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}
