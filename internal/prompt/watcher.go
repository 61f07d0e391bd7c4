package prompt

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher caches templates from a DirSource and drops the cache whenever
// anything under the directory changes.
type Watcher struct {
	src    *DirSource
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]string
	gen   uint64

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher starts watching src's directory and its stage subdirectories.
// If the watch cannot be set up, the Watcher still works but never caches.
func NewWatcher(src *DirSource, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		src:    src,
		logger: logger.Named("prompt"),
		done:   make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("template watcher unavailable, reading from disk every time", zap.Error(err))
		return w
	}
	if err := fw.Add(src.Dir()); err != nil {
		fw.Close()
		w.logger.Warn("cannot watch template directory",
			zap.String("dir", src.Dir()), zap.Error(err))
		return w
	}
	entries, _ := os.ReadDir(src.Dir())
	for _, e := range entries {
		if e.IsDir() {
			fw.Add(filepath.Join(src.Dir(), e.Name()))
		}
	}

	w.watcher = fw
	w.cache = make(map[string]string)
	w.wg.Add(1)
	go w.watch()
	return w
}

func (w *Watcher) watch() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.watcher.Add(event.Name)
				}
			}
			w.invalidate()
			w.logger.Debug("templates changed", zap.String("path", event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.invalidate()
			w.logger.Warn("template watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) invalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[string]string)
	w.gen++
}

// Template returns the cached template or reads it from disk.
func (w *Watcher) Template(stage, kind string) (string, error) {
	if w.watcher == nil {
		return w.src.Template(stage, kind)
	}

	key := stage + "/" + kind
	w.mu.RLock()
	tmpl, ok := w.cache[key]
	gen := w.gen
	w.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	tmpl, err := w.src.Template(stage, kind)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	// a change during the read makes tmpl possibly stale
	if w.gen == gen {
		w.cache[key] = tmpl
	}
	w.mu.Unlock()
	return tmpl, nil
}

// Close stops the watch goroutine.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
