// Package watcher keeps the derived active set current between host root
// updates: when a plugin manifest appears, changes, or disappears under a
// watched workspace root, it triggers a store refresh.
package watcher

import (
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"plexer/internal/logging"
	"plexer/internal/manifest"
	"plexer/internal/proto"
)

const defaultDebounce = 300 * time.Millisecond

type ManifestWatcher struct {
	fsw      *fsnotify.Watcher
	logger   *logging.Logger
	refresh  func()
	debounce time.Duration

	mu      sync.Mutex
	watched map[string]struct{}
	exclude []string
	timer   *time.Timer
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

// New starts a manifest watcher that calls refresh (debounced) on relevant
// filesystem changes. It watches no roots until SetRoots is called.
func New(logger *logging.Logger, refresh func(), debounce time.Duration) (*ManifestWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	w := &ManifestWatcher{
		fsw:      fsw,
		logger:   logger,
		refresh:  refresh,
		debounce: debounce,
		watched:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// SetRoots replaces the watched directory set with the directories under the
// given roots, honoring their exclusions. Unreadable subtrees are skipped
// with a warning.
func (w *ManifestWatcher) SetRoots(roots []proto.WorkspaceRoot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	for path := range w.watched {
		_ = w.fsw.Remove(path)
		delete(w.watched, path)
	}
	w.exclude = nil
	for _, root := range roots {
		w.exclude = append(w.exclude, root.Exclude...)
	}

	for _, root := range roots {
		w.addTreeLocked(root.Root)
	}
}

func (w *ManifestWatcher) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()
		close(w.done)
		_ = w.fsw.Close()
	})
	return nil
}

func (w *ManifestWatcher) addTreeLocked(root string) {
	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if isExcluded(path, w.exclude) {
			return filepath.SkipDir
		}
		if _, ok := w.watched[path]; ok {
			return nil
		}
		if addErr := w.fsw.Add(path); addErr != nil {
			w.logger.Warn("watch failed", map[string]string{
				"path":  path,
				"error": addErr.Error(),
			})
			return nil
		}
		w.watched[path] = struct{}{}
		return nil
	})
	if walkErr != nil {
		w.logger.Warn("watch walk failed", map[string]string{
			"root":  root,
			"error": walkErr.Error(),
		})
	}
}

func (w *ManifestWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", map[string]string{"error": err.Error()})
		}
	}
}

func (w *ManifestWatcher) handleEvent(ev fsnotify.Event) {
	if filepath.Base(ev.Name) == manifest.FileName {
		w.scheduleRefresh()
		return
	}
	// A freshly created directory may already hold manifests, so watch it
	// and refresh.
	if ev.Op.Has(fsnotify.Create) {
		w.mu.Lock()
		if !w.closed && !isExcluded(ev.Name, w.exclude) {
			w.addTreeLocked(ev.Name)
		}
		w.mu.Unlock()
		w.scheduleRefresh()
	}
}

func (w *ManifestWatcher) scheduleRefresh() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.timer = nil
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.refresh()
		}
	})
}

func isExcluded(path string, exclude []string) bool {
	for _, excluded := range exclude {
		if excluded == "" {
			continue
		}
		if path == excluded || strings.HasPrefix(path, excluded+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
