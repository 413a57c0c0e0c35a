package filesystem

import (
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"media-ingest/internal/logging"
	"media-ingest/internal/metrics"
)

// defaultSettle is how long a library root must stay quiet after a burst of
// events before an incremental scan fires. Bulk copies produce thousands of
// events; one scan at the end covers them all.
const defaultSettle = 30 * time.Second

// Watcher observes library roots for filesystem changes and triggers one
// incremental scan per settled burst of events.
type Watcher struct {
	fsw      *fsnotify.Watcher
	settle   time.Duration
	onSettle func(libraryID string)

	mu      sync.Mutex
	roots   map[string]string // rootPath -> libraryID
	pending map[string]time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher. onSettle is invoked (on the watcher
// goroutine) with the library id once its root has been quiet for the
// settle window.
func NewWatcher(onSettle func(libraryID string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:      fsw,
		settle:   defaultSettle,
		onSettle: onSettle,
		roots:    make(map[string]string),
		pending:  make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}, nil
}

// SetSettle overrides the quiet window; used by tests.
func (w *Watcher) SetSettle(d time.Duration) {
	if d > 0 {
		w.settle = d
	}
}

// AddLibrary registers a library root and all its current subdirectories.
// fsnotify watches are not recursive, so the subtree is walked once here;
// directories created later are added as their create events arrive.
func (w *Watcher) AddLibrary(libraryID, rootPath string) error {
	w.mu.Lock()
	w.roots[filepath.Clean(rootPath)] = libraryID
	w.mu.Unlock()

	return filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.Warn("Watcher: skipping %s: %v", path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != rootPath {
			return fs.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			logging.Warn("Watcher: cannot watch %s: %v", path, err)
		}
		return nil
	})
}

// Start runs the event loop until Stop is called.
func (w *Watcher) Start() {
	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("Watcher error: %v", err)
		case <-ticker.C:
			w.fireSettled()
		}
	}
}

// Stop terminates the event loop and releases the inotify resources.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if err := w.fsw.Close(); err != nil {
			logging.Warn("Watcher close: %v", err)
		}
	})
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	metrics.WatcherEventsTotal.Inc()

	// New directories need their own watch to keep the subtree covered.
	if event.Has(fsnotify.Create) {
		if info, err := StatWithRetry(event.Name, DefaultRetryConfig()); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				logging.Debug("Watcher: cannot watch new dir %s: %v", event.Name, err)
			}
		}
	}

	libraryID := w.libraryFor(event.Name)
	if libraryID == "" {
		return
	}

	w.mu.Lock()
	w.pending[libraryID] = time.Now()
	w.mu.Unlock()
}

// libraryFor resolves a changed path to its owning library by longest
// matching root prefix.
func (w *Watcher) libraryFor(path string) string {
	path = filepath.Clean(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	best, bestLen := "", -1
	for root, id := range w.roots {
		if (path == root || strings.HasPrefix(path, root+string(filepath.Separator))) && len(root) > bestLen {
			best, bestLen = id, len(root)
		}
	}
	return best
}

// fireSettled triggers the callback for every library whose last event is
// older than the settle window.
func (w *Watcher) fireSettled() {
	now := time.Now()

	w.mu.Lock()
	var due []string
	for id, last := range w.pending {
		if now.Sub(last) >= w.settle {
			due = append(due, id)
			delete(w.pending, id)
		}
	}
	w.mu.Unlock()

	for _, id := range due {
		logging.Info("Watcher: changes settled for library %s, triggering incremental scan", id)
		metrics.WatcherScansTriggered.Inc()
		w.onSettle(id)
	}
}
