package worker

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Await-write-finish debounce: a burst of writes only triggers a reload
// once the tree has been quiet for the stability threshold.
const (
	watchStability = 1500 * time.Millisecond
	watchPoll      = 500 * time.Millisecond
)

// watcher recursively watches the project's src tree (the project root
// itself when there is no src directory) and reports debounced
// change/add events. node_modules and pid files are ignored.
type watcher struct {
	fsw      *fsnotify.Watcher
	triggers chan string
	done     chan struct{}
	logger   *slog.Logger
}

func newWatcher(projectRoot string, logger *slog.Logger) (*watcher, error) {
	dir := filepath.Join(projectRoot, "src")
	if _, err := os.Stat(dir); err != nil {
		dir = projectRoot
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fsw:      fsw,
		triggers: make(chan string, 1),
		done:     make(chan struct{}),
		logger:   logger,
	}
	if err := w.addRecursive(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err != nil {
				w.logger.Debug("watch add failed", "path", path, "error", err)
			}
		}
		return nil
	})
}

func ignoredPath(path string) bool {
	if strings.Contains(path, string(filepath.Separator)+"node_modules"+string(filepath.Separator)) {
		return true
	}
	return strings.HasSuffix(path, ".pid")
}

func (w *watcher) run() {
	ticker := time.NewTicker(watchPoll)
	defer ticker.Stop()

	var (
		pending   bool
		lastPath  string
		lastEvent time.Time
	)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ignoredPath(ev.Name) {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.addRecursive(ev.Name)
				}
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				pending = true
				lastPath = ev.Name
				lastEvent = time.Now()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("watch error", "error", err)
		case <-ticker.C:
			if pending && time.Since(lastEvent) >= watchStability {
				pending = false
				select {
				case w.triggers <- lastPath:
				default:
				}
			}
		}
	}
}

// Triggers delivers one debounced path per quiet burst.
func (w *watcher) Triggers() <-chan string { return w.triggers }

func (w *watcher) Close() {
	close(w.done)
	_ = w.fsw.Close()
}
