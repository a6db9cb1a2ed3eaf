package pipeline

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debouncer fires a callback once a key has been quiet for its delay.
type debouncer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newDebouncer() *debouncer {
	return &debouncer{timers: make(map[string]*time.Timer)}
}

// Touch (re)starts the quiet period for key.
func (d *debouncer) Touch(key string, delay time.Duration, fire func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()
		fire()
	})
}

// Cancel drops a pending timer for key.
func (d *debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
}

// Stop cancels all pending timers.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, t := range d.timers {
		t.Stop()
		delete(d.timers, k)
	}
}

type watcher struct {
	p        *Pipeline
	fsw      *fsnotify.Watcher
	debounce *debouncer
	root     string
}

func newWatcher(p *Pipeline) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{p: p, fsw: fsw, debounce: newDebouncer(), root: p.knowledge.Root()}
	for _, dir := range []string{p.cfg.AudioInbox, p.cfg.TextInbox} {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	if err := addDirsRecursive(fsw, w.root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// run processes file events until ctx is cancelled. Inbox folders are
// watched flat; the knowledge folder is watched recursively and new
// subdirectories are added as they appear.
func (w *watcher) run(ctx context.Context) {
	defer w.fsw.Close()
	defer w.debounce.Stop()
	logger := w.p.logger

	logger.Info("watcher: started", slog.String("knowledge", w.root))
	for {
		select {
		case <-ctx.Done():
			logger.Info("watcher: stopped")
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Error("watcher: error", slog.String("error", err.Error()))
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	abs := ev.Name
	dir := filepath.Dir(abs)
	logger := w.p.logger

	if dir == w.p.cfg.AudioInbox || dir == w.p.cfg.TextInbox {
		if _, ok := w.p.filter.Kind(abs); !ok {
			return
		}
		if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.debounce.Cancel(abs)
			return
		}
		if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
			w.debounce.Touch(abs, w.p.cfg.Debounce, func() {
				w.p.Enqueue(Job{Kind: JobIngest, Path: abs})
			})
		}
		return
	}

	if !strings.HasPrefix(abs, w.root+string(os.PathSeparator)) {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			if err := addDirsRecursive(w.fsw, abs); err != nil {
				logger.Warn("watcher: add new dir failed",
					slog.String("path", abs),
					slog.String("error", err.Error()))
				return
			}
			logger.Debug("watcher: watching new dir", slog.String("path", abs))
			w.scanNewDir(abs)
			return
		}
	}
	if !w.p.filter.Document(abs) {
		return
	}
	// Editors often save by remove-and-create, so the job decides between
	// sync and delete only after the quiet period.
	w.debounce.Touch(abs, w.p.cfg.KnowledgeDebounce, func() {
		w.p.Enqueue(Job{Kind: JobKnowledge, Path: abs})
	})
}

// scanNewDir queues documents already present in a directory created (or
// moved) into the knowledge folder.
func (w *watcher) scanNewDir(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !w.p.filter.Document(path) {
			return nil
		}
		w.debounce.Touch(path, w.p.cfg.KnowledgeDebounce, func() {
			w.p.Enqueue(Job{Kind: JobKnowledge, Path: path})
		})
		return nil
	})
}

// addDirsRecursive adds root and all its non-hidden subdirectories to the
// watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
