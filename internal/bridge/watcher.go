package bridge

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ShayCichocki/bmadorch/internal/planner"
)

// todosWatcher wakes the monitor when another process rewrites the todos
// file. The status directory is watched rather than the file because every
// save replaces the file by rename.
type todosWatcher struct {
	watcher *fsnotify.Watcher
	changed chan struct{}
	done    chan struct{}
	stopped chan struct{}
	logger  *zap.Logger
}

// newTodosWatcher returns nil when the directory cannot be watched; the
// ticker still drives the monitor then.
func newTodosWatcher(dir string, logger *zap.Logger) *todosWatcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("todos watcher unavailable, polling only", zap.Error(err))
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		logger.Warn("cannot watch status dir, polling only", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	w := &todosWatcher{
		watcher: watcher,
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	go w.run()
	return w
}

func (w *todosWatcher) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != planner.TodosFileName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				notify(w.changed)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("todos watcher error", zap.Error(err))
		}
	}
}

// Changed is nil-safe so a missing watcher simply never fires.
func (w *todosWatcher) Changed() <-chan struct{} {
	if w == nil {
		return nil
	}
	return w.changed
}

func (w *todosWatcher) Close() {
	if w == nil {
		return
	}
	close(w.done)
	w.watcher.Close()
	<-w.stopped
}
