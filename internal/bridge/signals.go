package bridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Signal file names inside the signal directory.
const (
	SignalKill  = "kill"
	SignalPause = "pause"
)

// Signals watches the signal directory for kill and pause files.
// The files themselves are the source of truth; the watcher only wakes the
// monitor early.
type Signals struct {
	dir     string
	watcher *fsnotify.Watcher
	changed chan struct{}
	done    chan struct{}
	stopped chan struct{}
	logger  *zap.Logger
}

// OpenSignals creates the signal directory and starts watching it. When the
// watcher cannot be started the files are still checked on every poll.
func OpenSignals(dir string, logger *zap.Logger) (*Signals, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signal dir: %w", err)
	}
	s := &Signals{
		dir:     dir,
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("signal watcher unavailable, polling only", zap.Error(err))
		close(s.stopped)
		return s, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		logger.Warn("cannot watch signal dir, polling only", zap.String("dir", dir), zap.Error(err))
		close(s.stopped)
		return s, nil
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *Signals) watch() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			switch filepath.Base(event.Name) {
			case SignalKill, SignalPause:
				notify(s.changed)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Debug("signal watcher error", zap.Error(err))
		}
	}
}

// Changed fires after a signal file is created, written or removed.
func (s *Signals) Changed() <-chan struct{} {
	return s.changed
}

// ShouldStop reports whether the kill file exists.
func (s *Signals) ShouldStop() bool {
	return exists(filepath.Join(s.dir, SignalKill))
}

// ShouldPause reports whether the pause file exists.
func (s *Signals) ShouldPause() bool {
	return exists(filepath.Join(s.dir, SignalPause))
}

// Close stops the watcher.
func (s *Signals) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	<-s.stopped
	return err
}

// Send creates the named signal file in dir.
func Send(dir, name string) error {
	if name != SignalKill && name != SignalPause {
		return fmt.Errorf("unknown signal %q", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signal dir: %w", err)
	}
	path := filepath.Join(dir, name)
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)+"\n"), 0644)
}

// Clear removes the named signal file. A missing file is not an error.
func Clear(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s signal: %w", name, err)
	}
	return nil
}

// ClearAll removes every signal file.
func ClearAll(dir string) error {
	return errors.Join(Clear(dir, SignalKill), Clear(dir, SignalPause))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// notify does a non-blocking send on a wake-up channel.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
