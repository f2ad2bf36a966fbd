// Package rebuild implements the fsnotify-backed file Watcher and the
// Rebuild Controller: a watcher-driven, 100ms-debounced scheduler that
// coalesces file changes into incremental build passes.
package rebuild

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"github.com/forgepack/forge/infrastructure/logging"
)

// Watcher wraps fsnotify with reference-counted Add/Remove so the registry
// can call Add/Remove once per subscriber without double-watching or
// prematurely dropping a still-subscribed path.
type Watcher struct {
	fs  *fsnotify.Watcher
	log *logging.Logger

	mu     sync.Mutex
	counts map[string]int

	Changes chan string
	Errors  chan error

	closeOnce sync.Once
}

// NewWatcher starts an fsnotify watcher and its event-forwarding goroutine.
func NewWatcher(log *logging.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, forgeerrors.IOError("create file watcher", err)
	}
	w := &Watcher{
		fs:      fs,
		log:     log,
		counts:  make(map[string]int),
		Changes: make(chan string, 64),
		Errors:  make(chan error, 8),
	}
	go w.forward()
	return w, nil
}

func (w *Watcher) forward() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				select {
				case w.Changes <- ev.Name:
				default:
					if w.log != nil {
						w.log.WithFields(map[string]interface{}{"path": ev.Name}).Warn("watcher change channel full, dropping event")
					}
				}
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.Errors <- err:
			default:
			}
		}
	}
}

// Add starts watching path, reference-counted so repeated Add calls for the
// same path (from multiple registry subscribers) only register one fsnotify
// watch.
func (w *Watcher) Add(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.counts[path] == 0 {
		if err := w.fs.Add(path); err != nil {
			return forgeerrors.IOError("watch path", err).WithDetails("path", path)
		}
	}
	w.counts[path]++
	return nil
}

// Remove decrements path's reference count, removing the underlying
// fsnotify watch once it reaches zero.
func (w *Watcher) Remove(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.counts[path] == 0 {
		return nil
	}
	w.counts[path]--
	if w.counts[path] == 0 {
		delete(w.counts, path)
		if err := w.fs.Remove(path); err != nil {
			return forgeerrors.IOError("unwatch path", err).WithDetails("path", path)
		}
	}
	return nil
}

// Close shuts the watcher down.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fs.Close()
	})
	return err
}
