// Package watcher wraps fsnotify into a recursive filesystem watch that
// forwards non-directory create/write/remove notifications and drops
// chmod-only noise.
package watcher

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	fimlog "github.com/bcherng/fim-agent/log"
)

// Op classifies a forwarded filesystem notification.
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
)

// Notification is a single forwarded filesystem event.
type Notification struct {
	Op   Op
	Path string
}

// Watcher recursively watches a root directory, registering new
// subdirectories as they are created.
type Watcher struct {
	fsw    *fsnotify.Watcher
	root   string
	events chan Notification
	errors chan error
	done   chan struct{}
	log    *fimlog.Logger
}

// New creates a Watcher rooted at root and registers every existing
// subdirectory.
func New(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:    fsw,
		root:   root,
		events: make(chan Notification, 256),
		errors: make(chan error, 16),
		done:   make(chan struct{}),
		log:    fimlog.Default().Module("watcher"),
	}

	if err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	}); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// Events returns the channel of forwarded notifications.
func (w *Watcher) Events() <-chan Notification { return w.events }

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Run drives the fsnotify event-channel select loop until Close is called.
// It must be run in its own goroutine. Both outgoing channels are closed
// when Run returns, so consumers can range over them to completion.
func (w *Watcher) Run() {
	defer close(w.events)
	defer close(w.errors)
	for {
		select {
		case <-w.done:
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		case e, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(e)
		}
	}
}

func (w *Watcher) handle(e fsnotify.Event) {
	info, statErr := os.Stat(e.Name)
	isDir := statErr == nil && info.IsDir()

	switch {
	case e.Op&fsnotify.Create != 0:
		if isDir {
			if err := w.fsw.Add(e.Name); err != nil {
				w.log.Warn("failed to watch new directory", "path", e.Name, "err", err)
			}
			return
		}
		w.send(Notification{Op: OpCreate, Path: e.Name})
	case e.Op&fsnotify.Write != 0:
		if isDir {
			return
		}
		w.send(Notification{Op: OpWrite, Path: e.Name})
	case e.Op&fsnotify.Remove != 0, e.Op&fsnotify.Rename != 0:
		w.send(Notification{Op: OpRemove, Path: e.Name})
	case e.Op&fsnotify.Chmod != 0:
		// Chmod-only events carry no content change; dropped.
	}
}

func (w *Watcher) send(n Notification) {
	select {
	case w.events <- n:
	case <-w.done:
	}
}

// Close stops the watcher and releases its fsnotify handle.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsw.Close()
}
