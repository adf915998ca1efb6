// Package fswatch watches the dark-library and session roots for changes,
// adapted from the teacher's filesystem watcher. It reports changes to
// config files, master frames and defect maps on its Events channel; the
// daemon logs these events and does not reload anything in response.
package fswatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind classifies a watched change.
type EventKind int

const (
	Created EventKind = iota
	Modified
	Removed
	Renamed
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Event is published for every change under a watched root.
type Event struct {
	Path string
	Kind EventKind
	Time time.Time
}

// Watcher monitors a set of directories and fans changes out to Events.
type Watcher struct {
	fsw    *fsnotify.Watcher
	dirs   []string
	log    *slog.Logger
	Events chan Event
}

// New creates a Watcher over dirs. Start must be called to begin watching.
func New(dirs []string, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{fsw: fsw, dirs: dirs, log: log, Events: make(chan Event, 64)}, nil
}

// Start adds every configured directory and begins the event pump. It
// returns once watches are installed; the pump itself runs until ctx is
// cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range w.dirs {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
		w.log.Info("fswatch: watching directory", "dir", dir)
	}
	go w.pump(ctx)
	return nil
}

// Close stops the watcher and releases the underlying inotify/kqueue handle.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) pump(ctx context.Context) {
	defer close(w.Events)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			kind, ok := translate(ev.Op)
			if !ok {
				continue
			}
			if !isRelevant(ev.Name) {
				continue
			}
			select {
			case w.Events <- Event{Path: ev.Name, Kind: kind, Time: time.Now()}:
			default:
				w.log.Warn("fswatch: event buffer full, dropping", "path", ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("fswatch: watcher error", "error", err.Error())
		}
	}
}

func translate(op fsnotify.Op) (EventKind, bool) {
	switch {
	case op&fsnotify.Create == fsnotify.Create:
		return Created, true
	case op&fsnotify.Write == fsnotify.Write:
		return Modified, true
	case op&fsnotify.Remove == fsnotify.Remove:
		return Removed, true
	case op&fsnotify.Rename == fsnotify.Rename:
		return Renamed, true
	default:
		return 0, false
	}
}

// isRelevant keeps the watcher focused on the files the daemon actually
// cares about: config documents and the master-frame/defect-map containers
// rawio produces, so unrelated churn under a watched root is ignored.
func isRelevant(path string) bool {
	switch filepath.Ext(path) {
	case ".json", ".amst":
		return true
	default:
		return false
	}
}
