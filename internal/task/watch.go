package task

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"vaultkeep/internal/logging"
)

// Watcher observes the task directory's active file and reports each
// change to it on Changed. The control socket's status command does not
// use it; it reads the registry's in-memory state directly.
type Watcher struct {
	dir    string
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	notify chan struct{}
}

// NewWatcher starts watching dir for changes to its active file.
func NewWatcher(dir string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{
		dir:    dir,
		fsw:    fsw,
		logger: logging.Default(logger).With("component", "task-watch"),
		notify: make(chan struct{}, 1),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	activePath := filepath.Join(w.dir, activeFileName)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != activePath {
				continue
			}
			select {
			case w.notify <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("task watcher: fsnotify error", "error", err)
		}
	}
}

// Changed returns a channel that receives a value whenever the active file
// changes. The channel is buffered by one; bursts of writes coalesce into a
// single notification.
func (w *Watcher) Changed() <-chan struct{} {
	return w.notify
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
