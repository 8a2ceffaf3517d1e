package config

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/supportdesk/chatsync/internal/chatsync"
)

// EndpointsWatcher re-parses the endpoints file whenever it changes and
// swaps the strategy's candidate lists. A file that becomes unparseable
// keeps the previous lists; only a successful parse is applied.
type EndpointsWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchEndpoints starts watching path. The containing directory is
// watched rather than the file itself so editors that replace the file
// by rename keep triggering reloads.
func WatchEndpoints(path, baseURL string, strategy *chatsync.EndpointStrategy, logger *slog.Logger) (*EndpointsWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	w := &EndpointsWatcher{watcher: watcher, done: make(chan struct{})}
	go w.run(absPath, baseURL, strategy, logger)
	return w, nil
}

func (w *EndpointsWatcher) run(absPath, baseURL string, strategy *chatsync.EndpointStrategy, logger *slog.Logger) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			set, err := LoadEndpoints(absPath, baseURL)
			if err != nil {
				logger.Warn("endpoints file changed but could not be loaded, keeping previous routes",
					"path", absPath, "error", err)
				continue
			}
			strategy.Swap(set)
			logger.Info("endpoints reloaded",
				"path", absPath,
				"history_routes", len(set.History),
				"poll_routes", len(set.Poll),
				"send_routes", len(set.Send),
			)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("endpoints watcher error", "error", err)
		}
	}
}

// Close stops the watcher and waits for the reload goroutine to exit.
func (w *EndpointsWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
