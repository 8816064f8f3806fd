package supervisor

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// PluginWatcher watches the directory backing a --logic-class plugin
// and logs a restart recommendation when its file changes underneath a
// running proxy (spec.md §9's dynamic-plugin-loader design note).
// Grounded on the teacher's FileWatcher (internal/daemon/watcher.go),
// stripped of the teacher's C++-source-tree recursion and debounced
// rebuild callback: rass has exactly one file to watch per instance,
// not a tree, and reacts by logging rather than re-triggering work
// itself (swapping a live RoutingPolicy out from under the Router is
// out of scope, spec.md §1 Non-goals).
type PluginWatcher struct {
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// WatchLogicClassDir watches dir (the directory containing the
// --logic-class plugin's backing file) for writes, using a small debounce
// window so editors that truncate-then-write don't log twice for one save.
func WatchLogicClassDir(dir string, log zerolog.Logger) (*PluginWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	pw := &PluginWatcher{watcher: w, stop: make(chan struct{})}
	go pw.run(dir, log)
	return pw, nil
}

func (pw *PluginWatcher) run(dir string, log zerolog.Logger) {
	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			name := filepath.Base(ev.Name)
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				log.Warn().Str("file", name).Str("dir", dir).
					Msg("logic-class plugin file changed on disk; restart rass to pick up the new routing policy")
			})
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("dir", dir).Msg("logic-class plugin watcher error")
		case <-pw.stop:
			return
		}
	}
}

// Stop tears down the watcher.
func (pw *PluginWatcher) Stop() error {
	close(pw.stop)
	return pw.watcher.Close()
}
