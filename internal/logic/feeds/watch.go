package feeds

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cjeanneret/doorbell/internal/debug"
	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the burst of events an editor save produces.
const DefaultWatchDebounce = 1500 * time.Millisecond

// Watch calls notify once per burst of changes to the feed file at path,
// until ctx is done. The parent directory is watched so that editors
// replacing the file by rename are still seen. notify runs on the watcher
// goroutine and must not block.
//
// Watch returns once the watch is established; the loop runs in the
// background.
func Watch(ctx context.Context, path string, debounce time.Duration, notify func()) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve feed file path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	debug.Info("Watching feed file %s (debounce %v)", abs, debounce)
	go watchLoop(ctx, w, abs, debounce, notify)
	return nil
}

func watchLoop(ctx context.Context, w *fsnotify.Watcher, path string, debounce time.Duration, notify func()) {
	defer w.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			debug.Verbose("Feed watcher stopped")
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debug.Trace("Feed file event: %s", ev.Op)
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			debug.Live("Feed file changed, requesting reload")
			notify()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			debug.Warn("Feed watcher error: %v", err)
		}
	}
}
