package queue

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"openviking/internal/logging"
)

// WatchDirs wakes the workers when job files appear under the given OS
// directories. Only meaningful for the local AGFS backend, where another
// process (or an operator) may drop job records directly; the in-process
// enqueue path nudges the workers without it. Errors are non-fatal — the
// poll interval remains the fallback.
func (q *Queues) WatchDirs(ctx context.Context, dirs ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := watcher.Add(d); err != nil {
			watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
					q.nudge()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Get(logging.CategorySemantic).Warn("queue watcher: %v", err)
			}
		}
	}()
	return nil
}
