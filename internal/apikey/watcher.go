package apikey

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pollInterval is the safety-net reload period used whenever fsnotify
// cannot be established, or as a redundant backstop alongside it.
const pollInterval = 60 * time.Second

// Watch reloads the store whenever its backing file changes, using
// fsnotify where available and falling back to periodic polling.
// Reload errors are logged and leave the previous store entries intact.
func (s *Store) Watch(ctx context.Context, log *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := err != nil
	if err == nil {
		if err := watcher.Add(s.path); err != nil {
			log.Warn("apikey: failed to watch store file, falling back to polling", "path", s.path, "error", err)
			watcher.Close()
			usePolling = true
		}
	}

	if !usePolling {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					time.Sleep(100 * time.Millisecond)
					if err := s.Reload(); err != nil {
						log.Error("apikey: reload failed", "error", err)
					} else {
						log.Info("apikey: store reloaded")
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Error("apikey: watcher error", "error", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Reload(); err != nil {
					log.Error("apikey: poll reload failed", "error", err)
				}
			}
		}
	}()
}
