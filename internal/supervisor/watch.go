package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchSignalFile forces safe mode whenever path exists: at start, and each
// time it is created or written afterwards. It blocks until ctx is done.
//
// The parent directory is watched rather than the file, so the file may come
// and go.
func (s *Supervisor) WatchSignalFile(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	if _, err := os.Stat(path); err == nil {
		s.logger.Info("safe mode signal file present", "path", path)
		s.ForceSafeMode()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				s.logger.Info("safe mode requested by signal file", "path", path, "op", event.Op.String())
				s.ForceSafeMode()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("signal file watcher error", "error", err)
		}
	}
}
