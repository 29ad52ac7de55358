package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/takenet/lime-go/logger"
)

// Watch calls onChange with the new config every time the file at path is
// rewritten, until ctx ends. An invalid rewrite is logged and skipped.
//
// The directory is watched rather than the file so that editors saving
// through a rename are noticed too.
func Watch(ctx context.Context, logger *logger.Logger, path string, onChange func(config *Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error starting new file watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("unable to watch config file %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("file watcher closed events channel")
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			config, err := Load(path)
			if err != nil {
				logger.Errorf("Ignoring config change: %s", err)
				continue
			}
			logger.Infof("Config file %s changed", path)
			onChange(config)
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("file watcher closed errors channel")
			}
			return fmt.Errorf("file watcher caught error: %w", err)
		}
	}
}
