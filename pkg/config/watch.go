package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch monitors the given config files and calls onChange with the
// reloaded Config each time one of them is written. It blocks until ctx
// is cancelled.
//
// A reload that fails to parse or validate is logged and dropped; the
// previous config stays active and onChange is not called.
func Watch(
	ctx context.Context,
	log logrus.FieldLogger,
	paths []string,
	onChange func(*Config),
) error {
	if len(paths) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}

	defer func() { _ = watcher.Close() }()

	// Watch the parent directories: editors often save by renaming a new
	// file over the old one, which drops a watch placed on the file.
	watched := make(map[string]struct{}, len(paths))
	dirs := make(map[string]struct{}, len(paths))

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", p, err)
		}

		watched[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}

	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	log = log.WithField("component", "config-watcher")
	log.WithField("files", len(paths)).Info("Watching config for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if _, ok := watched[filepath.Clean(event.Name)]; !ok {
				continue
			}

			cfg, err := Load(paths...)
			if err == nil {
				err = cfg.Validate()
			}

			if err != nil {
				log.WithError(err).WithField("file", event.Name).
					Error("Config reload failed, keeping previous config")

				continue
			}

			log.WithField("file", event.Name).Info("Config reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			log.WithError(err).Warn("Config watcher error")
		}
	}
}
