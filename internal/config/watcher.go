package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses editor save bursts (write + chmod + rename) into one reload.
const watchDebounce = 500 * time.Millisecond

// Watch watches the given config files and emits on the returned channel
// after a debounced write or create. The channel closes when ctx is done or
// the watcher cannot be created.
func Watch(ctx context.Context, logger *common.Logger, files ...string) <-chan struct{} {
	reloadCh := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error().Err(err).Msg("failed to create config watcher")
		close(reloadCh)
		return reloadCh
	}

	// Watch parent directories so atomic saves (rename over the file) are seen.
	targets := make(map[string]bool, len(files))
	for _, file := range files {
		absPath, err := filepath.Abs(file)
		if err != nil {
			logger.Warn().Str("file", file).Msg("could not resolve config path for watching")
			continue
		}
		targets[absPath] = true
		if err := watcher.Add(filepath.Dir(absPath)); err != nil {
			logger.Warn().Str("file", file).Err(err).Msg("could not watch config file")
			continue
		}
		logger.Debug().Str("file", absPath).Msg("watching configuration file")
	}

	go func() {
		defer watcher.Close()
		defer close(reloadCh)

		var timer *time.Timer
		var fire <-chan time.Time
		var changed string
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-fire:
				fire = nil
				logger.Info().Str("file", changed).Msg("configuration change detected")
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !targets[filepath.Clean(event.Name)] {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				changed = event.Name
				timer = time.NewTimer(watchDebounce)
				fire = timer.C
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("config watcher error")
			}
		}
	}()

	return reloadCh
}
