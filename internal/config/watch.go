package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Watch reloads the settings file when it changes and adjusts the global log
// level. Only the log level is applied live; other keys take effect on
// restart. Returns when ctx is done.
func Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace the file on save
	// and a file watch would go stale after the first rename.
	if err := watcher.Add(DataDir()); err != nil {
		return err
	}

	settings := SettingsPath()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != settings {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load()
			if err != nil {
				log.Warn().Err(err).Msg("Settings reload failed, keeping current config")
				continue
			}
			applyLogLevel(cfg.LogLevel)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Settings watcher error")
		}
	}
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level in settings")
		return
	}
	if zerolog.GlobalLevel() != parsed {
		zerolog.SetGlobalLevel(parsed)
		log.Info().Str("level", level).Msg("Log level updated from settings")
	}
}
