package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wippyai/realm-runner/errors"
)

// debounce lets a burst of writes settle before reloading.
const debounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid result to
// fn. Invalid edits are logged and skipped. It watches the directory so
// editors that replace the file are followed. Watch returns once the
// watcher is running; it stops when ctx ends.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "create watcher")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "resolve config path")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "watch config directory")
	}

	log := Logger().With(zap.String("path", abs))
	go func() {
		defer w.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		reload := func() {
			cfg, err := Load(abs)
			if err != nil {
				log.Warn("config reload rejected", zap.Error(err))
				return
			}
			log.Info("config reloaded")
			fn(cfg)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher", zap.Error(err))
			}
		}
	}()
	return nil
}
