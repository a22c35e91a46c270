package gateway

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchConfig reloads the dispatcher configuration whenever the config file
// changes. The directory is watched so editors that replace the file by
// rename are still seen.
func (s *Service) watchConfig(ctx context.Context) {
	target := filepath.Clean(s.configPath)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("Config watcher unavailable", "error", err)
		return
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(target)); err != nil {
		s.log.Warn("Cannot watch config directory", "path", target, "error", err)
		return
	}

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(s.debounce, func() {
			s.reload(ctx)
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	s.log.Debug("Watching config", "path", target)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Warn("Config watcher error", "error", err)
		}
	}
}

// reload swaps in the new dispatchers and forces webhook registration, since
// a changed url-prefix or token invalidates the registered webhooks.
func (s *Service) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	dispatchers, invalid, err := s.loader(s.configPath)
	if err != nil {
		s.log.Error("Failed to reload config, keeping previous dispatchers", "path", s.configPath, "error", err)
		s.setConfigState(err)
		return
	}
	for name, verr := range invalid {
		s.log.Warn("Skipping invalid dispatcher", "dispatcher", name, "error", verr)
	}

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.bridge.SetDispatchers(dispatchers)
	s.setConfigState(nil)

	report, ok := s.bridge.CheckWebhooks(ctx, true)
	s.log.Info("Config reloaded", "dispatchers", len(dispatchers), "webhooks_ok", ok)
	s.log.Debug("Webhook check", "report", report)
}
