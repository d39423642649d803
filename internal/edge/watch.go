package edge

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 300 * time.Millisecond

// WatchConfig reloads path on change and installs a new version when
// cache.version was bumped. Other settings need a restart.
func (s *Service) WatchConfig(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	// Editors replace the file on save, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("config watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	ok := s.spawn(func() {
		defer w.Close()

		var debounce *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-s.stopCh:
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(reloadDebounce)
				} else {
					debounce.Reset(reloadDebounce)
				}
				fire = debounce.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("config watch error", zap.Error(err))
			case <-fire:
				fire = nil
				s.reloadConfig(path)
			}
		}
	})
	if !ok {
		_ = w.Close()
	}
	return nil
}

func (s *Service) reloadConfig(path string) {
	cfg, err := LoadConfig(path)
	if err != nil {
		s.log.Warn("config reload failed", zap.String("path", path), zap.Error(err))
		return
	}
	s.applyConfig(cfg)
}

// applyConfig installs the version named by cfg if it differs from the
// active one.
func (s *Service) applyConfig(cfg Config) {
	next := versionFor(s.cfg.Cache.Prefix, cfg.Cache.Version)
	if cfg.Cache.Prefix != s.cfg.Cache.Prefix {
		s.log.Warn("cache.prefix change needs a restart", zap.String("prefix", cfg.Cache.Prefix))
	}
	if cur := s.activeVersion(); cur != nil && *cur == next {
		return
	}
	s.log.Info("cache version changed", zap.String("version", next.Name))
	s.goBackground(5*time.Minute, func(ctx context.Context) {
		if err := s.Dispatch(ctx, Event{Kind: EventInstall, Version: next}); err != nil {
			s.log.Error("install failed", zap.String("version", next.Name), zap.Error(err))
		}
	})
}
