package edge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateNone       State = ""
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

var (
	ErrInstallFailed   = errors.New("install failed")
	ErrNoActiveVersion = errors.New("no active version")
)

func (s *Service) setState(v Version, st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.metrics.RecordLifecycle(st)
	s.log.Info("lifecycle", zap.String("version", v.Name), zap.String("state", string(st)))
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) onInstall(ctx context.Context, ev Event) error {
	v := ev.Version
	if v.Name == "" {
		v = s.cfg.Version()
	}

	s.installMu.Lock()
	defer s.installMu.Unlock()

	if cur := s.activeVersion(); cur != nil && *cur == v {
		return nil
	}

	s.setState(v, StateInstalling)
	if err := s.precache(ctx, v); err != nil {
		s.setState(v, StateRedundant)
		if cur := s.activeVersion(); cur != nil {
			s.setState(*cur, StateActive)
		}
		return err
	}

	s.mu.Lock()
	first := s.active == nil
	s.waiting = &v
	s.mu.Unlock()
	s.setState(v, StateInstalled)

	if first || s.cfg.skipWaiting() || len(s.platform.MatchAll()) == 0 {
		return s.activateLocked(ctx, v)
	}
	s.log.Info("installed version is waiting", zap.String("version", v.Name))
	return nil
}

// precache fetches the whole shell before writing any of it, so a single
// failure leaves the static bucket untouched.
func (s *Service) precache(ctx context.Context, v Version) error {
	static, err := s.store.Open(v.Static)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	urls := s.cfg.Cache.Precache
	ents := make([]CacheEntry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, uri := range urls {
		i, uri := i, uri
		g.Go(func() error {
			ent, err := s.fetchFromOrigin(gctx, uri, nil)
			if err != nil {
				return err
			}
			if !ent.cacheable() {
				return fmt.Errorf("precache %s: status %d", uri, ent.Status)
			}
			ents[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	if err := static.PutAll(ents); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	return nil
}

func (s *Service) onActivate(ctx context.Context, ev Event) error {
	s.installMu.Lock()
	defer s.installMu.Unlock()

	v := ev.Version
	if v.Name == "" {
		s.mu.Lock()
		w := s.waiting
		s.mu.Unlock()
		if w == nil {
			return nil
		}
		v = *w
	}
	return s.activateLocked(ctx, v)
}

// activateLocked must be called with installMu held.
func (s *Service) activateLocked(_ context.Context, v Version) error {
	s.setState(v, StateActivating)

	for _, name := range s.store.Keys() {
		if name == v.Static || name == v.Dynamic {
			continue
		}
		if _, err := s.store.Delete(name); err != nil {
			s.log.Warn("delete stale cache failed", zap.String("cache", name), zap.Error(err))
			continue
		}
		s.log.Info("deleted stale cache", zap.String("cache", name), zap.Bool("legacy", name == v.Legacy))
	}

	dyn, err := s.store.Open(v.Dynamic)
	if err != nil {
		s.setState(v, StateRedundant)
		return fmt.Errorf("activate %s: %w", v.Name, err)
	}
	dyn.SetLimit(s.cfg.Cache.dynamicMaxBytes)
	if err := s.store.SetActiveVersion(v.Name); err != nil {
		s.log.Warn("persist active version failed", zap.Error(err))
	}

	s.mu.Lock()
	s.active = &v
	s.waiting = nil
	s.mu.Unlock()
	s.setState(v, StateActive)

	s.platform.Claim(v.Name)

	if len(s.cfg.Cache.Discover) > 0 {
		s.goBackground(2*time.Minute, func(ctx context.Context) {
			stored, skipped := s.discoverAssets(ctx, v)
			s.log.Info("asset discovery done", zap.Int("stored", stored), zap.Int("skipped", skipped))
		})
	}
	return nil
}

func (s *Service) skipWaiting(ctx context.Context) error {
	return s.Dispatch(ctx, Event{Kind: EventActivate})
}

func (s *Service) onClientsIdle() {
	s.mu.Lock()
	waiting := s.waiting != nil
	s.mu.Unlock()
	if !waiting {
		return
	}
	s.goBackground(time.Minute, func(ctx context.Context) {
		if err := s.Dispatch(ctx, Event{Kind: EventActivate}); err != nil {
			s.log.Warn("activate waiting version failed", zap.Error(err))
		}
	})
}
