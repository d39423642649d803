package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	TagSyncData             = "sync-data"
	TagRefreshNotifications = "refresh-notifications"
)

var ErrPermissionDenied = errors.New("periodic sync permission not granted")

// syncManager holds one-shot sync registrations until they succeed or run
// out of attempts. A tag registered twice is still one registration, but a
// registration that arrives while its tag is being dispatched runs again.
type syncManager struct {
	maxAttempts int
	dispatch    func(ctx context.Context, tag string) error
	log         *zap.Logger

	mu      sync.Mutex
	pending map[string]*syncReg
	dirty   bool // registered since the current pass took its snapshot

	running chan struct{}
}

type syncReg struct {
	attempts int // failed so far
	gen      uint64
}

func newSyncManager(maxAttempts int, log *zap.Logger, dispatch func(ctx context.Context, tag string) error) *syncManager {
	return &syncManager{
		maxAttempts: maxAttempts,
		dispatch:    dispatch,
		log:         log,
		pending:     make(map[string]*syncReg),
		running:     make(chan struct{}, 1),
	}
}

func (m *syncManager) register(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok := m.pending[tag]; ok {
		reg.gen++
	} else {
		m.pending[tag] = &syncReg{}
	}
	m.dirty = true
}

func (m *syncManager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked()
}

func (m *syncManager) pendingLocked() []string {
	tags := make([]string, 0, len(m.pending))
	for tag := range m.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// runPending fires every pending tag once. Overlapping calls collapse into
// the one already running, which makes another pass if anything was
// registered meanwhile.
func (m *syncManager) runPending(ctx context.Context) {
	select {
	case m.running <- struct{}{}:
	default:
		return
	}

	for {
		m.mu.Lock()
		m.dirty = false
		tags := m.pendingLocked()
		gens := make(map[string]uint64, len(tags))
		for _, tag := range tags {
			gens[tag] = m.pending[tag].gen
		}
		m.mu.Unlock()

		for _, tag := range tags {
			err := m.dispatch(ctx, tag)
			m.settle(tag, gens[tag], err)
		}

		// The slot is freed under mu so a concurrent register either sees
		// it free and starts its own pass, or is picked up by this loop.
		m.mu.Lock()
		again := m.dirty && ctx.Err() == nil
		if !again {
			<-m.running
		}
		m.mu.Unlock()
		if !again {
			return
		}
	}
}

func (m *syncManager) settle(tag string, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.pending[tag]
	if !ok {
		return
	}
	switch {
	case err == nil && reg.gen != gen:
		// Re-registered while running: keep it for the next pass.
		reg.attempts = 0
	case err == nil:
		delete(m.pending, tag)
	case reg.attempts+1 >= m.maxAttempts:
		delete(m.pending, tag)
		m.log.Warn("sync dropped after last attempt", zap.String("tag", tag), zap.Int("attempts", m.maxAttempts), zap.Error(err))
	default:
		reg.attempts++
		m.log.Warn("sync failed, will retry on reconnect", zap.String("tag", tag), zap.Int("attempt", reg.attempts), zap.Error(err))
	}
}

// RegisterSync records a one-shot background sync. While the origin is
// reachable it runs right away, otherwise on the next recovery.
func (s *Service) RegisterSync(tag string) {
	s.syncs.register(tag)
	if s.conn.Online() {
		s.goBackground(2*time.Minute, func(ctx context.Context) {
			s.syncs.runPending(ctx)
		})
	}
}

func (s *Service) onSync(ctx context.Context, ev Event) error {
	var err error
	switch ev.Tag {
	case TagSyncData:
		err = s.syncData(ctx)
	default:
		s.log.Debug("ignoring unknown sync tag", zap.String("tag", ev.Tag))
		return nil
	}
	s.metrics.RecordSyncRun(ev.Tag, err)
	return err
}

// syncData re-fetches every cached API response. Per-entry failures are
// skipped; only failing to reach the bucket at all is an error.
func (s *Service) syncData(ctx context.Context) error {
	v := s.activeVersion()
	if v == nil {
		return ErrNoActiveVersion
	}
	dyn, err := s.store.Get(v.Dynamic)
	if err != nil {
		return fmt.Errorf("sync %s: %w", TagSyncData, err)
	}

	var updated, unchanged, failed int
	for _, key := range dyn.Keys() {
		if !s.isAPI(pathOf(key)) {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ent, err := s.fetchBackground(ctx, key)
		if err == nil && !ent.cacheable() {
			err = fmt.Errorf("status %d", ent.Status)
		}
		if err != nil {
			failed++
			s.metrics.RecordSyncEntry("failed")
			s.log.Warn("sync entry failed", zap.String("url", key), zap.Error(err))
			continue
		}

		if prev, ok := dyn.Match(key); ok && prev.Hash32 == ent.Hash32 && prev.Status == ent.Status {
			unchanged++
			s.metrics.RecordSyncEntry("unchanged")
			continue
		}
		if err := dyn.Put(key, ent); err != nil {
			failed++
			s.metrics.RecordSyncEntry("failed")
			s.log.Warn("sync entry store failed", zap.String("url", key), zap.Error(err))
			continue
		}
		updated++
		s.metrics.RecordSyncEntry("updated")
	}

	s.log.Info("sync sweep done",
		zap.Int("updated", updated),
		zap.Int("unchanged", unchanged),
		zap.Int("failed", failed),
	)
	s.broadcast(Message{Type: MsgSyncComplete})
	return nil
}

func pathOf(uri string) string {
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		return uri[:i]
	}
	return uri
}

func (s *Service) onPeriodicSync(ctx context.Context, ev Event) error {
	switch ev.Tag {
	case TagRefreshNotifications:
		err := s.refreshNotifications(ctx)
		s.metrics.RecordSyncRun(ev.Tag, err)
		if err != nil {
			s.log.Warn("refresh notifications failed", zap.Error(err))
		}
	default:
		s.log.Debug("ignoring unknown periodic sync tag", zap.String("tag", ev.Tag))
	}
	return nil
}

func (s *Service) refreshNotifications(ctx context.Context) error {
	ent, err := s.fetchBackground(ctx, s.cfg.API.Notifications)
	if err != nil {
		return err
	}
	if !ent.ok() {
		return fmt.Errorf("%s: status %d", s.cfg.API.Notifications, ent.Status)
	}
	n, err := countUnread(ent.Body)
	if err != nil {
		return err
	}
	s.badge.Set(ctx, n)
	return nil
}

type notificationItem struct {
	IsRead *bool `json:"isRead"`
	Read   *bool `json:"read"`
}

func (n notificationItem) read() bool {
	return (n.IsRead != nil && *n.IsRead) || (n.Read != nil && *n.Read)
}

// countUnread accepts a bare array or an object wrapping it under
// "notifications".
func countUnread(body []byte) (int, error) {
	var items []notificationItem
	if err := json.Unmarshal(body, &items); err != nil {
		var wrapped struct {
			Notifications []notificationItem `json:"notifications"`
		}
		if werr := json.Unmarshal(body, &wrapped); werr != nil {
			return 0, fmt.Errorf("decode notifications: %w", err)
		}
		items = wrapped.Notifications
	}
	n := 0
	for _, it := range items {
		if !it.read() {
			n++
		}
	}
	return n, nil
}

// ---- periodic sync registry ----

type periodicReg struct {
	interval time.Duration
	stop     chan struct{}
}

type periodicSync struct {
	mu   sync.Mutex
	regs map[string]*periodicReg
}

func newPeriodicSync() *periodicSync {
	return &periodicSync{regs: make(map[string]*periodicReg)}
}

// RegisterPeriodicSync schedules tag every max(minInterval, configured
// floor). A zero minInterval asks for one hour. Re-registering replaces the
// previous schedule.
func (s *Service) RegisterPeriodicSync(tag string, minInterval time.Duration) error {
	if s.cfg.PeriodicSync.Permission != PermissionGranted {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, s.cfg.PeriodicSync.Permission)
	}
	if minInterval <= 0 {
		minInterval = time.Hour
	}
	interval := max(minInterval, s.cfg.PeriodicSync.minIntervalDur)

	reg := &periodicReg{interval: interval, stop: make(chan struct{})}
	s.periodic.mu.Lock()
	if old, ok := s.periodic.regs[tag]; ok {
		close(old.stop)
	}
	s.periodic.regs[tag] = reg
	s.periodic.mu.Unlock()

	s.spawn(func() { s.periodicLoop(tag, reg) })
	s.log.Info("periodic sync registered", zap.String("tag", tag), zap.Duration("interval", interval))
	return nil
}

func (s *Service) UnregisterPeriodicSync(tag string) bool {
	s.periodic.mu.Lock()
	defer s.periodic.mu.Unlock()
	reg, ok := s.periodic.regs[tag]
	if !ok {
		return false
	}
	close(reg.stop)
	delete(s.periodic.regs, tag)
	return true
}

func (s *Service) PeriodicSyncTags() []string {
	s.periodic.mu.Lock()
	defer s.periodic.mu.Unlock()
	tags := make([]string, 0, len(s.periodic.regs))
	for tag := range s.periodic.regs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (s *Service) periodicLoop(tag string, reg *periodicReg) {
	t := time.NewTicker(reg.interval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-reg.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.baseCtx, time.Minute)
			_ = s.Dispatch(ctx, Event{Kind: EventPeriodicSync, Tag: tag})
			cancel()
		}
	}
}
