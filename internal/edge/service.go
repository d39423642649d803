package edge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrUnknownEvent = errors.New("unknown event")

type handlerFunc func(ctx context.Context, ev Event) error

type Option func(*Service)

func WithLogger(log *zap.Logger) Option { return func(s *Service) { s.log = log } }

// WithStorage makes the service use st instead of opening cache.path. The
// caller keeps ownership and closes it.
func WithStorage(st *CacheStorage) Option { return func(s *Service) { s.store = st } }

func WithPlatform(p Platform) Option { return func(s *Service) { s.platform = p } }

// WithHTTPClient sets the client used to reach the origin. Redirects must
// reach the page untouched, so c should stop at the first response (see
// NoFollowRedirects).
func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.httpClient = c } }

// NoFollowRedirects is an http.Client CheckRedirect that hands 3xx responses
// back to the caller.
func NoFollowRedirects(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

type Service struct {
	cfg Config
	log *zap.Logger

	httpClient *http.Client
	store      *CacheStorage
	ownsStore  bool
	platform   Platform
	hub        *Hub

	metrics    *Metrics
	stats      *statsCollector
	offlineLog *rateLimitedLogger

	conn     *connectivity
	syncs    *syncManager
	periodic *periodicSync
	badge    *badgeControl

	handlers map[EventKind]handlerFunc

	mu      sync.Mutex
	state   State
	active  *Version
	waiting *Version

	// installMu serializes install and activate so a config reload cannot
	// race the startup install.
	installMu sync.Mutex

	bgMu    sync.Mutex
	closed  bool
	baseCtx context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{
			Timeout:       cfg.Server.timeoutDur,
			CheckRedirect: NoFollowRedirects,
		}
	}
	if s.store == nil {
		st, err := OpenCacheStorage(cfg.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("open cache storage: %w", err)
		}
		s.store = st
		s.ownsStore = true
	}
	if s.platform == nil {
		s.hub = NewHub(s.log.Named("clients"), s.metrics)
		s.platform = s.hub
	}
	if p, ok := s.platform.(interface{ SetOnIdle(func()) }); ok {
		p.SetOnIdle(s.onClientsIdle)
	}
	if cfg.Logging.statsEveryDur > 0 {
		s.stats = newStatsCollector()
	}

	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.offlineLog = newRateLimitedLogger(s.log, time.Minute)
	s.conn = newConnectivity(s.metrics, s.onRecover)
	s.syncs = newSyncManager(cfg.Sync.MaxAttempts, s.log.Named("sync"), func(ctx context.Context, tag string) error {
		return s.Dispatch(ctx, Event{Kind: EventSync, Tag: tag})
	})
	s.periodic = newPeriodicSync()
	s.badge = &badgeControl{platform: s.platform, log: s.log.Named("badge"), metrics: s.metrics}

	s.handlers = map[EventKind]handlerFunc{
		EventInstall:           s.onInstall,
		EventActivate:          s.onActivate,
		EventSync:              s.onSync,
		EventPeriodicSync:      s.onPeriodicSync,
		EventPush:              s.onPush,
		EventNotificationClick: s.onNotificationClick,
		EventMessage:           s.onMessage,
	}
	return s, nil
}

// Start brings the configured version into service and starts the
// background loops. A failed install is returned, but the service stays
// usable: the previously active version, if any, keeps control.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Sync.probeEveryDur > 0 {
		s.spawn(func() { s.probeLoop(s.cfg.Sync.probeEveryDur) })
	}
	if s.stats != nil {
		s.spawn(func() { s.statsLoop(s.cfg.Logging.statsEveryDur) })
	}

	err := s.restoreOrInstall(ctx, s.cfg.Version())

	if s.cfg.PeriodicSync.Permission == PermissionGranted {
		for _, tag := range s.cfg.PeriodicSync.Tags {
			if rerr := s.RegisterPeriodicSync(tag, 0); rerr != nil {
				s.log.Warn("periodic sync registration failed", zap.String("tag", tag), zap.Error(rerr))
			}
		}
	}
	return err
}

func (s *Service) restoreOrInstall(ctx context.Context, v Version) error {
	if name, ok := s.store.ActiveVersion(); ok {
		prev := versionFor(s.cfg.Cache.Prefix, name)
		if s.store.Has(prev.Static) {
			s.mu.Lock()
			s.active = &prev
			s.state = StateActive
			s.mu.Unlock()
			s.platform.Claim(prev.Name)
			s.log.Info("restored active version", zap.String("version", prev.Name))
			if prev == v {
				return nil
			}
		}
	}
	return s.Dispatch(ctx, Event{Kind: EventInstall, Version: v})
}

// CloseStreams ends long-lived client connections so an http.Server can
// shut down.
func (s *Service) CloseStreams() {
	if s.hub != nil {
		s.hub.Close()
	}
}

func (s *Service) Close() {
	s.bgMu.Lock()
	if s.closed {
		s.bgMu.Unlock()
		return
	}
	s.closed = true
	s.bgMu.Unlock()

	s.cancel()
	close(s.stopCh)
	s.CloseStreams()
	s.wg.Wait()
	s.httpClient.CloseIdleConnections()
	if s.ownsStore {
		_ = s.store.Close()
	}
}

// spawn runs fn on a tracked goroutine unless the service is closing.
func (s *Service) spawn(fn func()) bool {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Service) goBackground(timeout time.Duration, fn func(ctx context.Context)) bool {
	return s.spawn(func() {
		ctx, cancel := context.WithTimeout(s.baseCtx, timeout)
		defer cancel()
		fn(ctx)
	})
}

// Dispatch routes ev to the handler for its kind.
func (s *Service) Dispatch(ctx context.Context, ev Event) error {
	h, ok := s.handlers[ev.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	return h(ctx, ev)
}

func (s *Service) activeVersion() *Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Service) broadcast(msg Message) {
	for _, c := range s.platform.MatchAll() {
		if err := c.PostMessage(msg); err != nil {
			s.log.Debug("post message failed", zap.String("client", c.ID()), zap.String("type", msg.Type), zap.Error(err))
		}
	}
}

func (s *Service) isAPI(path string) bool {
	return strings.HasPrefix(path, s.cfg.API.Prefix)
}

// ---- origin access ----

func (s *Service) newOriginRequest(ctx context.Context, method, uri string, hdr http.Header, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.Server.Origin+uri, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, hdr)
	req.Header.Set("Accept-Encoding", "identity")
	return req, nil
}

// do sends req and reads the whole response. An error means the origin was
// unreachable; HTTP error statuses come back as entries.
func (s *Service) do(req *http.Request) (CacheEntry, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.originFailed(req.Context(), err)
		return CacheEntry{}, fmt.Errorf("fetch %s: %w", req.URL.RequestURI(), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.originFailed(req.Context(), err)
		return CacheEntry{}, fmt.Errorf("read %s: %w", req.URL.RequestURI(), err)
	}
	s.conn.markOnline()
	return newEntry(req.URL.RequestURI(), resp.StatusCode, resp.Header, body), nil
}

func (s *Service) originFailed(ctx context.Context, err error) {
	// A caller that gave up says nothing about the origin.
	if ctx.Err() != nil {
		return
	}
	s.metrics.RecordOriginError()
	if s.conn.markOffline() {
		s.log.Warn("origin unreachable, going offline", zap.Error(err))
	}
}

func (s *Service) fetchFromOrigin(ctx context.Context, uri string, hdr http.Header) (CacheEntry, error) {
	req, err := s.newOriginRequest(ctx, http.MethodGet, uri, hdr, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	ent, err := s.do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	// The origin may be mounted under a path; entries are keyed by what
	// the page asked for.
	ent.URL = uri
	return ent, nil
}

// fetchBackground is used by work that has no page request behind it, so it
// carries the configured credentials instead.
func (s *Service) fetchBackground(ctx context.Context, uri string) (CacheEntry, error) {
	hdr := make(http.Header, len(s.cfg.Server.Headers))
	for k, v := range s.cfg.Server.Headers {
		hdr.Set(k, v)
	}
	return s.fetchFromOrigin(ctx, uri, hdr)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Accept-Encoding") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	for _, hop := range hopHeaders {
		out.Del(hop)
	}
	return out
}
