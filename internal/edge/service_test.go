package edge

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestService_CloseStopsBackgroundWork(t *testing.T) {
	origin := newFakeOrigin(t)
	st := newMemStorage(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t, origin.URL(), func(c *Config) {
		c.Sync.probeEveryDur = 10 * time.Millisecond
		c.Logging.statsEveryDur = 10 * time.Millisecond
		c.PeriodicSync.Permission = PermissionGranted
		c.PeriodicSync.Tags = []string{TagRefreshNotifications}
	})
	svc, err := NewService(cfg, WithLogger(zap.NewNop()), WithStorage(st), WithHTTPClient(origin.client()), WithMetrics(NewMetrics()))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	origin.down.Store(true)
	get(t, svc.Handler(), "/api/tasks")
	svc.RegisterSync(TagSyncData)
	origin.down.Store(false)
	time.Sleep(50 * time.Millisecond)

	svc.Close()
	svc.Close()
	origin.Close()

	assert.False(t, svc.spawn(func() {}), "closed service must not start work")
}

func TestService_OwnsStorageFromConfig(t *testing.T) {
	origin := newFakeOrigin(t)
	cfg := testConfig(t, origin.URL(), func(c *Config) { c.Cache.Path = t.TempDir() })

	svc, err := NewService(cfg, WithLogger(zap.NewNop()), WithHTTPClient(origin.client()))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	svc.Close()

	st, err := OpenCacheStorage(cfg.Cache.Path)
	require.NoError(t, err, "store must be released on close")
	defer st.Close()
	name, ok := st.ActiveVersion()
	require.True(t, ok)
	assert.Equal(t, "v1", name)
	assert.Equal(t, 3, st.EntryCount())
}

func TestService_DynamicLimitApplied(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.set("/api/a", http.StatusOK, string(make([]byte, 4096)), "application/octet-stream")
	origin.set("/api/b", http.StatusOK, string(make([]byte, 4096)), "application/octet-stream")
	svc := startedService(t, origin, func(c *Config) { c.Cache.dynamicMaxBytes = 6000 })

	get(t, svc.Handler(), "/api/a")
	get(t, svc.Handler(), "/api/b")

	dyn, err := svc.store.Open(svc.cfg.Version().Dynamic)
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/b"}, dyn.Keys())
	assert.LessOrEqual(t, dyn.Size(), int64(6000))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ObserveFetch(strategyCacheFirst, sourceCache, time.Millisecond)
	m.RecordBadge("set", ErrUnsupported)
	m.SetOnline(false)

	rec := get(t, m.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `kronos_edge_fetch_total{source="cache",strategy="cache-first"} 1`)
	assert.Contains(t, body, `kronos_edge_badge_updates_total{op="set",result="unsupported"} 1`)
	assert.Contains(t, body, "kronos_edge_origin_online 0")

	var nilMetrics *Metrics
	nilMetrics.ObserveFetch("a", "b", time.Second)
	rec = get(t, nilMetrics.Handler(), "/metrics")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Zero(t, s.Snapshot().TotalResponses)

	s.Observe(sourceCache, 100)
	s.Observe(sourceNetwork, 300)
	s.Observe(sourceCache, -5)

	snap := s.Snapshot()
	assert.Equal(t, uint64(3), snap.TotalResponses)
	assert.Equal(t, uint64(400), snap.TotalRespBytes)
	assert.Equal(t, uint64(0), snap.MinRespBytes)
	assert.Equal(t, uint64(300), snap.MaxRespBytes)
	assert.Equal(t, uint64(133), snap.AvgRespBytes)
	assert.Equal(t, map[string]uint64{sourceCache: 2, sourceNetwork: 1}, snap.BySource)
}

func TestRateLimitedLogger(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	l := newRateLimitedLogger(zap.New(core), time.Hour)

	l.Warn("offline")
	l.Warn("offline")
	l.Warn("offline")
	require.Equal(t, 1, logs.Len())

	l.lastAt = time.Now().Add(-2 * time.Hour)
	l.Warn("offline")
	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[1].ContextMap()["suppressed"])
}

func TestHub_OpenWindowQueueIsBounded(t *testing.T) {
	hub := NewHub(nil, nil)
	for i := 0; i < maxPendingOpens+4; i++ {
		require.NoError(t, hub.OpenWindow(context.Background(), "/"))
	}
	hub.mu.Lock()
	assert.Len(t, hub.pendingOpens, maxPendingOpens)
	hub.mu.Unlock()
}

func TestHub_PostMessageToBusyClient(t *testing.T) {
	hub := NewHub(nil, nil)
	c := hub.connect("http://app.local/")
	for i := 0; i < clientQueueSize; i++ {
		require.NoError(t, c.PostMessage(Message{Type: MsgFocus}))
	}
	assert.ErrorIs(t, c.PostMessage(Message{Type: MsgFocus}), errClientBusy)
}
