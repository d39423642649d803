package edge

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// statsCollector aggregates response sizes between stats log lines.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	mu       sync.Mutex
	bySource map[string]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{bySource: make(map[string]uint64)}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(source string, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	s.bySource[source]++
	s.mu.Unlock()
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	BySource       map[string]uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	s.mu.Lock()
	bySource := make(map[string]uint64, len(s.bySource))
	for k, v := range s.bySource {
		bySource[k] = v
	}
	s.mu.Unlock()

	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{BySource: bySource}
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   total / count,
		BySource:       bySource,
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	snap := s.stats.Snapshot()
	fields := []zap.Field{
		zap.Int("buckets", len(s.store.Keys())),
		zap.Int("entries", s.store.EntryCount()),
		zap.String("cacheSize", humanize.Bytes(uint64(s.store.TotalSize()))),
		zap.Uint64("responses", snap.TotalResponses),
		zap.Any("bySource", snap.BySource),
		zap.String("respMin", humanize.Bytes(snap.MinRespBytes)),
		zap.String("respAvg", humanize.Bytes(snap.AvgRespBytes)),
		zap.String("respMax", humanize.Bytes(snap.MaxRespBytes)),
		zap.Bool("online", s.conn.Online()),
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", humanize.Bytes(rss)))
	}
	s.log.Info("stats", fields...)
}
