package edge

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// connectivity tracks whether the origin answered recently. Transitions
// back to online fire onRecover exactly once.
type connectivity struct {
	online    atomic.Bool
	onRecover func()
	metrics   *Metrics
}

func newConnectivity(metrics *Metrics, onRecover func()) *connectivity {
	c := &connectivity{onRecover: onRecover, metrics: metrics}
	c.online.Store(true)
	metrics.SetOnline(true)
	return c
}

func (c *connectivity) Online() bool { return c.online.Load() }

func (c *connectivity) markOnline() {
	if c.online.CompareAndSwap(false, true) {
		c.metrics.SetOnline(true)
		if c.onRecover != nil {
			c.onRecover()
		}
	}
}

// markOffline reports whether this call changed the state.
func (c *connectivity) markOffline() bool {
	if c.online.CompareAndSwap(true, false) {
		c.metrics.SetOnline(false)
		return true
	}
	return false
}

func (s *Service) onRecover() {
	s.log.Info("origin reachable again", zap.Strings("pending", s.syncs.Pending()))
	s.goBackground(2*time.Minute, func(ctx context.Context) {
		s.syncs.runPending(ctx)
	})
}

func (s *Service) probeLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if s.conn.Online() {
				continue
			}
			ctx, cancel := context.WithTimeout(s.baseCtx, every)
			s.probe(ctx)
			cancel()
		}
	}
}

// probe asks the origin for something cheap. Any HTTP answer, even an
// error status, means the network is back.
func (s *Service) probe(ctx context.Context) {
	req, err := s.newOriginRequest(ctx, http.MethodHead, s.cfg.Sync.ProbePath, nil, nil)
	if err != nil {
		return
	}
	if _, err := s.do(req); err != nil {
		s.log.Debug("probe failed", zap.Error(err))
	}
}
