package edge

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	strategyCacheFirst   = "cache-first"
	strategyNetworkFirst = "network-first"
	strategyPassthrough  = "passthrough"
)

// Response sources, also reported in the X-Kronos-Edge header.
const (
	sourceCache      = "cache"
	sourceNetwork    = "network"
	sourceOffline    = "offline"
	sourceFallback   = "fallback"
	sourceBypass     = "bypass"
	sourceBadGateway = "bad-gateway"
)

const edgeHeader = "X-Kronos-Edge"

// Handler serves the control surface under /__edge/ and intercepts
// everything else.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerControl(mux)
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Without an active version nothing controls the page.
	v := s.activeVersion()
	if v == nil || r.Method != http.MethodGet {
		s.passThrough(w, r)
		s.metrics.ObserveFetch(strategyPassthrough, sourceBypass, time.Since(start))
		return
	}

	strategy := s.classify(r)
	var source string
	switch strategy {
	case strategyNetworkFirst:
		source = s.networkFirst(w, r, *v)
	default:
		source = s.cacheFirst(w, r, *v)
	}
	s.metrics.ObserveFetch(strategy, source, time.Since(start))
}

func (s *Service) classify(r *http.Request) string {
	if s.isAPI(r.URL.Path) {
		return strategyNetworkFirst
	}
	if isNavigation(r) {
		return strategyNetworkFirst
	}
	return strategyCacheFirst
}

func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (s *Service) passThrough(w http.ResponseWriter, r *http.Request) {
	req, err := s.newOriginRequest(r.Context(), r.Method, r.URL.RequestURI(), r.Header, r.Body)
	if err != nil {
		setEdgeHeaders(w.Header(), sourceBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	req.ContentLength = r.ContentLength
	ent, err := s.do(req)
	if err != nil {
		s.offlineLog.Warn("passthrough failed", zap.String("method", r.Method), zap.String("url", r.URL.RequestURI()), zap.Error(err))
		setEdgeHeaders(w.Header(), sourceBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeEntryWithStats(w, ent, sourceBypass)
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, edgeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setEdgeHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent CacheEntry, source string) {
	writeEntry(w, ent, source)
	if s.stats != nil {
		s.stats.Observe(source, len(ent.Body))
	}
}

func setEdgeHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(edgeHeader, source)
	}
	// Pages read the header from fetch(), which hides custom headers on
	// cross-origin responses unless exposed.
	ensureExposedHeader(h, edgeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
