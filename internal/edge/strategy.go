package edge

import (
	"errors"
	"net/http"

	"go.uber.org/zap"
)

const offlineJSON = `{"error":"Offline"}`

// cacheFirst serves from any bucket without touching the network. Misses go
// to the origin and successful responses land in the static bucket.
func (s *Service) cacheFirst(w http.ResponseWriter, r *http.Request, v Version) string {
	key := r.URL.RequestURI()
	if ent, ok := s.store.Match(key); ok {
		s.writeEntryWithStats(w, ent, sourceCache)
		return sourceCache
	}

	ent, err := s.fetchFromOrigin(r.Context(), key, r.Header)
	if err != nil {
		s.offlineLog.Warn("origin unreachable for static asset", zap.String("url", key), zap.Error(err))
		writeOffline(w, "text/plain; charset=utf-8", "Offline")
		return sourceOffline
	}
	if ent.cacheable() {
		s.put(v.Static, key, ent)
	}
	s.writeEntryWithStats(w, ent, sourceNetwork)
	return sourceNetwork
}

// networkFirst prefers the origin and writes API responses through to the
// dynamic bucket. Offline it serves whatever was stored last, however old.
func (s *Service) networkFirst(w http.ResponseWriter, r *http.Request, v Version) string {
	key := r.URL.RequestURI()
	ent, err := s.fetchFromOrigin(r.Context(), key, r.Header)
	if err == nil {
		if ent.cacheable() && s.isAPI(r.URL.Path) {
			s.put(v.Dynamic, key, ent)
		}
		s.writeEntryWithStats(w, ent, sourceNetwork)
		return sourceNetwork
	}

	s.offlineLog.Warn("origin unreachable, serving from cache", zap.String("url", key), zap.Error(err))
	if dyn, gerr := s.store.Get(v.Dynamic); gerr == nil {
		if cached, ok := dyn.Match(key); ok {
			s.writeEntryWithStats(w, cached, sourceCache)
			return sourceCache
		}
	}
	if isNavigation(r) {
		if root, ok := s.store.Match("/"); ok {
			s.writeEntryWithStats(w, root, sourceFallback)
			return sourceFallback
		}
	}
	writeOffline(w, "application/json", offlineJSON)
	return sourceOffline
}

// put stores ent; failures only cost a future cache hit. A bucket that is
// gone was retired by an activation and stays gone.
func (s *Service) put(bucket, key string, ent CacheEntry) {
	c, err := s.store.Get(bucket)
	if err == nil {
		err = c.Put(key, ent)
	}
	if errors.Is(err, ErrBucketNotFound) {
		s.log.Debug("cache put skipped, bucket retired", zap.String("cache", bucket), zap.String("url", key))
		return
	}
	if err != nil {
		s.log.Warn("cache put failed", zap.String("cache", bucket), zap.String("url", key), zap.Error(err))
	}
}

func writeOffline(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	setEdgeHeaders(w.Header(), sourceOffline)
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(body))
}
