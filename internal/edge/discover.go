package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// viteChunk is one entry of a Vite build manifest.
type viteChunk struct {
	File   string   `json:"file"`
	CSS    []string `json:"css"`
	Assets []string `json:"assets"`
}

// discoverAssets fetches the configured asset manifests and stores every
// listed asset that is not cached yet in the static bucket of v.
func (s *Service) discoverAssets(ctx context.Context, v Version) (stored, skipped int) {
	seen := make(map[string]struct{})
	var paths []string
	for _, m := range s.cfg.Cache.Discover {
		found, err := s.fetchAssetManifest(ctx, m)
		if err != nil {
			s.log.Warn("asset manifest failed", zap.String("manifest", m), zap.Error(err))
			continue
		}
		for _, p := range found {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			paths = append(paths, p)
		}
	}

	static, err := s.store.Get(v.Static)
	if err != nil {
		s.log.Warn("asset discovery: open static cache", zap.Error(err))
		return 0, len(paths)
	}

	results := make([]bool, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, p := range paths {
		if _, ok := s.store.Match(p); ok {
			continue
		}
		i, p := i, p
		g.Go(func() error {
			ent, err := s.fetchBackground(gctx, p)
			if err != nil || !ent.cacheable() {
				s.log.Debug("asset discovery: fetch skipped", zap.String("url", p), zap.Int("status", ent.Status), zap.Error(err))
				return nil
			}
			if err := static.Put(p, ent); err != nil {
				s.log.Warn("asset discovery: store failed", zap.String("url", p), zap.Error(err))
				return nil
			}
			s.metrics.RecordDiscoveredAsset()
			results[i] = true
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range results {
		if ok {
			stored++
		} else {
			skipped++
		}
	}
	return stored, skipped
}

func (s *Service) fetchAssetManifest(ctx context.Context, manifest string) ([]string, error) {
	ent, err := s.fetchBackground(ctx, normalizeAssetPath(manifest))
	if err != nil {
		return nil, err
	}
	if !ent.ok() {
		return nil, fmt.Errorf("unexpected status %d", ent.Status)
	}
	return parseAssetManifest(ent.Body)
}

// parseAssetManifest accepts a JSON array of paths or a Vite manifest and
// returns normalized, sorted paths.
func parseAssetManifest(body []byte) ([]string, error) {
	var raw []string
	if err := json.Unmarshal(body, &raw); err != nil {
		var vite map[string]viteChunk
		if verr := json.Unmarshal(body, &vite); verr != nil {
			return nil, fmt.Errorf("decode asset manifest: %w", err)
		}
		for _, c := range vite {
			raw = append(raw, c.File)
			raw = append(raw, c.CSS...)
			raw = append(raw, c.Assets...)
		}
	}

	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		p := normalizeAssetPath(r)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// normalizeAssetPath turns absolute URLs and relative paths into a request
// URI rooted at /.
func normalizeAssetPath(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		p := u.EscapedPath()
		if p == "" {
			p = "/"
		}
		if u.RawQuery != "" {
			p += "?" + u.RawQuery
		}
		return p
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
