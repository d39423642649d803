package edge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRoute struct {
	status      int
	body        string
	contentType string
	header      http.Header
}

// fakeOrigin is an httptest origin whose transport can be cut, either
// entirely or for single paths.
type fakeOrigin struct {
	srv       *httptest.Server
	transport *http.Transport
	down      atomic.Bool

	mu         sync.Mutex
	routes     map[string]fakeRoute
	failing    map[string]bool
	held       map[string]chan struct{}
	hits       map[string]int
	lastMethod string
	lastBody   string
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	t.Helper()
	o := &fakeOrigin{
		transport: &http.Transport{},
		routes:    map[string]fakeRoute{},
		failing:   map[string]bool{},
		held:      map[string]chan struct{}{},
		hits:      map[string]int{},
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)

	o.set("/", http.StatusOK, "<html>kronos</html>", "text/html")
	o.set("/manifest.json", http.StatusOK, `{"name":"Kronos"}`, "application/manifest+json")
	o.set("/favicon.png", http.StatusOK, "PNG", "image/png")
	return o
}

func (o *fakeOrigin) Close() {
	o.srv.Close()
	o.transport.CloseIdleConnections()
}

func (o *fakeOrigin) URL() string { return o.srv.URL }

func (o *fakeOrigin) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := r.URL.RequestURI()

	o.mu.Lock()
	o.hits[key]++
	o.lastMethod = r.Method
	o.lastBody = string(body)
	route, ok := o.routes[key]
	gate := o.held[key]
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if !ok {
		http.NotFound(w, r)
		return
	}
	for k, vs := range route.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if route.contentType != "" {
		w.Header().Set("Content-Type", route.contentType)
	}
	w.WriteHeader(route.status)
	_, _ = io.WriteString(w, route.body)
}

func (o *fakeOrigin) set(uri string, status int, body, contentType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[uri] = fakeRoute{status: status, body: body, contentType: contentType}
}

func (o *fakeOrigin) setHeader(uri string, status int, body string, hdr http.Header) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[uri] = fakeRoute{status: status, body: body, header: hdr}
}

// hold makes requests for uri wait until the returned release is called.
func (o *fakeOrigin) hold(t *testing.T, uri string) (release func()) {
	t.Helper()
	gate := make(chan struct{})
	o.mu.Lock()
	o.held[uri] = gate
	o.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.held, uri)
			o.mu.Unlock()
			close(gate)
		})
	}
	t.Cleanup(release)
	return release
}

func (o *fakeOrigin) fail(uri string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failing[uri] = true
}

func (o *fakeOrigin) hitCount(uri string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[uri]
}

func (o *fakeOrigin) last() (method, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastMethod, o.lastBody
}

func (o *fakeOrigin) RoundTrip(r *http.Request) (*http.Response, error) {
	o.mu.Lock()
	failing := o.failing[r.URL.RequestURI()]
	o.mu.Unlock()
	if o.down.Load() || failing {
		return nil, errors.New("dial tcp: connection refused")
	}
	return o.transport.RoundTrip(r)
}

func (o *fakeOrigin) CloseIdleConnections() { o.transport.CloseIdleConnections() }

func (o *fakeOrigin) client() *http.Client {
	return &http.Client{Transport: o, Timeout: 5 * time.Second, CheckRedirect: NoFollowRedirects}
}

func testConfig(t *testing.T, origin string, mutate ...func(*Config)) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte("server:\n  origin: " + origin + "\nsync:\n  probeEvery: 0s\n"))
	require.NoError(t, err)
	for _, m := range mutate {
		m(&cfg)
	}
	return cfg
}

func newMemStorage(t *testing.T) *CacheStorage {
	t.Helper()
	st, err := OpenMemCacheStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newServiceWith(t *testing.T, cfg Config, st *CacheStorage, origin *fakeOrigin, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop()), WithStorage(st), WithHTTPClient(origin.client())}, opts...)
	svc, err := NewService(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

// newTestService returns a service over a fresh in-memory store. It is not
// started.
func newTestService(t *testing.T, origin *fakeOrigin, mutate ...func(*Config)) *Service {
	t.Helper()
	return newServiceWith(t, testConfig(t, origin.URL(), mutate...), newMemStorage(t), origin)
}

func startedService(t *testing.T, origin *fakeOrigin, mutate ...func(*Config)) *Service {
	t.Helper()
	svc := newTestService(t, origin, mutate...)
	require.NoError(t, svc.Start(context.Background()))
	return svc
}

func get(t *testing.T, h http.Handler, uri string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, uri, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func nextMessage(t *testing.T, c *hubClient) Message {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return Message{}
	}
}

// nextMessageOfType skips messages of other types.
func nextMessageOfType(t *testing.T, c *hubClient, typ string) Message {
	t.Helper()
	for {
		if msg := nextMessage(t, c); msg.Type == typ {
			return msg
		}
	}
}

func drain(c *hubClient) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func boolPtr(v bool) *bool { return &v }
