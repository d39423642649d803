package edge

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func do(t *testing.T, h http.Handler, method, target, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestControl_Status(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := startedService(t, origin)

	rec := do(t, svc.Handler(), http.MethodGet, "/__edge/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "v1", st.Version)
	assert.Equal(t, StateActive, st.State)
	assert.True(t, st.Online)
	require.Len(t, st.Buckets, 2)
	assert.Equal(t, "kronos-static-v1", st.Buckets[0].Name)
	assert.Equal(t, 3, st.Buckets[0].Entries)
	assert.Positive(t, st.Buckets[0].Bytes)
}

func TestControl_PushRequiresToken(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := startedService(t, origin, func(c *Config) { c.Push.Token = "s3cret" })
	h := svc.Handler()

	rec := do(t, h, http.MethodPost, "/__edge/push", "hello")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, h, http.MethodPost, "/__edge/push", "hello", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/__edge/push", "hello", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestControl_PushThenClick(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := startedService(t, origin)
	h := svc.Handler()
	watcher := svc.hub.connect("http://app.local/")

	rec := do(t, h, http.MethodPost, "/__edge/push", `{"title":"Due","url":"/tasks/1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := nextMessageOfType(t, watcher, MsgNotification).Notification.ID

	rec = do(t, h, http.MethodPost, "/__edge/notificationclick", `{"id":"`+id+`"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "/tasks/1", nextMessageOfType(t, watcher, MsgNavigate).URL)

	rec = do(t, h, http.MethodPost, "/__edge/notificationclick", `{"id":"`+id+`"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControl_Message(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := startedService(t, origin)
	h := svc.Handler()

	rec := do(t, h, http.MethodPost, "/__edge/message", `{"type":"SET_BADGE","count":3}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 3, svc.hub.Badge())

	rec = do(t, h, http.MethodPost, "/__edge/message", `{nope`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/__edge/message", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControl_PeriodicSync(t *testing.T) {
	origin := newFakeOrigin(t)

	denied := startedService(t, origin)
	rec := do(t, denied.Handler(), http.MethodPost, "/__edge/periodic-sync", `{"tag":"refresh-notifications"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	granted := startedService(t, origin, func(c *Config) { c.PeriodicSync.Permission = PermissionGranted })
	h := granted.Handler()
	rec = do(t, h, http.MethodPost, "/__edge/periodic-sync", `{"tag":"refresh-notifications","minInterval":"12h"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{TagRefreshNotifications}, granted.PeriodicSyncTags())

	rec = do(t, h, http.MethodPost, "/__edge/periodic-sync", `{"tag":"x","minInterval":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/__edge/periodic-sync?tag=refresh-notifications", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, "/__edge/periodic-sync?tag=refresh-notifications", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControl_Sync(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := startedService(t, origin)
	page := svc.hub.connect("http://app.local/")

	rec := do(t, svc.Handler(), http.MethodPost, "/__edge/sync", `{"tag":"sync-data"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	nextMessageOfType(t, page, MsgSyncComplete)

	rec = do(t, svc.Handler(), http.MethodPost, "/__edge/sync", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControl_EventStream(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := startedService(t, origin)
	ts := httptest.NewServer(svc.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/__edge/events?url=" + url.QueryEscape("http://app.local/tasks"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	next := func() string {
		select {
		case l, ok := <-lines:
			require.True(t, ok, "stream closed")
			return l
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
			return ""
		}
	}

	require.Equal(t, "event: hello", next())
	require.True(t, strings.HasPrefix(next(), "data: "))

	clients := svc.hub.MatchAll()
	require.Len(t, clients, 1)
	assert.Equal(t, "http://app.local/tasks", clients[0].URL())

	rec := do(t, svc.Handler(), http.MethodPost, "/__edge/message", `{"type":"SET_BADGE","count":4}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var data string
	for !strings.HasPrefix(data, "data: ") {
		data = next()
	}
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &msg))
	assert.Equal(t, MsgBadge, msg.Type)
	require.NotNil(t, msg.Count)
	assert.Equal(t, 4, *msg.Count)

	svc.CloseStreams()
	for range lines {
	}
	assert.Eventually(t, func() bool { return svc.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestControl_PushBodyErrors(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := startedService(t, origin)
	h := svc.Handler()

	rec := do(t, h, http.MethodPost, "/__edge/push", strings.Repeat("x", maxPushPayload+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/__edge/push", iotest.ErrReader(errors.New("client went away")))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
