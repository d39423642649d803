package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	clientQueueSize = 32
	maxPendingOpens = 16
)

var errClientBusy = errors.New("client message queue full")

// Hub is the default Platform. Pages connect to it over server-sent events
// and receive every message, notification and navigation the worker emits.
// It also keeps the app badge count.
type Hub struct {
	log     *zap.Logger
	metrics *Metrics

	mu            sync.Mutex
	clients       []*hubClient
	notifications map[string]Notification
	pendingOpens  []string
	badge         int
	controller    string
	onIdle        func()

	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ Platform = (*Hub)(nil)
	_ Badger   = (*Hub)(nil)
)

func NewHub(log *zap.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:           log,
		metrics:       metrics,
		notifications: map[string]Notification{},
		done:          make(chan struct{}),
	}
}

// Close ends every open event stream.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// SetOnIdle registers fn to run whenever the last client disconnects.
func (h *Hub) SetOnIdle(fn func()) {
	h.mu.Lock()
	h.onIdle = fn
	h.mu.Unlock()
}

type hubClient struct {
	id   string
	hub  *Hub
	send chan Message
	url  string
}

func (c *hubClient) ID() string { return c.id }

func (c *hubClient) URL() string {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.url
}

func (c *hubClient) Navigate(_ context.Context, url string) error {
	c.hub.mu.Lock()
	c.url = url
	c.hub.mu.Unlock()
	return c.PostMessage(Message{Type: MsgNavigate, URL: url})
}

func (c *hubClient) Focus(context.Context) error {
	return c.PostMessage(Message{Type: MsgFocus})
}

func (c *hubClient) PostMessage(msg Message) error {
	select {
	case c.send <- msg:
		return nil
	default:
		return errClientBusy
	}
}

func (h *Hub) connect(pageURL string) *hubClient {
	c := &hubClient{
		id:   uuid.NewString(),
		hub:  h,
		send: make(chan Message, clientQueueSize),
		url:  pageURL,
	}
	h.mu.Lock()
	h.clients = append(h.clients, c)
	n := len(h.clients)
	var open string
	if len(h.pendingOpens) > 0 {
		open = h.pendingOpens[0]
		h.pendingOpens = h.pendingOpens[1:]
	}
	h.mu.Unlock()

	h.metrics.SetClients(n)
	if open != "" {
		_ = c.Navigate(context.Background(), open)
	}
	return c
}

func (h *Hub) disconnect(c *hubClient) {
	h.mu.Lock()
	for i, cur := range h.clients {
		if cur == c {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			break
		}
	}
	n := len(h.clients)
	onIdle := h.onIdle
	h.mu.Unlock()

	h.metrics.SetClients(n)
	if n == 0 && onIdle != nil {
		onIdle()
	}
}

func (h *Hub) MatchAll() []WindowClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]WindowClient, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// OpenWindow cannot open a browser window from the server side, so the URL is
// handed to the next page that connects.
func (h *Hub) OpenWindow(_ context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pendingOpens) >= maxPendingOpens {
		h.pendingOpens = h.pendingOpens[1:]
	}
	h.pendingOpens = append(h.pendingOpens, url)
	h.log.Debug("window open queued", zap.String("url", url))
	return nil
}

func (h *Hub) Claim(version string) {
	h.mu.Lock()
	h.controller = version
	h.mu.Unlock()
	h.broadcast(Message{Type: MsgControllerChange, Version: version})
}

func (h *Hub) Controller() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controller
}

func (h *Hub) ShowNotification(_ context.Context, n Notification) error {
	h.mu.Lock()
	// A tag identifies a notification slot; a new one replaces the old.
	if n.Tag != "" {
		for id, cur := range h.notifications {
			if cur.Tag == n.Tag {
				delete(h.notifications, id)
			}
		}
	}
	h.notifications[n.ID] = n
	h.mu.Unlock()

	h.broadcast(Message{Type: MsgNotification, Notification: &n})
	return nil
}

func (h *Hub) CloseNotification(_ context.Context, id string) error {
	h.mu.Lock()
	_, ok := h.notifications[id]
	delete(h.notifications, id)
	h.mu.Unlock()
	if ok {
		h.broadcast(Message{Type: MsgNotificationClose, ID: id})
	}
	return nil
}

func (h *Hub) Notification(id string) (Notification, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.notifications[id]
	return n, ok
}

func (h *Hub) SetAppBadge(_ context.Context, count int) error {
	h.mu.Lock()
	h.badge = count
	h.mu.Unlock()
	h.broadcast(Message{Type: MsgBadge, Count: &count})
	return nil
}

func (h *Hub) ClearAppBadge(ctx context.Context) error {
	return h.SetAppBadge(ctx, 0)
}

func (h *Hub) Badge() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.badge
}

func (h *Hub) broadcast(msg Message) {
	for _, c := range h.MatchAll() {
		if err := c.PostMessage(msg); err != nil {
			h.log.Debug("drop message", zap.String("client", c.ID()), zap.String("type", msg.Type), zap.Error(err))
		}
	}
}

// ServeEvents streams messages to one page until it goes away or the hub is
// closed. The page identifies itself with ?url=<location.href>.
func (h *Hub) ServeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = r.Header.Get("Referer")
	}
	if pageURL == "" {
		pageURL = r.Header.Get("Origin")
	}

	c := h.connect(pageURL)
	defer h.disconnect(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: hello\ndata: {\"id\":%q}\n\n", c.id)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case msg := <-c.send:
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
