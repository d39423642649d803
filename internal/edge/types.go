package edge

import (
	"hash/crc32"
	"net/http"
	"time"
)

type CacheEntry struct {
	// URL is the request URI (path and query) the entry was stored under.
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

func newEntry(uri string, status int, h http.Header, body []byte) CacheEntry {
	ent := CacheEntry{
		URL:      uri,
		Status:   status,
		Header:   cloneHeader(h),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent
}

func (e CacheEntry) ok() bool { return e.Status >= 200 && e.Status < 300 }

// cacheable reports whether ent may be stored under its full URL. A partial
// body never stands in for the whole resource.
func (e CacheEntry) cacheable() bool { return e.ok() && e.Status != http.StatusPartialContent }

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is what gets shown to the user for one push event.
type Notification struct {
	ID      string               `json:"id"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Tag     string               `json:"tag,omitempty"`
	URL     string               `json:"url"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

// Message types exchanged between the worker and client pages.
const (
	MsgSkipWaiting       = "SKIP_WAITING"
	MsgSetBadge          = "SET_BADGE"
	MsgClearBadge        = "CLEAR_BADGE"
	MsgSyncComplete      = "SYNC_COMPLETE"
	MsgControllerChange  = "CONTROLLER_CHANGE"
	MsgNotification      = "NOTIFICATION"
	MsgNotificationClose = "NOTIFICATION_CLOSE"
	MsgNavigate          = "NAVIGATE"
	MsgFocus             = "FOCUS"
	MsgBadge             = "BADGE"
)

type Message struct {
	Type         string        `json:"type"`
	Count        *int          `json:"count,omitempty"`
	URL          string        `json:"url,omitempty"`
	Version      string        `json:"version,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	ID           string        `json:"id,omitempty"`
}

type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventSync              EventKind = "sync"
	EventPeriodicSync      EventKind = "periodicsync"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
	EventMessage           EventKind = "message"
)

// Event is the input to Service.Dispatch. Only the fields relevant to Kind
// are read.
type Event struct {
	Kind EventKind

	Tag            string // sync, periodicsync
	Data           []byte // push
	NotificationID string // notificationclick
	Action         string // notificationclick
	Message        Message
	Version        Version // install, activate
}
