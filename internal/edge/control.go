package edge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	controlPrefix   = "/__edge/"
	maxControlBody  = 64 << 10
	maxPushPayload  = 4 << 10
	dispatchTimeout = 30 * time.Second
)

func (s *Service) registerControl(mux *http.ServeMux) {
	if s.hub != nil {
		mux.HandleFunc("GET "+controlPrefix+"events", s.hub.ServeEvents)
	}
	mux.HandleFunc("POST "+controlPrefix+"message", s.handleMessage)
	mux.HandleFunc("POST "+controlPrefix+"sync", s.handleSync)
	mux.HandleFunc("POST "+controlPrefix+"periodic-sync", s.handlePeriodicSync)
	mux.HandleFunc("DELETE "+controlPrefix+"periodic-sync", s.handleUnregisterPeriodicSync)
	mux.HandleFunc("POST "+controlPrefix+"push", s.handlePush)
	mux.HandleFunc("POST "+controlPrefix+"notificationclick", s.handleNotificationClick)
	mux.HandleFunc("GET "+controlPrefix+"status", s.handleStatus)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if !decodeBody(w, r, &msg) {
		return
	}
	if msg.Type == "" {
		writeError(w, http.StatusBadRequest, "missing type")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), dispatchTimeout)
	defer cancel()
	if err := s.Dispatch(ctx, Event{Kind: EventMessage, Message: msg}); err != nil {
		s.log.Warn("message failed", zap.String("type", msg.Type), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type syncRequest struct {
	Tag         string `json:"tag"`
	MinInterval string `json:"minInterval"`
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Tag == "" {
		writeError(w, http.StatusBadRequest, "missing tag")
		return
	}
	s.RegisterSync(req.Tag)
	writeJSON(w, http.StatusAccepted, map[string]any{"tag": req.Tag, "pending": s.syncs.Pending()})
}

func (s *Service) handlePeriodicSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Tag == "" {
		writeError(w, http.StatusBadRequest, "missing tag")
		return
	}
	var interval time.Duration
	if req.MinInterval != "" {
		d, err := time.ParseDuration(req.MinInterval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "minInterval: "+err.Error())
			return
		}
		interval = d
	}
	if err := s.RegisterPeriodicSync(req.Tag, interval); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			s.log.Info("periodic sync rejected", zap.String("tag", req.Tag), zap.Error(err))
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tags": s.PeriodicSyncTags()})
}

func (s *Service) handleUnregisterPeriodicSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		writeError(w, http.StatusBadRequest, "missing tag")
		return
	}
	if !s.UnregisterPeriodicSync(tag) {
		writeError(w, http.StatusNotFound, "not registered")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	if !s.pushAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushPayload))
	if err != nil {
		status := http.StatusBadRequest
		if errors.As(err, new(*http.MaxBytesError)) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), dispatchTimeout)
	defer cancel()
	if err := s.Dispatch(ctx, Event{Kind: EventPush, Data: data}); err != nil {
		s.log.Warn("push failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Service) pushAuthorized(r *http.Request) bool {
	want := s.cfg.Push.Token
	if want == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

type clickRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), dispatchTimeout)
	defer cancel()
	err := s.Dispatch(ctx, Event{Kind: EventNotificationClick, NotificationID: req.ID, Action: req.Action})
	switch {
	case errors.Is(err, ErrNotificationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.log.Warn("notification click failed", zap.String("id", req.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type BucketStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

type Status struct {
	Version      string         `json:"version,omitempty"`
	Waiting      string         `json:"waiting,omitempty"`
	State        State          `json:"state"`
	Online       bool           `json:"online"`
	Clients      int            `json:"clients"`
	PendingSyncs []string       `json:"pendingSyncs"`
	PeriodicTags []string       `json:"periodicSyncs"`
	Buckets      []BucketStatus `json:"buckets"`
}

func (s *Service) Status() Status {
	st := Status{
		State:        s.State(),
		Online:       s.conn.Online(),
		Clients:      len(s.platform.MatchAll()),
		PendingSyncs: s.syncs.Pending(),
		PeriodicTags: s.PeriodicSyncTags(),
	}
	s.mu.Lock()
	if s.active != nil {
		st.Version = s.active.Name
	}
	if s.waiting != nil {
		st.Waiting = s.waiting.Name
	}
	s.mu.Unlock()

	for _, name := range s.store.Keys() {
		c, err := s.store.Get(name)
		if err != nil {
			continue
		}
		st.Buckets = append(st.Buckets, BucketStatus{Name: name, Entries: c.Len(), Bytes: c.Size()})
	}
	return st
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
