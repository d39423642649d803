package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultNotificationTitle = "Kronos"
	defaultNotificationBody  = "You have a new notification"
	defaultNotificationURL   = "/"
	defaultNotificationTag   = "kronos-notification"
)

const (
	payloadEmpty = "empty"
	payloadJSON  = "json"
	payloadText  = "text"
)

var ErrNotificationNotFound = errors.New("notification not found")

type pushPayload struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	URL     string               `json:"url"`
	Tag     string               `json:"tag"`
	Actions []NotificationAction `json:"actions"`
}

// buildNotification decodes a push payload. Anything that is not a JSON
// object is shown verbatim as the body.
func buildNotification(data []byte) (Notification, string) {
	n := Notification{
		Title: defaultNotificationTitle,
		Body:  defaultNotificationBody,
		URL:   defaultNotificationURL,
		Tag:   defaultNotificationTag,
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return n, payloadEmpty
	}

	var p pushPayload
	if err := json.Unmarshal(data, &p); err != nil || !strings.HasPrefix(raw, "{") {
		n.Body = raw
		return n, payloadText
	}
	if p.Title != "" {
		n.Title = p.Title
	}
	if p.Body != "" {
		n.Body = p.Body
	}
	if p.URL != "" {
		n.URL = p.URL
	}
	if p.Tag != "" {
		n.Tag = p.Tag
	}
	n.Actions = p.Actions
	return n, payloadJSON
}

func (s *Service) onPush(ctx context.Context, ev Event) error {
	n, kind := buildNotification(ev.Data)
	n.ID = uuid.NewString()
	n.Icon = s.cfg.Notifications.Icon
	n.Badge = s.cfg.Notifications.Badge
	n.Vibrate = append([]int(nil), s.cfg.Notifications.Vibrate...)

	s.metrics.RecordPush(kind)
	if err := s.platform.ShowNotification(ctx, n); err != nil {
		return fmt.Errorf("show notification: %w", err)
	}
	s.log.Info("notification shown", zap.String("id", n.ID), zap.String("tag", n.Tag), zap.String("payload", kind))
	return nil
}

// onNotificationClick closes the notification and brings the app to its
// URL: the first window on the app origin is reused, otherwise a new one
// is opened.
func (s *Service) onNotificationClick(ctx context.Context, ev Event) error {
	n, ok := s.platform.Notification(ev.NotificationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, ev.NotificationID)
	}
	if err := s.platform.CloseNotification(ctx, n.ID); err != nil {
		s.log.Warn("close notification failed", zap.String("id", n.ID), zap.Error(err))
	}
	if ev.Action == "dismiss" {
		return nil
	}

	target := n.URL
	if target == "" {
		target = defaultNotificationURL
	}
	origin := s.cfg.appOrigin()
	for _, c := range s.platform.MatchAll() {
		if origin != "" && originOf(c.URL()) != origin {
			continue
		}
		if err := c.Navigate(ctx, target); err != nil {
			return fmt.Errorf("navigate client %s: %w", c.ID(), err)
		}
		return c.Focus(ctx)
	}
	return s.platform.OpenWindow(ctx, target)
}

func (s *Service) onMessage(ctx context.Context, ev Event) error {
	switch ev.Message.Type {
	case MsgSkipWaiting:
		return s.skipWaiting(ctx)
	case MsgSetBadge:
		count := 0
		if ev.Message.Count != nil {
			count = *ev.Message.Count
		}
		s.badge.Set(ctx, count)
	case MsgClearBadge:
		s.badge.Clear(ctx)
	default:
		s.log.Debug("ignoring message", zap.String("type", ev.Message.Type))
	}
	return nil
}
