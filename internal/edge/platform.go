package edge

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("not supported by platform")

// Platform is what the worker needs from its host: somewhere to show
// notifications and the set of connected window clients. Optional
// capabilities such as Badger are discovered by type assertion.
type Platform interface {
	Notifier
	Clients
}

type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
	CloseNotification(ctx context.Context, id string) error
	// Notification returns a currently shown notification.
	Notification(id string) (Notification, bool)
}

type Clients interface {
	// MatchAll returns connected window clients in connection order.
	MatchAll() []WindowClient
	OpenWindow(ctx context.Context, url string) error
	// Claim makes version the controller of every connected client.
	Claim(version string)
}

type WindowClient interface {
	ID() string
	URL() string
	Navigate(ctx context.Context, url string) error
	Focus(ctx context.Context) error
	PostMessage(msg Message) error
}

// Badger is implemented by platforms that can show a count on the app icon.
type Badger interface {
	SetAppBadge(ctx context.Context, count int) error
	ClearAppBadge(ctx context.Context) error
}

func TrySetBadge(ctx context.Context, p any, count int) error {
	b, ok := p.(Badger)
	if !ok {
		return ErrUnsupported
	}
	if count < 0 {
		count = 0
	}
	return b.SetAppBadge(ctx, count)
}

func TryClearBadge(ctx context.Context, p any) error {
	b, ok := p.(Badger)
	if !ok {
		return ErrUnsupported
	}
	return b.ClearAppBadge(ctx)
}
