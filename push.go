package workercache

import (
	"context"
	"encoding/json"
)

// Notification is the single user-visible notification produced by a
// push event.
type Notification struct {
	Title string
	Body  string
}

// Notifier displays notifications. It is an external collaborator; the
// cache subsystem never touches it.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Dismiss(ctx context.Context) error
}

// WindowOpener focuses an existing application window or opens a new
// one.
type WindowOpener interface {
	// Focus brings an open window to the foreground. It returns false
	// when no window is available to focus.
	Focus(ctx context.Context) (bool, error)
	Open(ctx context.Context, url string) error
}

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// HandlePush displays exactly one notification for an inbound push
// payload. The payload is optional JSON; missing or malformed fields
// fall back to the configured defaults.
func (w *Worker) HandlePush(ctx context.Context, payload []byte) error {
	n := Notification{Title: w.c.DefaultTitle, Body: w.c.DefaultBody}

	if len(payload) > 0 {
		var p pushPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			w.logger.DebugContext(ctx, "malformed push payload, using defaults", "error", err)
		} else {
			if p.Title != "" {
				n.Title = p.Title
			}
			if p.Body != "" {
				n.Body = p.Body
			}
		}
	}

	if w.Notifier == nil {
		return nil
	}
	return w.Notifier.Show(ctx, n)
}

// HandleNotificationClick closes the notification and focuses an open
// application window, opening the application root when none exists.
func (w *Worker) HandleNotificationClick(ctx context.Context) error {
	if w.Notifier != nil {
		if err := w.Notifier.Dismiss(ctx); err != nil {
			w.logger.WarnContext(ctx, "error dismissing notification", "error", err)
		}
	}

	if w.Opener == nil {
		return nil
	}

	focused, err := w.Opener.Focus(ctx)
	if err != nil {
		return err
	}
	if focused {
		return nil
	}

	root, err := w.c.resolve(w.c.ShellPath)
	if err != nil {
		return err
	}
	return w.Opener.Open(ctx, root.String())
}
