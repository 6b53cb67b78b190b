package offline0

import (
	"context"

	"go.uber.org/zap"
)

// Client is an open page context.
type Client interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
	PostMessage(ctx context.Context, msg any) error
}

// Clients enumerates page contexts. MatchAll must be called fresh whenever a
// page is to be messaged; its result is never cached.
type Clients interface {
	MatchAll(ctx context.Context) ([]Client, error)
	// OpenWindow returns ErrNoClients when nothing can open the URL.
	OpenWindow(ctx context.Context, url string) (Client, error)
}

// Message is the envelope posted to page contexts.
type Message struct {
	Type    string `json:"type"`
	Tag     string `json:"tag,omitempty"`
	URL     string `json:"url,omitempty"`
	Version string `json:"version,omitempty"`
	// Notification is set for SHOW_NOTIFICATION.
	Notification *Notification `json:"notification,omitempty"`
}

const (
	MsgSyncOfflineData   = "SYNC_OFFLINE_DATA"
	MsgActivated         = "ACTIVATED"
	MsgShowNotification  = "SHOW_NOTIFICATION"
	MsgCloseNotification = "CLOSE_NOTIFICATION"
	MsgFocus             = "FOCUS"
	MsgOpenWindow        = "OPEN_WINDOW"
)

// Broadcast posts msg to every client alive right now and reports how many
// accepted it. Per-client failures are logged only.
func Broadcast(ctx context.Context, clients Clients, log *zap.Logger, msg Message) (int, error) {
	if clients == nil {
		return 0, nil
	}
	list, err := clients.MatchAll(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, c := range list {
		if err := c.PostMessage(ctx, msg); err != nil {
			log.Debug("post message failed", zap.String("client", c.ID()), zap.String("type", msg.Type), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}
