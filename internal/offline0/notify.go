package offline0

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"offline0/internal/metrics"
)

// NotificationPayload is the JSON shape of a push message. Every field is
// optional.
type NotificationPayload struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	URL     string               `json:"url"`
	Tag     string               `json:"tag"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Actions []NotificationAction `json:"actions"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type NotificationData struct {
	URL string `json:"url"`
	Tag string `json:"tag"`
}

// Notification is what gets displayed. A second notification with the same
// Tag replaces the first.
type Notification struct {
	Title    string               `json:"title"`
	Body     string               `json:"body"`
	Icon     string               `json:"icon,omitempty"`
	Badge    string               `json:"badge,omitempty"`
	Vibrate  []int                `json:"vibrate,omitempty"`
	Tag      string               `json:"tag"`
	Renotify bool                 `json:"renotify"`
	Actions  []NotificationAction `json:"actions,omitempty"`
	Data     NotificationData     `json:"data"`
	ShownAt  time.Time            `json:"shownAt"`
}

// Notifier displays and closes notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// NotificationClick is a user's click on a displayed notification. Action is
// empty for a click on the body.
type NotificationClick struct {
	Tag    string           `json:"tag"`
	Action string           `json:"action"`
	Data   NotificationData `json:"data"`
}

const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

var defaultActions = []NotificationAction{
	{Action: ActionView, Title: "View"},
	{Action: ActionDismiss, Title: "Dismiss"},
}

type analyticsEvent struct {
	Action    string `json:"action"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type notificationDispatcher struct {
	defaults NotificationDefaults
	notifier Notifier
	clients  Clients
	fetcher  Fetcher
	clock    Clock
	log      *zap.Logger
}

// build turns a raw push payload into a notification. A payload that is
// not a JSON object becomes the body text.
func (d *notificationDispatcher) build(raw []byte) Notification {
	var p NotificationPayload
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &p); err != nil {
			d.log.Debug("push payload is not JSON, using it as text", zap.Error(err))
			p = NotificationPayload{Body: string(trimmed)}
		}
	}

	def := d.defaults
	n := Notification{
		Title:    firstNonEmpty(p.Title, def.DefaultTitle),
		Body:     p.Body,
		Icon:     firstNonEmpty(p.Icon, def.Icon),
		Badge:    firstNonEmpty(p.Badge, def.Badge),
		Vibrate:  append([]int(nil), def.Vibrate...),
		Tag:      firstNonEmpty(p.Tag, def.DefaultTag),
		Renotify: true,
		Actions:  p.Actions,
		ShownAt:  d.clock.Now().UTC(),
	}
	if len(n.Actions) == 0 {
		n.Actions = append([]NotificationAction(nil), defaultActions...)
	}
	n.Data = NotificationData{URL: firstNonEmpty(p.URL, def.DefaultURL), Tag: n.Tag}
	return n
}

func (d *notificationDispatcher) push(ctx context.Context, raw []byte) (Notification, error) {
	n := d.build(raw)
	if err := d.notifier.Show(ctx, n); err != nil {
		return n, err
	}
	metrics.Notifications.WithLabelValues("shown").Inc()
	d.log.Info("notification shown", zap.String("tag", n.Tag), zap.String("url", n.Data.URL))
	return n, nil
}

// click closes the notification, focuses or opens the target page and sends
// the analytics beacon on bg. Beacon failures never surface.
func (d *notificationDispatcher) click(ctx context.Context, c NotificationClick, bg *Task) error {
	metrics.Notifications.WithLabelValues("click").Inc()
	tag := firstNonEmpty(c.Tag, c.Data.Tag, d.defaults.DefaultTag)
	if err := d.notifier.Close(ctx, tag); err != nil {
		d.log.Debug("close notification failed", zap.String("tag", tag), zap.Error(err))
	}

	action := c.Action
	if action == "" {
		action = "click"
	}
	bg.Go(func() error {
		d.beacon(action, tag)
		return nil
	})

	if c.Action == ActionDismiss {
		metrics.Notifications.WithLabelValues("dismiss").Inc()
		return nil
	}

	target := firstNonEmpty(c.Data.URL, d.defaults.DefaultURL)
	return d.navigate(ctx, target)
}

func (d *notificationDispatcher) navigate(ctx context.Context, target string) error {
	if d.clients == nil {
		return ErrNoClients
	}
	list, err := d.clients.MatchAll(ctx)
	if err != nil {
		return err
	}
	want := requestURI(target)
	for _, c := range list {
		if requestURI(c.URL()) != want {
			continue
		}
		if err := c.Focus(ctx); err != nil {
			d.log.Debug("focus failed, opening a new window", zap.String("client", c.ID()), zap.Error(err))
			break
		}
		metrics.Notifications.WithLabelValues("focus").Inc()
		return nil
	}
	if _, err := d.clients.OpenWindow(ctx, target); err != nil {
		return err
	}
	metrics.Notifications.WithLabelValues("open").Inc()
	return nil
}

func (d *notificationDispatcher) beacon(action, tag string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, err := json.Marshal(analyticsEvent{Action: action, Type: tag, Timestamp: d.clock.Now().UnixMilli()})
	if err != nil {
		return
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	resp, err := d.fetcher.Fetch(ctx, &Request{Method: http.MethodPost, URL: d.defaults.AnalyticsURL, Header: h, Body: body})
	if err != nil || !resp.OK() {
		metrics.Notifications.WithLabelValues("beacon_error").Inc()
		d.log.Debug("analytics beacon dropped", zap.String("action", action), zap.Error(err))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
