package offline0

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// registryNotifier tracks displayed notifications by tag and mirrors them to
// attached pages, which render them.
type registryNotifier struct {
	clients Clients
	log     *zap.Logger

	mu    sync.Mutex
	shown map[string]Notification
}

func newRegistryNotifier(clients Clients, log *zap.Logger) *registryNotifier {
	return &registryNotifier{clients: clients, log: log, shown: map[string]Notification{}}
}

func (r *registryNotifier) Show(ctx context.Context, n Notification) error {
	r.mu.Lock()
	r.shown[n.Tag] = n
	r.mu.Unlock()

	nn := n
	sent, err := Broadcast(ctx, r.clients, r.log, Message{Type: MsgShowNotification, Tag: n.Tag, Notification: &nn})
	if err != nil {
		return err
	}
	if sent == 0 {
		r.log.Debug("notification kept for later, no page attached", zap.String("tag", n.Tag))
	}
	return nil
}

func (r *registryNotifier) Close(ctx context.Context, tag string) error {
	r.mu.Lock()
	_, ok := r.shown[tag]
	delete(r.shown, tag)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := Broadcast(ctx, r.clients, r.log, Message{Type: MsgCloseNotification, Tag: tag})
	return err
}

// Displayed lists the notifications currently shown, oldest first.
func (r *registryNotifier) Displayed() []Notification {
	r.mu.Lock()
	out := make([]Notification, 0, len(r.shown))
	for _, n := range r.shown {
		out = append(out, n)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ShownAt.Before(out[j].ShownAt) })
	return out
}
