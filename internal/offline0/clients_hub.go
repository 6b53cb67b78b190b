package offline0

import (
	"context"

	"offline0/internal/hub"
)

// hubClients exposes the pages attached to a websocket hub as Clients.
type hubClients struct {
	hub *hub.Hub
}

func (h hubClients) MatchAll(ctx context.Context) ([]Client, error) {
	conns := h.hub.Snapshot()
	out := make([]Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, hubClient{c: c})
	}
	return out, nil
}

// OpenWindow asks the most recently attached page to open url.
func (h hubClients) OpenWindow(ctx context.Context, url string) (Client, error) {
	conns := h.hub.Snapshot()
	for i := len(conns) - 1; i >= 0; i-- {
		c := conns[i]
		if err := c.SendJSON(Message{Type: MsgOpenWindow, URL: url}); err != nil {
			continue
		}
		return hubClient{c: c}, nil
	}
	return nil, ErrNoClients
}

type hubClient struct {
	c *hub.Conn
}

func (h hubClient) ID() string  { return h.c.ID }
func (h hubClient) URL() string { return h.c.URL() }

func (h hubClient) Focus(ctx context.Context) error {
	return h.c.SendJSON(Message{Type: MsgFocus})
}

func (h hubClient) PostMessage(ctx context.Context, msg any) error {
	return h.c.SendJSON(msg)
}
