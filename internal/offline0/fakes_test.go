package offline0

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

var errOffline = errors.New("network unreachable")

// fakeFetcher answers from a route table keyed by request URI. While offline
// every fetch fails.
type fakeFetcher struct {
	mu      sync.Mutex
	offline bool
	routes  map[string]func(*Request) (*Response, error)
	calls   []Request
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{routes: map[string]func(*Request) (*Response, error){}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *r)
	offline := f.offline
	h := f.routes[requestURI(r.URL)]
	f.mu.Unlock()

	if offline {
		return nil, errOffline
	}
	if h == nil {
		return textResponse(http.StatusNotFound, "not found"), nil
	}
	return h(r)
}

func (f *fakeFetcher) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeFetcher) handle(uri string, h func(*Request) (*Response, error)) {
	f.mu.Lock()
	f.routes[uri] = h
	f.mu.Unlock()
}

func (f *fakeFetcher) serve(uri string, status int, body string) {
	f.handle(uri, func(*Request) (*Response, error) { return textResponse(status, body), nil })
}

func (f *fakeFetcher) callCount(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if requestURI(c.URL) == uri {
			n++
		}
	}
	return n
}

func (f *fakeFetcher) requests(uri string) []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Request
	for _, c := range f.calls {
		if requestURI(c.URL) == uri {
			out = append(out, c)
		}
	}
	return out
}

func textResponse(status int, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &Response{Status: status, Header: h, Body: []byte(body)}
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClient struct {
	id, url string

	mu       sync.Mutex
	messages []Message
	focused  int
	focusErr error
}

func (c *fakeClient) ID() string  { return c.id }
func (c *fakeClient) URL() string { return c.url }

func (c *fakeClient) Focus(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.focusErr != nil {
		return c.focusErr
	}
	c.focused++
	return nil
}

func (c *fakeClient) PostMessage(ctx context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := msg.(Message); ok {
		c.messages = append(c.messages, m)
	}
	return nil
}

func (c *fakeClient) received(typ string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.messages {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeClient) focusCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focused
}

type fakeClients struct {
	mu     sync.Mutex
	list   []*fakeClient
	opened []string
}

func (f *fakeClients) add(c *fakeClient) {
	f.mu.Lock()
	f.list = append(f.list, c)
	f.mu.Unlock()
}

func (f *fakeClients) MatchAll(ctx context.Context) ([]Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Client, 0, len(f.list))
	for _, c := range f.list {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeClients) OpenWindow(ctx context.Context, url string) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, url)
	c := &fakeClient{id: "opened", url: url}
	return c, nil
}

func (f *fakeClients) openedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}
