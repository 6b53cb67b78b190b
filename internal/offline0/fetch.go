package offline0

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher performs network requests. An error means the network failed; any
// response the server returned, whatever its status, is not an error.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// OriginFetcher resolves relative URLs against the origin and issues the
// request with an http.Client.
type OriginFetcher struct {
	Origin string
	Client *http.Client
}

func NewOriginFetcher(origin string, timeout time.Duration) *OriginFetcher {
	return &OriginFetcher{
		Origin: strings.TrimRight(origin, "/"),
		Client: &http.Client{Timeout: timeout},
	}
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, f.resolve(r.URL), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &Response{Status: resp.StatusCode, Header: cloneHeader(resp.Header), Body: b}
	out.Header.Del("Content-Length")
	return out, nil
}

func (f *OriginFetcher) resolve(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return f.Origin + u
}

// hop-by-hop and proxy-owned headers are not forwarded
var skipForwardHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Upgrade":           true,
	"Transfer-Encoding": true,
	"Te":                true,
	"Trailer":           true,
	"Proxy-Connection":  true,
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if skipForwardHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
