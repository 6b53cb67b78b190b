package offline0

import (
	"net/http"
	"net/url"
	"strings"
)

// Request is the envelope of an intercepted request. URL is either
// origin-relative ("/path?q=1") or absolute.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a response snapshot. Bodies are fully buffered so a response can
// be returned to the caller and written to the cache independently.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{Status: r.Status, Header: cloneHeader(r.Header), Body: body}
}

func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

func entryFromResponse(resp *Response, storedAt int64) CacheEntry {
	c := resp.Clone()
	return CacheEntry{Status: c.Status, Header: c.Header, Body: c.Body, StoredAt: storedAt}
}

func (e CacheEntry) Response() *Response {
	return (&Response{Status: e.Status, Header: e.Header, Body: e.Body}).Clone()
}

// Source tells where a response came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceOffline Source = "offline"
)

// RequestKey canonicalizes a request identity: upper-cased method, path and
// query kept, scheme/host and fragment dropped.
func RequestKey(method, rawURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + requestURI(rawURL)
}

func requestURI(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if u.RawQuery != "" {
		return path + "?" + u.RawQuery
	}
	return path
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
