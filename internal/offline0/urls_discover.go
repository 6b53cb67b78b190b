package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

const (
	// maxSitemaps bounds how many nested sitemaps one install follows.
	maxSitemaps = 64
	// maxDiscoveredPages bounds how many sitemap pages one install fetches.
	maxDiscoveredPages = 200
)

// discoverPages walks the configured sitemaps (and nested sitemap indexes)
// and returns the paths that classify as critical pages.
func (e *Engine) discoverPages(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenPages := map[string]struct{}{}
	queue := make([]string, 0, len(e.opts.Sitemaps))
	for _, sm := range e.opts.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, sm)
		}
	}

	var pages []string
	for len(queue) > 0 && len(seenSitemaps) < maxSitemaps {
		if err := ctx.Err(); err != nil {
			return pages, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := e.fetchSitemap(ctx, smURL)
		if err != nil {
			return pages, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		queue = append(queue, doc.Sitemaps...)

		fit := 0
		for _, loc := range doc.URLs {
			path := pathFromLoc(loc)
			if path == "" {
				continue
			}
			if e.opts.Classifier.Classify(http.MethodGet, path) != ClassCriticalPage {
				continue
			}
			if _, ok := seenPages[path]; ok {
				continue
			}
			seenPages[path] = struct{}{}
			pages = append(pages, path)
			fit++
		}
		e.log.Debug("sitemap read", zap.String("sitemap", smURL), zap.Int("urls", len(doc.URLs)), zap.Int("critical", fit))
	}
	return pages, nil
}

func (e *Engine) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	resp, err := e.fetcher.Fetch(ctx, &Request{Method: http.MethodGet, URL: sitemapURL, Header: make(http.Header)})
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		snippet := resp.Body
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	body := resp.Body
	// .gz sitemaps may arrive still compressed or already decoded
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	sitemaps := doc.Sitemaps[:0]
	for _, s := range doc.Sitemaps {
		if s = strings.TrimSpace(s); s != "" {
			sitemaps = append(sitemaps, s)
		}
	}
	doc.Sitemaps = sitemaps
	return doc, nil
}

func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		return u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
