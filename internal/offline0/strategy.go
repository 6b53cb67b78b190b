package offline0

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"offline0/internal/metrics"
)

const cacheWriteTimeout = 30 * time.Second

var offlineBody = []byte("<!doctype html><title>Offline</title><h1>You are offline</h1>")

// strategyExecutor answers classified GET requests from the live cache
// version and the network.
type strategyExecutor struct {
	fetcher     Fetcher
	clock       Clock
	log         *zap.Logger
	writeLog    *rateLimitedLogger
	offlinePage string
}

func (x *strategyExecutor) run(ctx context.Context, class RouteClass, cache Cache, req *Request, task *Task) (*Response, Source) {
	switch class {
	case ClassStatic:
		return x.cacheFirst(ctx, cache, req, task)
	case ClassCriticalPage:
		return x.networkFirst(ctx, cache, req, task)
	default:
		return x.networkOnly(ctx, cache, req)
	}
}

// cacheFirst serves hashed assets from cache without touching the network,
// refilling the cache on a miss.
func (x *strategyExecutor) cacheFirst(ctx context.Context, cache Cache, req *Request, task *Task) (*Response, Source) {
	key := RequestKey(req.Method, req.URL)
	if resp, ok := x.match(ctx, cache, key); ok {
		return resp, SourceCache
	}
	resp, err := x.fetcher.Fetch(ctx, req)
	if err != nil {
		x.log.Debug("static fetch failed", zap.String("url", req.URL), zap.Error(err))
		return x.fallback(ctx, cache, key)
	}
	x.putAsync(task, cache, key, resp)
	return resp, SourceNetwork
}

// networkFirst prefers a fresh answer and writes it through; on network
// failure it serves the last cached copy.
func (x *strategyExecutor) networkFirst(ctx context.Context, cache Cache, req *Request, task *Task) (*Response, Source) {
	key := RequestKey(req.Method, req.URL)
	resp, err := x.fetcher.Fetch(ctx, req)
	if err != nil {
		x.log.Debug("page fetch failed, falling back to cache", zap.String("url", req.URL), zap.Error(err))
		return x.fallback(ctx, cache, key)
	}
	x.putAsync(task, cache, key, resp)
	return resp, SourceNetwork
}

// networkOnly never writes to the cache.
func (x *strategyExecutor) networkOnly(ctx context.Context, cache Cache, req *Request) (*Response, Source) {
	resp, err := x.fetcher.Fetch(ctx, req)
	if err != nil {
		x.log.Debug("fetch failed", zap.String("url", req.URL), zap.Error(err))
		return x.fallback(ctx, cache, RequestKey(req.Method, req.URL))
	}
	return resp, SourceNetwork
}

func (x *strategyExecutor) fallback(ctx context.Context, cache Cache, key string) (*Response, Source) {
	if resp, ok := x.match(ctx, cache, key); ok {
		return resp, SourceCache
	}
	return x.offlineResponse(ctx, cache), SourceOffline
}

func (x *strategyExecutor) offlineResponse(ctx context.Context, cache Cache) *Response {
	if cache != nil && x.offlinePage != "" {
		if resp, ok := x.match(ctx, cache, RequestKey(http.MethodGet, x.offlinePage)); ok {
			return resp
		}
	}
	return unavailableResponse()
}

func unavailableResponse() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	body := make([]byte, len(offlineBody))
	copy(body, offlineBody)
	return &Response{Status: http.StatusServiceUnavailable, Header: h, Body: body}
}

func (x *strategyExecutor) match(ctx context.Context, cache Cache, key string) (*Response, bool) {
	if cache == nil {
		return nil, false
	}
	ent, err := cache.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			x.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return ent.Response(), true
}

// putAsync stores a clone of resp without delaying the caller. Failures are
// logged and swallowed.
func (x *strategyExecutor) putAsync(task *Task, cache Cache, key string, resp *Response) {
	if cache == nil || !cacheable(resp) {
		return
	}
	ent := entryFromResponse(resp, x.clock.Now().Unix())
	task.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		if err := cache.Put(ctx, key, ent); err != nil {
			x.writeFailed(key, err)
		}
		return nil
	})
}

func (x *strategyExecutor) writeFailed(key string, err error) {
	if errors.Is(err, ErrQuotaExceeded) {
		metrics.CacheWriteErrors.WithLabelValues("quota").Inc()
		x.writeLog.Warn("cache quota exceeded, response not cached", zap.String("key", key))
		return
	}
	metrics.CacheWriteErrors.WithLabelValues("storage").Inc()
	x.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
}

// cacheable rejects responses that are per-user: the cache is shared by
// every requester.
func cacheable(resp *Response) bool {
	if resp == nil || !resp.OK() {
		return false
	}
	if len(resp.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	cc := strings.ToLower(strings.Join(resp.Header.Values("Cache-Control"), ","))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "private")
}
