package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline0/internal/metrics"
)

type engineState int

const (
	stateNew engineState = iota
	stateInstalled
	stateActivated
)

type Options struct {
	// Version names the cache generation this engine installs.
	Version     string
	Precache    []string
	Sitemaps    []string
	OfflinePage string
	Classifier  Classifier

	// BypassWhenCookies names request cookies that keep a request away from
	// the cache: it is answered network-only and nothing is written.
	BypassWhenCookies []string

	// QueueTags drain the sync queue of the same tag; ClientTags ask the
	// pages to resynchronize their own stores.
	QueueTags  []string
	ClientTags []string

	Notifications NotificationDefaults
}

type Deps struct {
	Caches  CacheManager
	Fetcher Fetcher
	Clock   Clock
	Queue   *SyncQueue
	Clients Clients
	// Notifier defaults to a registry that mirrors notifications to Clients.
	Notifier Notifier
	Log      *zap.Logger
}

// Engine handles the lifecycle, fetch, sync, push and notification click
// events. Every handler returns a *Task that must be awaited before the
// engine is closed.
type Engine struct {
	opts Options

	caches   CacheManager
	fetcher  Fetcher
	clock    Clock
	queue    *SyncQueue
	clients  Clients
	notifier Notifier
	log      *zap.Logger

	exec  *strategyExecutor
	notes *notificationDispatcher

	// mu is the control lock: fetches hold it shared, activation exclusive.
	mu        sync.RWMutex
	state     engineState
	installed Cache
	live      Cache

	wg sync.WaitGroup
}

func NewEngine(opts Options, deps Deps) (*Engine, error) {
	if opts.Version == "" {
		return nil, fmt.Errorf("engine: empty cache version")
	}
	if deps.Caches == nil || deps.Fetcher == nil {
		return nil, fmt.Errorf("engine: caches and fetcher are required")
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = newRegistryNotifier(deps.Clients, deps.Log)
	}
	opts.Notifications = opts.Notifications.withDefaults()

	e := &Engine{
		opts:     opts,
		caches:   deps.Caches,
		fetcher:  deps.Fetcher,
		clock:    deps.Clock,
		queue:    deps.Queue,
		clients:  deps.Clients,
		notifier: deps.Notifier,
		log:      deps.Log,
	}
	e.exec = &strategyExecutor{
		fetcher:     deps.Fetcher,
		clock:       deps.Clock,
		log:         deps.Log,
		writeLog:    newRateLimitedLogger(deps.Log, time.Minute),
		offlinePage: opts.OfflinePage,
	}
	e.notes = &notificationDispatcher{
		defaults: opts.Notifications,
		notifier: deps.Notifier,
		clients:  deps.Clients,
		fetcher:  deps.Fetcher,
		clock:    deps.Clock,
		log:      deps.Log,
	}
	return e, nil
}

// Close waits for every task started by the engine.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) newTask() *Task { return newTask(&e.wg) }

// Install pre-warms the precache list into the engine's version. If any
// listed asset cannot be fetched the install fails and a version created by
// it is removed again. Pages found in sitemaps are added best-effort.
func (e *Engine) Install(ctx context.Context) *Task {
	t := e.newTask()
	t.Go(func() error { return e.install(ctx) })
	return t
}

func (e *Engine) install(ctx context.Context) error {
	version := e.opts.Version
	existed, err := hasVersion(ctx, e.caches, version)
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	cache, err := e.caches.Open(ctx, version)
	if err != nil {
		return fmt.Errorf("install: open %q: %w", version, err)
	}

	stored, err := e.precache(ctx, cache, dedupe(e.opts.Precache))
	if err != nil {
		if !existed {
			if _, derr := e.caches.DeleteVersion(ctx, version); derr != nil {
				e.log.Warn("failed to drop partial version", zap.String("version", version), zap.Error(derr))
			}
		}
		return fmt.Errorf("install %q: %w", version, err)
	}

	// discovered pages are optional: a dead sitemap link must not block install
	if len(e.opts.Sitemaps) > 0 {
		pages, err := e.discoverPages(ctx)
		if err != nil {
			e.log.Warn("sitemap discovery failed", zap.Error(err))
		}
		stored += e.precacheDiscovered(ctx, cache, pages)
	}
	metrics.PrecacheEntries.Set(float64(stored))

	e.mu.Lock()
	e.installed = cache
	if e.state == stateNew {
		e.state = stateInstalled
	}
	e.mu.Unlock()
	e.log.Info("installed", zap.String("version", version), zap.Int("entries", stored))
	return nil
}

func (e *Engine) precache(ctx context.Context, cache Cache, urls []string) (int, error) {
	for _, u := range urls {
		req := &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
		resp, err := e.fetcher.Fetch(ctx, req)
		if err != nil {
			return 0, fmt.Errorf("fetch %s: %w", u, err)
		}
		if !resp.OK() {
			return 0, fmt.Errorf("fetch %s: status %d", u, resp.Status)
		}
		if err := cache.Put(ctx, RequestKey(req.Method, u), entryFromResponse(resp, e.clock.Now().Unix())); err != nil {
			return 0, fmt.Errorf("store %s: %w", u, err)
		}
	}
	return len(urls), nil
}

// precacheDiscovered stores up to maxDiscoveredPages sitemap pages that are
// not already in the precache list. Failures are logged and skipped.
func (e *Engine) precacheDiscovered(ctx context.Context, cache Cache, pages []string) int {
	skip := make(map[string]struct{}, len(e.opts.Precache))
	for _, u := range e.opts.Precache {
		skip[u] = struct{}{}
	}
	stored, tried := 0, 0
	for _, u := range dedupe(pages) {
		if _, ok := skip[u]; ok {
			continue
		}
		if tried == maxDiscoveredPages {
			e.log.Warn("sitemap page limit reached", zap.Int("limit", maxDiscoveredPages), zap.Int("found", len(pages)))
			break
		}
		if ctx.Err() != nil {
			break
		}
		tried++
		if _, err := e.precache(ctx, cache, []string{u}); err != nil {
			metrics.CacheWriteErrors.WithLabelValues("precache").Inc()
			e.log.Warn("skipping sitemap page", zap.String("url", u), zap.Error(err))
			continue
		}
		stored++
	}
	return stored
}

// Activate deletes every other cache version and takes control of requests.
// Fetches in flight finish first; none start until activation is done.
func (e *Engine) Activate(ctx context.Context) *Task {
	t := e.newTask()
	t.Go(func() error {
		e.mu.Lock()
		if e.installed == nil {
			e.mu.Unlock()
			return ErrNotInstalled
		}
		if err := ActivateOnly(ctx, e.caches, e.opts.Version); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("activate: %w", err)
		}
		e.live = e.installed
		e.state = stateActivated
		e.mu.Unlock()

		n, err := Broadcast(ctx, e.clients, e.log, Message{Type: MsgActivated, Version: e.opts.Version})
		if err != nil {
			e.log.Warn("claim clients failed", zap.Error(err))
		}
		e.log.Info("activated", zap.String("version", e.opts.Version), zap.Int("clients", n))
		return nil
	})
	return t
}

// Active reports whether the engine controls fetches.
func (e *Engine) Active() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == stateActivated
}

func (e *Engine) Versions(ctx context.Context) ([]string, error) {
	return e.caches.Versions(ctx)
}

// Fetch answers an intercepted request. The caller always gets a response;
// the returned task carries background cache writes.
func (e *Engine) Fetch(ctx context.Context, req *Request) (*Response, Source, *Task) {
	t := e.newTask()
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	e.mu.RLock()
	if e.state != stateActivated || !isGet(req.Method) {
		e.mu.RUnlock()
		resp, src := e.passthrough(ctx, req)
		metrics.FetchServed.WithLabelValues("bypass", string(src)).Inc()
		return resp, src, t
	}

	class := e.opts.Classifier.Classify(req.Method, req.URL)
	label := class.String()
	var resp *Response
	var src Source
	if class != ClassDefault && hasAnyCookie(req.Header, e.opts.BypassWhenCookies) {
		label = "cookie"
		resp, src = e.exec.networkOnly(ctx, e.live, req)
	} else {
		resp, src = e.exec.run(ctx, class, e.live, req, t)
	}
	go func() {
		t.wg.Wait()
		e.mu.RUnlock()
	}()

	metrics.FetchServed.WithLabelValues(label, string(src)).Inc()
	return resp, src, t
}

func (e *Engine) passthrough(ctx context.Context, req *Request) (*Response, Source) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		e.log.Debug("network request failed", zap.String("method", req.Method), zap.String("url", req.URL), zap.Error(err))
		return unavailableResponse(), SourceOffline
	}
	return resp, SourceNetwork
}

// SyncReport is filled in by the sync task; read it after Wait.
type SyncReport struct {
	Tag             string      `json:"tag"`
	Drained         bool        `json:"drained"`
	Drain           DrainResult `json:"drain"`
	ClientsNotified int         `json:"clientsNotified"`
}

// Sync handles a connectivity-restored signal.
func (e *Engine) Sync(ctx context.Context, tag string) (*Task, *SyncReport) {
	metrics.SyncSignals.WithLabelValues(tag).Inc()
	rep := &SyncReport{Tag: tag}
	t := e.newTask()
	t.Go(func() error {
		var errs []error
		handled := false
		if containsString(e.opts.QueueTags, tag) && e.queue != nil {
			handled = true
			res, err := e.queue.Drain(ctx, tag)
			rep.Drained = true
			rep.Drain = res
			if err != nil {
				errs = append(errs, err)
			}
			e.log.Info("sync queue drained", zap.String("tag", tag),
				zap.Int("attempted", res.Attempted), zap.Int("synced", res.Synced),
				zap.Int("retried", res.Retried), zap.Int("failed", res.Failed), zap.Int("discarded", res.Discarded))
		}
		if containsString(e.opts.ClientTags, tag) {
			handled = true
			n, err := Broadcast(ctx, e.clients, e.log, Message{Type: MsgSyncOfflineData, Tag: tag})
			rep.ClientsNotified = n
			if err != nil {
				errs = append(errs, fmt.Errorf("notify clients: %w", err))
			}
		}
		if !handled {
			e.log.Warn("unknown sync tag", zap.String("tag", tag))
		}
		return errors.Join(errs...)
	})
	return t, rep
}

// Push displays the notification carried by a push payload.
func (e *Engine) Push(ctx context.Context, payload []byte) *Task {
	t := e.newTask()
	t.Go(func() error {
		_, err := e.notes.push(ctx, payload)
		return err
	})
	return t
}

// NotificationClick closes and routes a click. The analytics beacon runs on
// its own engine task, so awaiting the returned task does not wait for it.
func (e *Engine) NotificationClick(ctx context.Context, click NotificationClick) *Task {
	t := e.newTask()
	beacon := e.newTask()
	t.Go(func() error { return e.notes.click(ctx, click, beacon) })
	return t
}

// Notifications lists displayed notifications when the default notifier is
// in use.
func (e *Engine) Notifications() []Notification {
	if r, ok := e.notifier.(*registryNotifier); ok {
		return r.Displayed()
	}
	return nil
}

func hasAnyCookie(h http.Header, names []string) bool {
	if len(names) == 0 || h.Get("Cookie") == "" {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range (&http.Request{Header: h}).Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

func isGet(method string) bool {
	return method == http.MethodGet
}

func dedupe(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
