package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"offline0/internal/hub"
	"offline0/internal/metrics"
)

const (
	maxRequestBody = 32 << 20
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Service hosts the engine behind HTTP: the intercepted traffic, the control
// routes and the page websocket.
type Service struct {
	cfg Config
	log *zap.Logger

	caches     CacheManager
	closeCache func() error
	store      QueueStore
	queue      *SyncQueue
	hub        *hub.Hub
	engine     *Engine

	stats *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// OpenCaches opens the cache backend named by cfg.
func OpenCaches(cfg Config) (CacheManager, func() error, error) {
	switch cfg.Cache.Backend {
	case "memory":
		return NewMemoryCache(cfg.Cache.maxBytes), func() error { return nil }, nil
	default:
		m, err := OpenLevelCache(cfg.Cache.Dir, cfg.Cache.maxBytes)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	}
}

// OpenQueueStore opens the sync queue backend named by cfg.
func OpenQueueStore(ctx context.Context, cfg Config) (QueueStore, error) {
	if cfg.Queue.Backend == "redis" {
		rq, err := NewRedisQueue(RedisQueueOptions{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Prefix:   cfg.Queue.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		if err := rq.Ping(ctx); err != nil {
			_ = rq.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return rq, nil
	}
	return OpenBoltQueue(cfg.Queue.Path)
}

func NewService(ctx context.Context, cfg Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	caches, closeCache, err := OpenCaches(cfg)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	store, err := OpenQueueStore(ctx, cfg)
	if err != nil {
		_ = closeCache()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	fetcher := NewOriginFetcher(cfg.Server.Origin, cfg.Server.fetchTimeoutDur)
	h := hub.New()
	clients := hubClients{hub: h}
	queue := NewSyncQueue(store, fetcher, systemClock{}, log.Named("queue"), SyncQueueOptions{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		DiscardFailed: cfg.Queue.DiscardFailed,
	})

	engine, err := NewEngine(Options{
		Version:           cfg.Cache.Version,
		Precache:          cfg.Install.Precache,
		Sitemaps:          cfg.Install.Sitemaps,
		OfflinePage:       cfg.Install.OfflinePage,
		Classifier:        cfg.Classifier(),
		BypassWhenCookies: cfg.Routes.BypassWhenCookies,
		QueueTags:         cfg.Sync.QueueTags,
		ClientTags:        cfg.Sync.ClientTags,
		Notifications:     cfg.Notifications,
	}, Deps{
		Caches:  caches,
		Fetcher: fetcher,
		Queue:   queue,
		Clients: clients,
		Log:     log.Named("engine"),
	})
	if err != nil {
		_ = store.Close()
		_ = closeCache()
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		log:        log,
		caches:     caches,
		closeCache: closeCache,
		store:      store,
		queue:      queue,
		hub:        h,
		engine:     engine,
		stopCh:     make(chan struct{}),
	}

	if cfg.Logging.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}
	return s, nil
}

func (s *Service) Engine() *Engine { return s.engine }

// Start installs and activates the configured version. An install failure
// is logged and leaves the engine passing requests through to the origin.
func (s *Service) Start(ctx context.Context) error {
	if err := s.engine.Install(ctx).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Error("install failed, serving uncontrolled", zap.String("version", s.cfg.Cache.Version), zap.Error(err))
		return nil
	}
	if err := s.engine.Activate(ctx).Wait(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	return nil
}

// Close waits for outstanding engine work and closes storage.
func (s *Service) Close(ctx context.Context) error {
	close(s.stopCh)
	s.wg.Wait()

	var errs []error
	if err := s.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	s.hub.CloseAll()
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	if err := s.closeCache(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /_offline0/sync", s.handleSync)
	mux.HandleFunc("POST /_offline0/push", s.handlePush)
	mux.HandleFunc("POST /_offline0/notificationclick", s.handleNotificationClick)
	mux.HandleFunc("GET /_offline0/notifications", s.handleNotifications)
	mux.HandleFunc("POST /_offline0/queue/{tag}", s.handleEnqueue)
	mux.HandleFunc("GET /_offline0/queue/{tag}", s.handleQueueList)
	mux.HandleFunc("GET /_offline0/versions", s.handleVersions)
	mux.HandleFunc("GET /_offline0/clients", s.handleClients)
	mux.HandleFunc("/_offline0/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/", s.handleFetch)
	return mux
}

func (s *Service) handleFetch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req := &Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: cloneHeader(r.Header),
		Body:   body,
	}
	// cache writes continue after the response on the engine's task group
	resp, src, _ := s.engine.Fetch(r.Context(), req)
	s.writeResponse(w, resp, src)
}

func (s *Service) writeResponse(w http.ResponseWriter, resp *Response, src Source) {
	h := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("X-Offline0", string(src))
	ensureExposedHeader(h, "X-Offline0")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)

	if s.stats != nil {
		s.stats.Observe(src, len(resp.Body))
	}
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := strings.TrimSpace(r.URL.Query().Get("tag"))
	if tag == "" {
		http.Error(w, "missing tag", http.StatusBadRequest)
		return
	}
	t, rep := s.engine.Sync(r.Context(), tag)
	if err := t.Wait(r.Context()); err != nil {
		s.log.Warn("sync failed", zap.String("tag", tag), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"report": rep, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.engine.Push(r.Context(), payload).Wait(r.Context()); err != nil {
		s.log.Warn("push failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type clickRequest struct {
	Tag    string `json:"tag"`
	Action string `json:"action"`
	URL    string `json:"url"`
}

func (c clickRequest) click() NotificationClick {
	return NotificationClick{Tag: c.Tag, Action: c.Action, Data: NotificationData{URL: c.URL, Tag: c.Tag}}
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var q clickRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.NotificationClick(r.Context(), q.click()).Wait(r.Context()); err != nil {
		if errors.Is(err, ErrNoClients) {
			http.Error(w, "no clients", http.StatusNotFound)
			return
		}
		s.log.Warn("notification click failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Notifications())
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	var it QueueItem
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&it); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(it.URL) == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}
	stored, err := s.queue.Enqueue(r.Context(), tag, it)
	if err != nil {
		s.log.Warn("enqueue failed", zap.String("tag", tag), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Service) handleQueueList(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.List(r.Context(), r.PathValue("tag"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Service) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.engine.Versions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current":  s.cfg.Cache.Version,
		"active":   s.engine.Active(),
		"versions": versions,
	})
}

// handleClients attaches a page context. The page passes its location as
// ?url= and is sent the notifications currently displayed.
func (s *Service) handleClients(w http.ResponseWriter, r *http.Request) {
	pageURL := r.URL.Query().Get("url")
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := hub.NewConn(ws, pageURL, 256)
	s.hub.Set(c)
	metrics.Clients.Set(float64(s.hub.Len()))
	s.log.Debug("client attached", zap.String("client", c.ID), zap.String("url", pageURL))

	go hub.WriteLoop(c, wsWriteTimeout, func() {
		s.hub.Del(c.ID)
		metrics.Clients.Set(float64(s.hub.Len()))
		s.log.Debug("client detached", zap.String("client", c.ID))
	})

	for _, n := range s.engine.Notifications() {
		nn := n
		_ = c.SendJSON(Message{Type: MsgShowNotification, Tag: n.Tag, Notification: &nn})
	}

	go hub.ReadLoop(c, wsReadLimit, s.onClientMessage)
}

func (s *Service) onClientMessage(c *hub.Conn, in hub.Inbound) {
	if in.Type != hub.InNotificationClick {
		return
	}
	click := clickRequest{Tag: in.Tag, Action: in.Action, URL: in.URL}.click()
	t := s.engine.NotificationClick(context.Background(), click)
	go func() {
		if err := t.Wait(context.Background()); err != nil {
			s.log.Debug("notification click from page failed", zap.String("client", c.ID), zap.Error(err))
		}
	}()
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			var used uint64
			if sz, ok := s.caches.(interface{ TotalSize() int64 }); ok {
				used = uint64(sz.TotalSize())
			}
			s.log.Info("stats",
				zap.Uint64("cache", ss.Cache),
				zap.Uint64("network", ss.Network),
				zap.Uint64("offline", ss.Offline),
				zap.String("cacheUsage", formatBytes(used)),
				zap.Int("clients", s.hub.Len()),
				zap.String("respMin", formatBytes(ss.MinRespBytes)),
				zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
				zap.String("respMax", formatBytes(ss.MaxRespBytes)),
			)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
