package offline0

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testOrigin struct {
	*httptest.Server

	mu    sync.Mutex
	forms []string
}

func newTestOrigin(t *testing.T) *testOrigin {
	o := &testOrigin{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "home")
	})
	mux.HandleFunc("/offline.html", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "offline page")
	})
	mux.HandleFunc("/static/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = io.WriteString(w, "console.log('app')")
	})
	mux.HandleFunc("POST /api/forms", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.forms = append(o.forms, string(b))
		o.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /api/analytics/notification", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) received() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.forms...)
}

func newTestService(t *testing.T, origin string) (*Service, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
server:
  origin: %s
cache:
  version: v1
  backend: memory
install:
  precache: [/]
routes:
  static: [PathPrefix(/static/)]
  critical: [Exact(/)]
queue:
  path: %s
`, origin, filepath.Join(dir, "queue.db"))))
	require.NoError(t, err)

	ctx := context.Background()
	svc, err := NewService(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Close(closeCtx))
	})
	require.NoError(t, svc.Start(ctx))

	front := httptest.NewServer(svc.Handler())
	t.Cleanup(front.Close)
	return svc, front
}

func TestServiceServesFromCache(t *testing.T) {
	origin := newTestOrigin(t)
	_, front := newTestService(t, origin.URL)

	get := func() (*http.Response, string) {
		resp, err := http.Get(front.URL + "/static/app.js")
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(b)
	}

	resp, body := get()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log('app')", body)
	assert.Equal(t, "network", resp.Header.Get("X-Offline0"))
	assert.Equal(t, "X-Offline0", resp.Header.Get("Access-Control-Expose-Headers"))

	require.Eventually(t, func() bool {
		resp, _ := get()
		return resp.Header.Get("X-Offline0") == "cache"
	}, 2*time.Second, 10*time.Millisecond)

	// the cached copy outlives the origin
	origin.Close()
	resp, body = get()
	assert.Equal(t, "cache", resp.Header.Get("X-Offline0"))
	assert.Equal(t, "console.log('app')", body)

	resp, _ = get()
	assert.Equal(t, "application/javascript", resp.Header.Get("Content-Type"))
}

func TestServiceOfflinePage(t *testing.T) {
	origin := newTestOrigin(t)
	_, front := newTestService(t, origin.URL)
	origin.Close()

	resp, err := http.Get(front.URL + "/api/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "offline", resp.Header.Get("X-Offline0"))
	assert.Equal(t, "offline page", string(b))
}

func TestServiceQueueAndSync(t *testing.T) {
	origin := newTestOrigin(t)
	_, front := newTestService(t, origin.URL)

	resp, err := http.Post(front.URL+"/_offline0/queue/background-sync", "application/json",
		strings.NewReader(`{"url":"/api/forms","headers":{"Content-Type":["application/json"]},"body":"{\"name\":\"rv\"}"}`))
	require.NoError(t, err)
	var stored QueueItem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, http.MethodPost, stored.Method)

	resp, err = http.Get(front.URL + "/_offline0/queue/background-sync")
	require.NoError(t, err)
	var listed []QueueItem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	require.Len(t, listed, 1)
	assert.Equal(t, stored.ID, listed[0].ID)

	resp, err = http.Post(front.URL+"/_offline0/sync?tag=background-sync", "", nil)
	require.NoError(t, err)
	var rep SyncReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, rep.Drained)
	assert.Equal(t, 1, rep.Drain.Synced)
	assert.Equal(t, []string{`{"name":"rv"}`}, origin.received())

	resp, err = http.Post(front.URL+"/_offline0/sync", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(front.URL+"/_offline0/queue/background-sync", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServiceVersionsAndUnknownRoutes(t *testing.T) {
	origin := newTestOrigin(t)
	_, front := newTestService(t, origin.URL)

	resp, err := http.Get(front.URL + "/_offline0/versions")
	require.NoError(t, err)
	var out struct {
		Current  string   `json:"current"`
		Active   bool     `json:"active"`
		Versions []string `json:"versions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, "v1", out.Current)
	assert.True(t, out.Active)
	assert.Equal(t, []string{"v1"}, out.Versions)

	resp, err = http.Get(front.URL + "/_offline0/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServiceNotificationsOverWebsocket(t *testing.T) {
	origin := newTestOrigin(t)
	svc, front := newTestService(t, origin.URL)

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/_offline0/clients?url=/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return svc.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	read := func() Message {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var m Message
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	resp, err := http.Post(front.URL+"/_offline0/push", "application/json",
		strings.NewReader(`{"title":"Deal","body":"50% off","url":"/deals"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	m := read()
	assert.Equal(t, MsgShowNotification, m.Type)
	require.NotNil(t, m.Notification)
	assert.Equal(t, "Deal", m.Notification.Title)
	assert.Equal(t, "/deals", m.Notification.Data.URL)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "NAVIGATED", "url": "/deals"}))
	require.Eventually(t, func() bool {
		conns := svc.hub.Snapshot()
		return len(conns) == 1 && conns[0].URL() == "/deals"
	}, 2*time.Second, 10*time.Millisecond)

	resp, err = http.Post(front.URL+"/_offline0/notificationclick", "application/json",
		strings.NewReader(`{"tag":"general","url":"/deals"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, MsgCloseNotification, read().Type)
	assert.Equal(t, MsgFocus, read().Type)
}

func TestServiceClickWithoutPages(t *testing.T) {
	origin := newTestOrigin(t)
	_, front := newTestService(t, origin.URL)

	resp, err := http.Post(front.URL+"/_offline0/notificationclick", "application/json",
		strings.NewReader(`{"url":"/deals"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, "X-Offline0")
	assert.Equal(t, "X-Offline0", h.Get("Access-Control-Expose-Headers"))

	h = http.Header{}
	h.Add("Access-Control-Expose-Headers", "ETag")
	h.Add("Access-Control-Expose-Headers", "x-offline0")
	ensureExposedHeader(h, "X-Offline0")
	assert.Equal(t, []string{"ETag", "x-offline0"}, h.Values("Access-Control-Expose-Headers"))

	h = http.Header{}
	h.Set("Access-Control-Expose-Headers", "ETag")
	ensureExposedHeader(h, "X-Offline0")
	assert.Equal(t, "ETag, X-Offline0", h.Get("Access-Control-Expose-Headers"))
}
