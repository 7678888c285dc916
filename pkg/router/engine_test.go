package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/offline-agent/internal/testutil"
	"github.com/Sternrassler/offline-agent/pkg/cache"
	"github.com/Sternrassler/offline-agent/pkg/eviction"
	"github.com/Sternrassler/offline-agent/pkg/fetch"
)

type harness struct {
	origin *testutil.MockOrigin
	store  cache.Store
	evict  *eviction.Manager
	engine *Engine
}

func newHarness(t *testing.T, maxItems int) *harness {
	t.Helper()

	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)

	store, err := cache.NewBadgerStore(cache.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fetcher := fetch.New(fetch.Config{
		Timeout:    500 * time.Millisecond,
		MaxRetries: 1,
		RetryDelay: 10 * time.Millisecond,
	}, origin.Client(), zerolog.Nop())

	evict := eviction.NewManager(store, eviction.Config{
		MaxItems:        maxItems,
		MaxAge:          time.Hour,
		TimestampHeader: "Date",
	}, zerolog.Nop())
	t.Cleanup(evict.Wait)

	engine := NewEngine(Options{
		Version: "v1",
		Store:   store,
		Fetcher: fetcher,
		Trimmer: evict,
		Rules:   DefaultRules(),
		Logger:  zerolog.Nop(),
	})

	return &harness{origin: origin, store: store, evict: evict, engine: engine}
}

func (h *harness) get(t *testing.T, path, dest string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.origin.URL()+path, nil)
	require.NoError(t, err)
	if dest != "" {
		req.Header.Set("Sec-Fetch-Dest", dest)
	}
	resp, handled := h.engine.Handle(req)
	require.True(t, handled, "request should be handled")
	require.NotNil(t, resp)
	return resp
}

func (h *harness) precacheOfflinePage(t *testing.T, body string) {
	t.Helper()
	entry := &cache.Entry{
		Method:     http.MethodGet,
		URL:        h.origin.URL() + "/offline.html",
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
		StoredAt:   time.Now(),
	}
	require.NoError(t, h.store.Put(context.Background(), cache.StaticNamespace("v1"), entry))
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestEngine_BypassesNonGET(t *testing.T) {
	h := newHarness(t, 50)

	req, _ := http.NewRequest(http.MethodPost, h.origin.URL()+"/api/quotes", nil)
	resp, handled := h.engine.Handle(req)

	assert.False(t, handled)
	assert.Nil(t, resp)
	assert.Zero(t, h.origin.RequestCount())
}

func TestEngine_CacheFirst_ServesCachedCopyWithoutNetwork(t *testing.T) {
	h := newHarness(t, 50)
	h.origin.SetResponse("/css/app.css", testutil.NewOKResponse("body{}", "text/css"))

	first := h.get(t, "/css/app.css", "style")
	assert.Equal(t, SourceNetwork, first.Header.Get(HeaderSource))
	assert.Equal(t, "body{}", readBody(t, first))

	second := h.get(t, "/css/app.css", "style")
	assert.Equal(t, SourceCache, second.Header.Get(HeaderSource))
	assert.Equal(t, "body{}", readBody(t, second))

	assert.Equal(t, 1, h.origin.PathCount("/css/app.css"))

	keys, err := h.store.Keys(context.Background(), cache.StaticNamespace("v1"))
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestEngine_CacheFirst_OfflineImageGetsPlaceholder(t *testing.T) {
	h := newHarness(t, 50)
	h.origin.SetOffline(true)

	resp := h.get(t, "/img/avatar.png", "image")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, SourcePlaceholder, resp.Header.Get(HeaderSource))
	assert.Contains(t, readBody(t, resp), "Offline")
}

func TestEngine_CacheFirst_OfflineStaticAssetIsEmpty404(t *testing.T) {
	h := newHarness(t, 50)
	h.origin.SetOffline(true)

	resp := h.get(t, "/js/never-seen.js", "script")

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))
}

func TestEngine_NetworkFirst_OfflineNavigationServesOfflinePage(t *testing.T) {
	h := newHarness(t, 50)
	h.precacheOfflinePage(t, "<h1>offline</h1>")
	h.origin.SetOffline(true)

	resp := h.get(t, "/never-visited", "document")

	assert.Equal(t, "<h1>offline</h1>", readBody(t, resp))
	assert.Equal(t, SourceOffline, resp.Header.Get(HeaderSource))
	assert.Equal(t, "true", resp.Header.Get(HeaderOffline))
}

func TestEngine_NetworkFirst_OfflineNavigationWithoutOfflinePage(t *testing.T) {
	h := newHarness(t, 50)
	h.origin.SetOffline(true)

	resp := h.get(t, "/never-visited", "document")

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, readBody(t, resp), "offline")
}

func TestEngine_NetworkFirst_FallsBackToCachedCopy(t *testing.T) {
	h := newHarness(t, 50)
	h.origin.SetResponse("/about", testutil.NewHTMLResponse("<p>about us</p>"))

	online := h.get(t, "/about", "document")
	assert.Equal(t, SourceNetwork, online.Header.Get(HeaderSource))
	assert.Equal(t, "<p>about us</p>", readBody(t, online))

	h.origin.SetOffline(true)

	// Offline reads are repeatable and do not disturb the stored copy
	for i := 0; i < 2; i++ {
		resp := h.get(t, "/about", "document")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, SourceCache, resp.Header.Get(HeaderSource))
		assert.Equal(t, "<p>about us</p>", readBody(t, resp))
	}
}

func TestEngine_NetworkFirst_OfflineAPIReturnsJSON503(t *testing.T) {
	h := newHarness(t, 50)
	h.engine.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	h.origin.SetOffline(true)

	resp := h.get(t, "/api/quotes/7", "empty")

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var payload OfflinePayload
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &payload))
	assert.Equal(t, "Service unavailable: offline", payload.Error)
	assert.True(t, payload.Offline)
	assert.Equal(t, "2026-03-01T12:00:00Z", payload.Timestamp)
	assert.Equal(t, http.MethodGet, payload.Method)
	assert.Equal(t, h.origin.URL()+"/api/quotes/7", payload.URL)
}

func TestEngine_NetworkFirst_OfflineOtherOmitsRequest(t *testing.T) {
	h := newHarness(t, 50)
	h.origin.SetOffline(true)

	resp := h.get(t, "/manifest.json", "")

	var payload OfflinePayload
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &payload))
	assert.True(t, payload.Offline)
	assert.Empty(t, payload.Method)
	assert.Empty(t, payload.URL)
}

func TestEngine_NetworkFirst_ErrorStatusIsNotCached(t *testing.T) {
	h := newHarness(t, 50)
	h.origin.SetResponse("/api/broken", testutil.NewServerErrorResponse())

	resp := h.get(t, "/api/broken", "empty")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, SourceNetwork, resp.Header.Get(HeaderSource))
	resp.Body.Close()

	keys, err := h.store.Keys(context.Background(), cache.DynamicNamespace("v1"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEngine_CriticalPathIsNeverCached(t *testing.T) {
	h := newHarness(t, 50)
	h.precacheOfflinePage(t, "<h1>offline</h1>")
	h.origin.SetResponse("/payments/checkout", testutil.NewHTMLResponse("<form>pay</form>"))

	online := h.get(t, "/payments/checkout", "document")
	assert.Equal(t, "<form>pay</form>", readBody(t, online))

	keys, err := h.store.Keys(context.Background(), cache.DynamicNamespace("v1"))
	require.NoError(t, err)
	assert.Empty(t, keys, "critical responses must not be stored")

	h.origin.SetOffline(true)
	offline := h.get(t, "/payments/checkout", "document")
	assert.Equal(t, "<h1>offline</h1>", readBody(t, offline))
	assert.Equal(t, SourceOffline, offline.Header.Get(HeaderSource))
}

func TestEngine_CriticalSubresourceOfflineReturnsJSON(t *testing.T) {
	h := newHarness(t, 50)
	h.origin.SetOffline(true)

	resp := h.get(t, "/dashboard/widgets.json", "empty")

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	resp.Body.Close()
}

func TestEngine_DynamicWritesScheduleTrim(t *testing.T) {
	h := newHarness(t, 3)
	paths := []string{"/api/a", "/api/b", "/api/c", "/api/d", "/api/e"}
	for _, p := range paths {
		h.origin.SetResponse(p, testutil.NewJSONResponse(`{}`))
	}

	for _, p := range paths {
		h.get(t, p, "empty").Body.Close()
	}
	h.evict.Wait()

	keys, err := h.store.Keys(context.Background(), cache.DynamicNamespace("v1"))
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, h.origin.URL()+"/api/e", keys[2].URL)
}

// brokenStore fails every operation.
type brokenStore struct{}

var errBroken = errors.New("disk on fire")

func (brokenStore) Open(context.Context, string) error { return errBroken }
func (brokenStore) Get(context.Context, string, cache.Key) (*cache.Entry, error) {
	return nil, errBroken
}
func (brokenStore) Put(context.Context, string, *cache.Entry) error       { return errBroken }
func (brokenStore) Delete(context.Context, string, cache.Key) error       { return errBroken }
func (brokenStore) Keys(context.Context, string) ([]cache.Key, error)     { return nil, errBroken }
func (brokenStore) DeleteNamespace(context.Context, string) (bool, error) { return false, errBroken }
func (brokenStore) ListNamespaces(context.Context) ([]string, error)      { return nil, errBroken }
func (brokenStore) GetMeta(context.Context, string) ([]byte, error)        { return nil, errBroken }
func (brokenStore) SetMeta(context.Context, string, []byte) error          { return errBroken }
func (brokenStore) Close() error                                          { return nil }

func TestEngine_StorageErrorsAreNotFatal(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/css/app.css", testutil.NewOKResponse("body{}", "text/css"))

	engine := NewEngine(Options{
		Version: "v1",
		Store:   brokenStore{},
		Fetcher: fetch.New(fetch.Config{Timeout: time.Second, RetryDelay: 10 * time.Millisecond}, origin.Client(), zerolog.Nop()),
		Rules:   DefaultRules(),
		Logger:  zerolog.Nop(),
	})

	req, _ := http.NewRequest(http.MethodGet, origin.URL()+"/css/app.css", nil)
	resp, handled := engine.Handle(req)
	require.True(t, handled)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{}", readBody(t, resp))

	origin.SetOffline(true)
	req, _ = http.NewRequest(http.MethodGet, origin.URL()+"/about", nil)
	req.Header.Set("Sec-Fetch-Dest", "document")
	resp, handled = engine.Handle(req)
	require.True(t, handled)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestEngine_RetiredEngineDoesNotWrite(t *testing.T) {
	h := newHarness(t, 10)
	h.origin.SetResponse("/api/a", testutil.NewJSONResponse(`{"a":1}`))
	retired := false
	h.engine.writable = func() bool { return !retired }

	retired = true
	resp := h.get(t, "/api/a", "empty")
	assert.Equal(t, SourceNetwork, resp.Header.Get(HeaderSource))
	assert.Equal(t, `{"a":1}`, readBody(t, resp))
	h.evict.Wait()

	names, err := h.store.ListNamespaces(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names, "a retired engine must not create namespaces")
}
