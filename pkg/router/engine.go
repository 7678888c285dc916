// Package router classifies intercepted requests and answers them with one
// of four strategies composed from resilient fetch, the namespace store and
// a fallback chain. A handled request always gets a response.
package router

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-agent/pkg/cache"
)

var strategyResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_strategy_responses_total",
	Help: "Responses produced by strategy and source",
}, []string{"strategy", "source"})

// Fetcher performs a resilient network call.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Trimmer schedules a background FIFO trim of a namespace.
type Trimmer interface {
	ScheduleTrim(namespace string)
}

// Options configures an Engine.
type Options struct {
	Version string
	Store   cache.Store
	Fetcher Fetcher
	Trimmer Trimmer
	Rules   Rules
	Logger  zerolog.Logger

	// Writable gates cache writes. Once it reports false the engine keeps
	// answering from cache but stores nothing. Nil means always writable.
	Writable func() bool
}

// Engine answers intercepted requests for one agent version.
type Engine struct {
	version  string
	static   *cache.Namespace
	dynamic  *cache.Namespace
	fetcher  Fetcher
	trimmer  Trimmer
	rules    Rules
	writable func() bool
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine creates the engine of a version.
func NewEngine(opts Options) *Engine {
	return &Engine{
		version:  opts.Version,
		static:   cache.Handle(opts.Store, cache.StaticNamespace(opts.Version)),
		dynamic:  cache.Handle(opts.Store, cache.DynamicNamespace(opts.Version)),
		fetcher:  opts.Fetcher,
		trimmer:  opts.Trimmer,
		rules:    opts.Rules,
		writable: opts.Writable,
		logger:   opts.Logger.With().Str("component", "router").Str("version", opts.Version).Logger(),
		now:      time.Now,
	}
}

// Version returns the agent version the engine serves.
func (e *Engine) Version() string {
	return e.version
}

// Rules returns the engine's routing rules.
func (e *Engine) Rules() Rules {
	return e.rules
}

// Handle answers req. It returns false when the request is bypassed and must
// go to the network untouched; otherwise the response is never nil.
func (e *Engine) Handle(req *http.Request) (*http.Response, bool) {
	route := e.rules.Classify(req)

	var resp *http.Response
	switch route.Strategy {
	case StrategyBypass:
		return nil, false
	case StrategyCacheFirst:
		resp = e.cacheFirst(req, route)
	case StrategyNetworkOnly:
		resp = e.networkOnly(req, route)
	default:
		resp = e.networkFirst(req, route)
	}

	source := resp.Header.Get(HeaderSource)
	strategyResponsesTotal.WithLabelValues(string(route.Strategy), source).Inc()
	e.logger.Debug().
		Str("url", req.URL.String()).
		Str("strategy", string(route.Strategy)).
		Str("destination", string(route.Destination)).
		Str("source", source).
		Int("status", resp.StatusCode).
		Msg("Request handled")
	return resp, true
}

func (e *Engine) namespace(target Target) *cache.Namespace {
	if target == TargetStatic {
		return e.static
	}
	return e.dynamic
}

func (e *Engine) cacheFirst(req *http.Request, route Route) *http.Response {
	ns := e.namespace(route.Target)

	if resp := e.lookup(req.Context(), ns, req); resp != nil {
		return resp
	}

	resp, err := e.fetcher.Do(req)
	if err == nil {
		e.store(ns, route, req, resp)
		resp.Header.Set(HeaderSource, SourceNetwork)
		return resp
	}

	e.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Cache-first fetch failed with nothing cached")
	if route.Destination == DestinationImage {
		return imagePlaceholder(req)
	}
	return assetNotFound(req)
}

func (e *Engine) networkFirst(req *http.Request, route Route) *http.Response {
	ns := e.namespace(route.Target)

	resp, err := e.fetcher.Do(req)
	if err == nil {
		e.store(ns, route, req, resp)
		resp.Header.Set(HeaderSource, SourceNetwork)
		return resp
	}

	e.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Network-first fetch failed, falling back to cache")
	if cached := e.lookup(req.Context(), ns, req); cached != nil {
		return cached
	}

	if route.Destination == DestinationDocument {
		return e.offlineDocument(req)
	}
	return offlineJSON(req, e.now(), route.API)
}

// networkOnly serves never-cache paths: no cache read, no cache write, and
// documents fall straight through to the offline page.
func (e *Engine) networkOnly(req *http.Request, route Route) *http.Response {
	resp, err := e.fetcher.Do(req)
	if err == nil {
		resp.Header.Set(HeaderSource, SourceNetwork)
		return resp
	}

	e.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Critical path fetch failed")
	if route.Destination == DestinationDocument {
		return e.offlineDocument(req)
	}
	return offlineJSON(req, e.now(), false)
}

// offlineDocument serves the precached offline page, or a minimal inline
// document when it is not cached.
func (e *Engine) offlineDocument(req *http.Request) *http.Response {
	if e.rules.OfflinePage != "" {
		key := cache.Key{Method: http.MethodGet, URL: e.rules.OfflinePageURL(req)}
		entry, err := e.static.Get(req.Context(), key)
		switch {
		case err == nil:
			return markOffline(cache.EntryToResponse(entry, req), SourceOffline)
		case !errors.Is(err, cache.ErrCacheMiss):
			e.logger.Warn().Err(err).Msg("Offline page lookup failed")
		}
	}
	return inlineOfflineDocument(req)
}

// lookup returns the cached response for req, or nil. Storage errors count
// as a miss.
func (e *Engine) lookup(ctx context.Context, ns *cache.Namespace, req *http.Request) *http.Response {
	entry, err := ns.Get(ctx, cache.NewKey(req))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Warn().Err(err).Str("namespace", ns.Name()).Msg("Cache read failed")
		}
		return nil
	}
	resp := cache.EntryToResponse(entry, req)
	resp.Header.Set(HeaderSource, SourceCache)
	return resp
}

// store snapshots a successful response. Storage errors are logged and the
// response is still returned to the caller.
func (e *Engine) store(ns *cache.Namespace, route Route, req *http.Request, resp *http.Response) {
	if !cache.IsCacheable(req, resp) {
		return
	}
	// A retired engine must not recreate namespaces the next version deleted
	if e.writable != nil && !e.writable() {
		return
	}
	if resp.Request == nil {
		resp.Request = req
	}

	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		e.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Failed to snapshot response")
		return
	}

	// The key is the intercepted request, not a redirected final URL
	key := cache.NewKey(req)
	entry.Method, entry.URL = key.Method, key.URL

	if err := ns.Put(req.Context(), entry); err != nil {
		e.logger.Warn().Err(err).Str("namespace", ns.Name()).Msg("Cache write failed")
		return
	}

	if route.Target == TargetDynamic && e.trimmer != nil {
		e.trimmer.ScheduleTrim(ns.Name())
	}
}
