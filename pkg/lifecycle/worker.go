package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/offline-agent/pkg/cache"
)

// ErrAssetStatus is returned when a static asset answers with a non-2xx status.
var ErrAssetStatus = errors.New("asset returned non-success status")

// Fetcher performs a resilient network call.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Expirer removes entries older than maxAge from a namespace.
type Expirer interface {
	Expire(ctx context.Context, namespace string, maxAge time.Duration) (int, error)
}

// WorkerConfig holds the collaborators shared by every worker.
type WorkerConfig struct {
	// Origin is the base URL relative asset paths resolve against.
	Origin string

	// OfflinePage is the path of the offline fallback document.
	OfflinePage string

	Store   cache.Store
	Fetcher Fetcher
	Expirer Expirer

	// MaxAge is passed to Expire on activation.
	MaxAge time.Duration

	// Concurrency bounds parallel precache fetches. Zero means 8.
	Concurrency int

	Logger zerolog.Logger
}

// Worker is one installed version of the agent.
type Worker struct {
	cfg     WorkerConfig
	release Release
	logger  zerolog.Logger

	mu    sync.Mutex
	state State

	skipWaiting atomic.Bool
	onClaim     func(context.Context, *Worker)
}

// NewWorker creates an uninstalled worker for rel.
func NewWorker(rel Release, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Worker{
		cfg:     cfg,
		release: rel,
		state:   StateUninstalled,
		logger:  cfg.Logger.With().Str("component", "lifecycle").Str("version", rel.Version).Logger(),
	}
}

// Version returns the worker's version tag.
func (w *Worker) Version() string {
	return w.release.Version
}

// Release returns the release the worker installs.
func (w *Worker) Release() Release {
	return w.release
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SkipWaitingRequested reports whether install asked for immediate activation.
func (w *Worker) SkipWaitingRequested() bool {
	return w.skipWaiting.Load()
}

// StaticNamespace returns the name of the worker's static namespace.
func (w *Worker) StaticNamespace() string {
	return cache.StaticNamespace(w.release.Version)
}

// DynamicNamespace returns the name of the worker's dynamic namespace.
func (w *Worker) DynamicNamespace() string {
	return cache.DynamicNamespace(w.release.Version)
}

// Install precaches the static assets. On failure the worker returns to
// uninstalled and nothing of the batch is stored.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.dispatch(ctx, EventInstall); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return err
		}
		w.logger.Error().Err(err).Msg("Install failed")
		if ferr := w.dispatch(ctx, EventInstallFailed); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	return w.dispatch(ctx, EventInstallSucceeded)
}

// Activate garbage-collects other versions, expires the dynamic namespace
// and claims clients.
func (w *Worker) Activate(ctx context.Context) error {
	return w.dispatch(ctx, EventActivate)
}

// Restore reactivates a version precached by an earlier process. It expires
// the dynamic namespace and claims clients without touching the network.
func (w *Worker) Restore(ctx context.Context) error {
	return w.dispatch(ctx, EventRestore)
}

// Supersede retires the worker. It takes no further action.
func (w *Worker) Supersede(ctx context.Context) error {
	return w.dispatch(ctx, EventSupersede)
}

func (w *Worker) dispatch(ctx context.Context, ev Event) error {
	w.mu.Lock()
	from := w.state
	to, effects, err := Transition(from, ev)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.state = to
	w.mu.Unlock()

	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	w.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("event", string(ev)).
		Msg("Lifecycle transition")

	for _, effect := range effects {
		if err := w.run(ctx, effect); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) run(ctx context.Context, effect Effect) error {
	switch effect {
	case EffectPrecacheStatic:
		return w.precacheStatic(ctx)
	case EffectPrecacheOffline:
		w.precacheOffline(ctx)
	case EffectSkipWaiting:
		w.skipWaiting.Store(true)
	case EffectDeleteStaleNamespaces:
		w.deleteStaleNamespaces(ctx)
	case EffectExpireDynamic:
		w.expireDynamic(ctx)
	case EffectClaimClients:
		if w.onClaim != nil {
			w.onClaim(ctx, w)
		}
	default:
		return fmt.Errorf("unknown lifecycle effect %q", effect)
	}
	return nil
}

// precacheStatic fetches every static asset except the offline page
// concurrently. It writes only after the whole batch succeeded.
func (w *Worker) precacheStatic(ctx context.Context) error {
	ns, err := cache.Open(ctx, w.cfg.Store, w.StaticNamespace())
	if err != nil {
		return err
	}

	var urls []string
	for _, asset := range w.release.Assets {
		if asset == w.cfg.OfflinePage {
			continue
		}
		u, err := w.resolve(asset)
		if err != nil {
			return err
		}
		urls = append(urls, u)
	}

	entries := make([]*cache.Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			entry, err := w.fetchAsset(gctx, u)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		precacheFailuresTotal.WithLabelValues("static").Inc()
		return fmt.Errorf("precache static assets: %w", err)
	}

	for _, entry := range entries {
		if err := ns.Put(ctx, entry); err != nil {
			return fmt.Errorf("store static asset: %w", err)
		}
	}

	w.logger.Info().Int("assets", len(entries)).Str("namespace", ns.Name()).Msg("Static assets precached")
	return nil
}

// precacheOffline stores the offline page. Failure is logged and ignored.
func (w *Worker) precacheOffline(ctx context.Context) {
	if w.cfg.OfflinePage == "" {
		return
	}
	u, err := w.resolve(w.cfg.OfflinePage)
	if err == nil {
		var entry *cache.Entry
		if entry, err = w.fetchAsset(ctx, u); err == nil {
			err = cache.Handle(w.cfg.Store, w.StaticNamespace()).Put(ctx, entry)
		}
	}
	if err != nil {
		precacheFailuresTotal.WithLabelValues("offline").Inc()
		w.logger.Warn().Err(err).Str("page", w.cfg.OfflinePage).Msg("Failed to precache offline page")
	}
}

func (w *Worker) fetchAsset(ctx context.Context, u string) (*cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", u, err)
	}

	resp, err := w.cfg.Fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %d", ErrAssetStatus, u, resp.StatusCode)
	}
	if resp.Request == nil {
		resp.Request = req
	}

	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		return nil, err
	}
	key := cache.NewKey(req)
	entry.Method, entry.URL = key.Method, key.URL
	return entry, nil
}

func (w *Worker) resolve(asset string) (string, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return "", fmt.Errorf("parse asset %q: %w", asset, err)
	}
	if ref.IsAbs() || w.cfg.Origin == "" {
		return ref.String(), nil
	}
	base, err := url.Parse(w.cfg.Origin)
	if err != nil {
		return "", fmt.Errorf("parse origin %q: %w", w.cfg.Origin, err)
	}
	return cache.OriginURL(base, ref.Path, ref.RawQuery).String(), nil
}

// deleteStaleNamespaces drops every namespace that is not one of ours.
// Errors are logged; activation proceeds.
func (w *Worker) deleteStaleNamespaces(ctx context.Context) {
	names, err := cache.ListNamespaces(ctx, w.cfg.Store)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to list namespaces")
		return
	}

	keep := map[string]bool{w.StaticNamespace(): true, w.DynamicNamespace(): true}
	for _, name := range names {
		if keep[name] {
			continue
		}
		if _, err := cache.DeleteNamespace(ctx, w.cfg.Store, name); err != nil {
			w.logger.Warn().Err(err).Str("namespace", name).Msg("Failed to delete stale namespace")
			continue
		}
		w.logger.Info().Str("namespace", name).Msg("Deleted stale namespace")
	}
}

func (w *Worker) expireDynamic(ctx context.Context) {
	if w.cfg.Expirer == nil {
		return
	}
	if _, err := w.cfg.Expirer.Expire(ctx, w.DynamicNamespace(), w.cfg.MaxAge); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to expire dynamic namespace")
	}
}
