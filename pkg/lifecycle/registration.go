package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-agent/pkg/cache"
)

// activeReleaseKey is the store metadata key holding the last claimed release.
const activeReleaseKey = "lifecycle/active-release"

var (
	// ErrInstallInProgress is returned when a second install starts while one runs.
	ErrInstallInProgress = errors.New("install already in progress")

	// ErrNoWorker is returned when there is neither a waiting nor an active worker.
	ErrNoWorker = errors.New("no installed worker")

	// ErrNoReleaseSource is returned by CheckUpdate without a configured source.
	ErrNoReleaseSource = errors.New("no release source configured")
)

// RegistrationConfig configures a Registration.
type RegistrationConfig struct {
	Worker WorkerConfig

	// Source is polled by CheckUpdate. Optional.
	Source ReleaseSource

	// HoldWaiting keeps installed workers waiting until SkipWaiting is
	// called, instead of honoring their skip-waiting request.
	HoldWaiting bool
}

// Registration tracks the installing, waiting and active workers of an agent.
type Registration struct {
	cfg    RegistrationConfig
	logger zerolog.Logger

	mu          sync.Mutex
	installing  *Worker
	waiting     *Worker
	active      *Worker
	subscribers []func(*Worker)
}

// NewRegistration creates an empty registration.
func NewRegistration(cfg RegistrationConfig) *Registration {
	return &Registration{
		cfg:    cfg,
		logger: cfg.Worker.Logger.With().Str("component", "registration").Logger(),
	}
}

// OnClaim registers fn to be called with every worker that claims clients.
func (r *Registration) OnClaim(fn func(*Worker)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Active returns the worker currently handling requests, or nil.
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the installed worker waiting for activation, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Install installs rel. Installing the active or waiting version again is a
// no-op. On failure the previous active worker keeps serving.
func (r *Registration) Install(ctx context.Context, rel Release) (*Worker, error) {
	r.mu.Lock()
	if r.installing != nil {
		r.mu.Unlock()
		return nil, ErrInstallInProgress
	}
	for _, w := range []*Worker{r.active, r.waiting} {
		if w != nil && w.Version() == rel.Version {
			r.mu.Unlock()
			return w, nil
		}
	}
	w := NewWorker(rel, r.cfg.Worker)
	w.onClaim = r.claim
	r.installing = w
	r.mu.Unlock()

	err := w.Install(ctx)

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("install %s: %w", rel.Version, err)
	}
	previous := []*Worker{r.waiting, r.active}
	r.waiting = w
	r.mu.Unlock()

	// A newer install supersedes whatever was waiting or active; the active
	// worker still answers requests until the new one claims clients.
	for _, old := range previous {
		if old == nil {
			continue
		}
		if err := old.Supersede(ctx); err != nil {
			r.logger.Warn().Err(err).Str("version", old.Version()).Msg("Failed to supersede worker")
		}
	}

	if w.SkipWaitingRequested() && !r.cfg.HoldWaiting {
		if _, err := r.SkipWaiting(ctx); err != nil {
			return w, err
		}
	}
	return w, nil
}

// SkipWaiting activates the waiting worker, if any, and returns the active one.
func (r *Registration) SkipWaiting(ctx context.Context) (*Worker, error) {
	r.mu.Lock()
	w := r.waiting
	r.waiting = nil
	active := r.active
	r.mu.Unlock()

	if w == nil {
		if active == nil {
			return nil, ErrNoWorker
		}
		return active, nil
	}

	if err := w.Activate(ctx); err != nil {
		return nil, fmt.Errorf("activate %s: %w", w.Version(), err)
	}
	return w, nil
}

// CheckUpdate polls the release source and installs a release that differs
// from the active one. It reports whether a new version is available.
func (r *Registration) CheckUpdate(ctx context.Context) (bool, error) {
	if r.cfg.Source == nil {
		return false, ErrNoReleaseSource
	}

	// Serve the previously active release first, so a source or network
	// failure below does not leave the agent without a worker.
	if r.Active() == nil {
		if _, err := r.Restore(ctx); err != nil && !errors.Is(err, ErrNoWorker) {
			r.logger.Warn().Err(err).Msg("Failed to restore active release")
		}
	}

	rel, err := r.cfg.Source.Latest(ctx)
	if err != nil {
		return false, fmt.Errorf("check update: %w", err)
	}

	if active := r.Active(); active != nil && active.Version() == rel.Version {
		return false, nil
	}

	r.logger.Info().Str("version", rel.Version).Msg("New release available")
	if _, err := r.Install(ctx, rel); err != nil {
		return true, err
	}
	return true, nil
}

// Restore reactivates the release that was active when the store was last
// written, without fetching anything. It returns ErrNoWorker when the store
// holds no release or its static namespace is gone. An already active
// worker is returned unchanged.
func (r *Registration) Restore(ctx context.Context) (*Worker, error) {
	if w := r.Active(); w != nil {
		return w, nil
	}
	store := r.cfg.Worker.Store
	if store == nil {
		return nil, ErrNoWorker
	}

	data, err := cache.GetMeta(ctx, store, activeReleaseKey)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrNoWorker
	}
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	var rel Release
	if err := json.Unmarshal(data, &rel); err != nil || rel.Version == "" {
		return nil, fmt.Errorf("%w: stored release is unreadable", ErrNoWorker)
	}

	w := NewWorker(rel, r.cfg.Worker)
	keys, err := cache.Handle(store, w.StaticNamespace()).Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", rel.Version, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoWorker, w.StaticNamespace())
	}

	r.mu.Lock()
	if r.active != nil || r.waiting != nil || r.installing != nil {
		r.mu.Unlock()
		return nil, ErrInstallInProgress
	}
	w.onClaim = r.claim
	r.installing = w
	r.mu.Unlock()

	err = w.Restore(ctx)

	r.mu.Lock()
	r.installing = nil
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", rel.Version, err)
	}
	r.logger.Info().Str("version", rel.Version).Int("assets", len(keys)).Msg("Restored active release")
	return w, nil
}

func (r *Registration) claim(ctx context.Context, w *Worker) {
	r.mu.Lock()
	r.active = w
	subscribers := slices.Clone(r.subscribers)
	r.mu.Unlock()

	r.logger.Info().Str("version", w.Version()).Msg("Worker claimed clients")
	r.saveActive(ctx, w)
	for _, fn := range subscribers {
		fn(w)
	}
}

// saveActive records w's release so the next process can restore it.
// Failures only cost the restore, so they are logged.
func (r *Registration) saveActive(ctx context.Context, w *Worker) {
	store := r.cfg.Worker.Store
	if store == nil {
		return
	}
	data, err := json.Marshal(w.Release())
	if err != nil {
		r.logger.Warn().Err(err).Str("version", w.Version()).Msg("Failed to encode active release")
		return
	}
	if err := cache.SetMeta(ctx, store, activeReleaseKey, data); err != nil {
		r.logger.Warn().Err(err).Str("version", w.Version()).Msg("Failed to persist active release")
	}
}
