// Package eviction keeps cache namespaces bounded (FIFO trim) and fresh
// (age-based expiry from a stored response timestamp).
package eviction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-agent/pkg/cache"
)

var evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_evictions_total",
	Help: "Total entries removed by eviction reason",
}, []string{"reason"}) // "trim", "expire"

// scheduledTrimTimeout bounds a background trim run.
const scheduledTrimTimeout = 30 * time.Second

// Config holds the eviction policy.
type Config struct {
	// MaxItems is the entry cap of the dynamic namespace.
	MaxItems int

	// MaxAge is the age after which an entry expires.
	MaxAge time.Duration

	// TimestampHeader is the response header holding the freshness timestamp.
	TimestampHeader string
}

// DefaultConfig returns the default policy: 50 entries, 7 days, Date header.
func DefaultConfig() Config {
	return Config{
		MaxItems:        50,
		MaxAge:          7 * 24 * time.Hour,
		TimestampHeader: "Date",
	}
}

// Manager runs trims and expiries against a store.
type Manager struct {
	store  cache.Store
	config Config
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running map[string]bool
	rerun   map[string]bool
	wg      sync.WaitGroup
}

// NewManager creates an eviction manager.
func NewManager(store cache.Store, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = DefaultConfig().TimestampHeader
	}
	return &Manager{
		store:   store,
		config:  cfg,
		logger:  logger.With().Str("component", "eviction").Logger(),
		now:     time.Now,
		running: make(map[string]bool),
		rerun:   make(map[string]bool),
	}
}

// Config returns the manager's policy.
func (m *Manager) Config() Config {
	return m.config
}

// Trim deletes the oldest entries of namespace until at most maxItems
// remain. It returns the number of deleted entries.
func (m *Manager) Trim(ctx context.Context, namespace string, maxItems int) (int, error) {
	ns := cache.Handle(m.store, namespace)
	keys, err := ns.Keys(ctx)
	if err != nil {
		return 0, err
	}

	excess := len(keys) - maxItems
	if excess <= 0 {
		return 0, nil
	}

	deleted := 0
	for _, key := range keys[:excess] {
		if err := ns.Delete(ctx, key); err != nil {
			return deleted, err
		}
		deleted++
	}

	evictionsTotal.WithLabelValues("trim").Add(float64(deleted))
	m.logger.Debug().
		Str("namespace", namespace).
		Int("deleted", deleted).
		Int("max_items", maxItems).
		Msg("Trimmed namespace")
	return deleted, nil
}

// Expire deletes every entry whose timestamp header is older than maxAge.
// Entries without a readable timestamp are kept.
func (m *Manager) Expire(ctx context.Context, namespace string, maxAge time.Duration) (int, error) {
	ns := cache.Handle(m.store, namespace)
	keys, err := ns.Keys(ctx)
	if err != nil {
		return 0, err
	}

	now := m.now()
	deleted := 0
	for _, key := range keys {
		entry, err := ns.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, cache.ErrCacheMiss) {
				m.logger.Warn().Err(err).Str("key", key.String()).Msg("Skipping unreadable entry during expiry")
			}
			continue
		}

		ts, ok := entry.Timestamp(m.config.TimestampHeader)
		if !ok || now.Sub(ts) <= maxAge {
			continue
		}

		if err := ns.Delete(ctx, key); err != nil {
			return deleted, err
		}
		deleted++
	}

	if deleted > 0 {
		evictionsTotal.WithLabelValues("expire").Add(float64(deleted))
	}
	m.logger.Debug().
		Str("namespace", namespace).
		Int("deleted", deleted).
		Dur("max_age", maxAge).
		Msg("Expired namespace entries")
	return deleted, nil
}

// ScheduleTrim trims namespace to the configured cap in the background.
// A schedule that arrives while a trim of the same namespace is running
// triggers exactly one more run after it.
func (m *Manager) ScheduleTrim(namespace string) {
	m.mu.Lock()
	if m.running[namespace] {
		m.rerun[namespace] = true
		m.mu.Unlock()
		return
	}
	m.running[namespace] = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		for {
			ctx, cancel := context.WithTimeout(context.Background(), scheduledTrimTimeout)
			if _, err := m.Trim(ctx, namespace, m.config.MaxItems); err != nil {
				m.logger.Warn().Err(err).Str("namespace", namespace).Msg("Background trim failed")
			}
			cancel()

			m.mu.Lock()
			if !m.rerun[namespace] {
				delete(m.running, namespace)
				m.mu.Unlock()
				return
			}
			delete(m.rerun, namespace)
			m.mu.Unlock()
		}
	}()
}

// Wait blocks until scheduled trims have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}
