// Package control implements the request/response message API through which
// the host application queries and steers the agent.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-agent/pkg/cache"
	"github.com/Sternrassler/offline-agent/pkg/lifecycle"
)

// Actions understood by the handler.
const (
	ActionSkipWaiting  = "SKIP_WAITING"
	ActionClearCache   = "CLEAR_CACHE"
	ActionGetCacheSize = "GET_CACHE_SIZE"
	ActionGetCacheInfo = "GET_CACHE_INFO"
	ActionCheckUpdate  = "CHECK_UPDATE"
)

// ErrUnknownAction is reported for an action the handler does not know.
var ErrUnknownAction = errors.New("unknown action")

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_control_messages_total",
	Help: "Control messages handled by action and outcome",
}, []string{"action", "success"})

// Message is an inbound control message. Type is honored when Action is empty.
type Message struct {
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action,omitempty"`
	Type   string          `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Name returns the action the message asks for.
func (m Message) Name() string {
	if m.Action != "" {
		return m.Action
	}
	return m.Type
}

// CacheInfo describes one namespace.
type CacheInfo struct {
	Count int      `json:"count"`
	URLs  []string `json:"urls"`
}

// Reply is the response to a Message. Only the fields of the answered
// action are set.
type Reply struct {
	ID              string               `json:"id,omitempty"`
	Success         bool                 `json:"success"`
	Error           string               `json:"error,omitempty"`
	Version         string               `json:"version,omitempty"`
	Size            *int64               `json:"size,omitempty"`
	Caches          map[string]CacheInfo `json:"caches,omitempty"`
	UpdateAvailable *bool                `json:"updateAvailable,omitempty"`
}

// Lifecycle is the part of the registration the handler drives.
type Lifecycle interface {
	SkipWaiting(ctx context.Context) (*lifecycle.Worker, error)
	CheckUpdate(ctx context.Context) (bool, error)
}

// Handler answers control messages.
type Handler struct {
	store     cache.Store
	lifecycle Lifecycle
	logger    zerolog.Logger
}

// NewHandler creates a handler over store and lc.
func NewHandler(store cache.Store, lc Lifecycle, logger zerolog.Logger) *Handler {
	return &Handler{
		store:     store,
		lifecycle: lc,
		logger:    logger.With().Str("component", "control").Logger(),
	}
}

// Handle answers msg. Failures are reported in the reply, never returned.
func (h *Handler) Handle(ctx context.Context, msg Message) Reply {
	action := msg.Name()

	var reply Reply
	var err error
	switch action {
	case ActionSkipWaiting:
		reply, err = h.skipWaiting(ctx)
	case ActionClearCache:
		reply, err = h.clearCache(ctx)
	case ActionGetCacheSize:
		reply, err = h.cacheSize(ctx)
	case ActionGetCacheInfo:
		reply, err = h.cacheInfo(ctx)
	case ActionCheckUpdate:
		reply, err = h.checkUpdate(ctx)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	if err != nil {
		h.logger.Warn().Err(err).Str("action", action).Msg("Control message failed")
		reply = Reply{Success: false, Error: err.Error()}
	} else {
		reply.Success = true
	}
	reply.ID = msg.ID

	messagesTotal.WithLabelValues(metricAction(action), strconv.FormatBool(reply.Success)).Inc()
	return reply
}

// metricAction bounds label cardinality to the known actions.
func metricAction(action string) string {
	switch action {
	case ActionSkipWaiting, ActionClearCache, ActionGetCacheSize, ActionGetCacheInfo, ActionCheckUpdate:
		return action
	default:
		return "unknown"
	}
}

func (h *Handler) skipWaiting(ctx context.Context) (Reply, error) {
	w, err := h.lifecycle.SkipWaiting(ctx)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Version: w.Version()}, nil
}

func (h *Handler) clearCache(ctx context.Context) (Reply, error) {
	names, err := cache.ListNamespaces(ctx, h.store)
	if err != nil {
		return Reply{}, err
	}
	for _, name := range names {
		if _, err := cache.DeleteNamespace(ctx, h.store, name); err != nil {
			return Reply{}, err
		}
	}
	h.logger.Info().Int("namespaces", len(names)).Msg("Cleared all caches")
	return Reply{}, nil
}

func (h *Handler) cacheSize(ctx context.Context) (Reply, error) {
	names, err := cache.ListNamespaces(ctx, h.store)
	if err != nil {
		return Reply{}, err
	}

	var total int64
	for _, name := range names {
		ns := cache.Handle(h.store, name)
		keys, err := ns.Keys(ctx)
		if err != nil {
			return Reply{}, err
		}
		for _, key := range keys {
			entry, err := ns.Get(ctx, key)
			if errors.Is(err, cache.ErrCacheMiss) {
				continue
			}
			if err != nil {
				return Reply{}, err
			}
			total += entry.Size()
		}
	}
	return Reply{Size: &total}, nil
}

func (h *Handler) cacheInfo(ctx context.Context) (Reply, error) {
	names, err := cache.ListNamespaces(ctx, h.store)
	if err != nil {
		return Reply{}, err
	}

	caches := make(map[string]CacheInfo, len(names))
	for _, name := range names {
		keys, err := cache.Handle(h.store, name).Keys(ctx)
		if err != nil {
			return Reply{}, err
		}
		urls := make([]string, 0, len(keys))
		for _, key := range keys {
			urls = append(urls, key.URL)
		}
		caches[name] = CacheInfo{Count: len(keys), URLs: urls}
	}
	return Reply{Caches: caches}, nil
}

func (h *Handler) checkUpdate(ctx context.Context) (Reply, error) {
	available, err := h.lifecycle.CheckUpdate(ctx)
	if err != nil {
		return Reply{}, err
	}
	return Reply{UpdateAvailable: &available}, nil
}
