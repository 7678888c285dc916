// Package agent wires the engine into an HTTP interception proxy that sits
// between the application's UI and its origin.
package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-agent/pkg/cache"
	"github.com/Sternrassler/offline-agent/pkg/lifecycle"
	"github.com/Sternrassler/offline-agent/pkg/metrics"
	"github.com/Sternrassler/offline-agent/pkg/router"
)

// HeaderRequestID carries the per-request id.
const HeaderRequestID = "X-Request-ID"

// MessagePath is where control messages are posted.
const MessagePath = "/_agent/message"

// Options holds the agent's collaborators.
type Options struct {
	// Origin is the backend base URL.
	Origin *url.URL

	Store        cache.Store
	Fetcher      router.Fetcher
	Trimmer      router.Trimmer
	Registration *lifecycle.Registration

	// Control answers POST /_agent/message. Optional.
	Control http.Handler

	Rules router.Rules

	// Transport is used for bypassed requests. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	Logger zerolog.Logger
}

// Agent is an http.Handler that intercepts every request for the origin.
type Agent struct {
	opts   Options
	engine atomic.Pointer[router.Engine]
	proxy  *httputil.ReverseProxy
	mux    chi.Router
	logger zerolog.Logger
}

// New creates an agent. The active engine follows the registration's
// active worker.
func New(opts Options) *Agent {
	if opts.Origin != nil && opts.Rules.BasePath == "" {
		opts.Rules.BasePath = opts.Origin.Path
	}
	a := &Agent{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "agent").Logger(),
	}

	a.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(opts.Origin)
			pr.SetXForwarded()
		},
		Transport: opts.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			a.logger.Warn().Err(err).Str("url", r.URL.String()).Msg("Bypassed request failed")
			http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		},
	}

	if opts.Registration != nil {
		opts.Registration.OnClaim(a.claim)
		if w := opts.Registration.Active(); w != nil {
			a.claim(w)
		}
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", a.health)
	r.Handle("/metrics", metrics.Handler())
	if opts.Control != nil {
		r.Method(http.MethodPost, MessagePath, opts.Control)
	}
	r.Handle("/*", http.HandlerFunc(a.intercept))
	a.mux = r

	return a
}

// ServeHTTP implements http.Handler.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// Engine returns the engine of the active worker, or nil before the first
// activation.
func (a *Agent) Engine() *router.Engine {
	return a.engine.Load()
}

func (a *Agent) claim(w *lifecycle.Worker) {
	engine := router.NewEngine(router.Options{
		Version: w.Version(),
		Store:   a.opts.Store,
		Fetcher: a.opts.Fetcher,
		Trimmer: a.opts.Trimmer,
		Rules:   a.opts.Rules,
		Logger:  a.opts.Logger,
		Writable: func() bool {
			return w.State() == lifecycle.StateActive
		},
	})
	if old := a.engine.Swap(engine); old != nil {
		a.logger.Info().Str("from", old.Version()).Str("to", w.Version()).Msg("Switched active engine")
		return
	}
	a.logger.Info().Str("version", w.Version()).Msg("Engine active")
}

func (a *Agent) intercept(w http.ResponseWriter, r *http.Request) {
	engine := a.engine.Load()
	if engine == nil {
		a.proxy.ServeHTTP(w, r)
		return
	}

	resp, handled := engine.Handle(forwardRequest(r, a.opts.Origin))
	if !handled {
		a.proxy.ServeHTTP(w, r)
		return
	}

	if err := send(w, resp); err != nil {
		a.logger.Debug().Err(err).Str("request_id", r.Header.Get(HeaderRequestID)).Msg("Client went away while sending response")
	}
}

type healthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Waiting string `json:"waiting,omitempty"`
}

func (a *Agent) health(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{Status: "ok"}
	if engine := a.engine.Load(); engine != nil {
		status.Version = engine.Version()
	} else {
		status.Status = "starting"
	}
	if a.opts.Registration != nil {
		if waiting := a.opts.Registration.Waiting(); waiting != nil {
			status.Waiting = waiting.Version()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// requestID tags every request and response with an X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
			r.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}
