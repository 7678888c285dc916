// Package fetch wraps single outbound network calls with a deadline and a
// bounded, fixed-delay retry.
//
// HTTP error statuses are not failures: a 404 or 500 comes back as a normal
// response. Only timeouts and transport errors are retried.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the resilient fetch policy.
type Config struct {
	// Timeout is the deadline for a single attempt.
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after the first one.
	MaxRetries int

	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration
}

// DefaultConfig returns the default policy: 8s deadline, one retry after 1s.
func DefaultConfig() Config {
	return Config{
		Timeout:    8 * time.Second,
		MaxRetries: 1,
		RetryDelay: 1 * time.Second,
	}
}

// Client performs resilient fetches. It never caches.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a fetch client. A nil httpClient uses a client that does not
// follow redirects, so redirect responses reach the caller unchanged.
func New(cfg Config, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
		logger:     logger.With().Str("component", "fetch").Logger(),
	}
}

// Config returns the client's default policy.
func (c *Client) Config() Config {
	return c.config
}

// Do fetches req with the client's default timeout and retry budget.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoWith(req, c.config.Timeout, c.config.MaxRetries)
}

// DoWith fetches req racing each attempt against timeout and retrying
// timeouts and transport errors up to maxRetries times.
func (c *Client) DoWith(req *http.Request, timeout time.Duration, maxRetries int) (*http.Response, error) {
	ctx := req.Context()
	startTime := time.Now()
	defer func() {
		fetchDuration.Observe(time.Since(startTime).Seconds())
	}()

	attempts := 0
	for {
		attempts++
		resp, class, err := c.attempt(req, timeout)
		if err == nil {
			if attempts > 1 {
				c.logger.Info().
					Str("url", req.URL.String()).
					Int("attempt", attempts).
					Msg("Request succeeded after retry")
			}
			fetchRequestsTotal.WithLabelValues("response").Inc()
			return resp, nil
		}

		if !shouldRetry(class) || maxRetries <= 0 {
			fetchRequestsTotal.WithLabelValues(string(class)).Inc()
			c.logger.Debug().
				Err(err).
				Str("url", req.URL.String()).
				Str("error_class", string(class)).
				Int("attempts", attempts).
				Msg("Fetch failed")
			return nil, &NetworkError{
				Class:    class,
				Method:   req.Method,
				URL:      req.URL.String(),
				Attempts: attempts,
				Err:      err,
			}
		}

		maxRetries--
		fetchRetriesTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Err(err).
			Str("url", req.URL.String()).
			Str("error_class", string(class)).
			Dur("delay", c.config.RetryDelay).
			Msg("Retrying request after delay")

		select {
		case <-ctx.Done():
			fetchRequestsTotal.WithLabelValues(string(ErrorClassCancelled)).Inc()
			return nil, &NetworkError{
				Class:    ErrorClassCancelled,
				Method:   req.Method,
				URL:      req.URL.String(),
				Attempts: attempts,
				Err:      ctx.Err(),
			}
		case <-time.After(c.config.RetryDelay):
		}
	}
}

// attempt runs a single network call against a deadline timer. The attempt
// context outlives the call so the caller can stream the body; it is released
// when the body is closed.
func (c *Client) attempt(req *http.Request, timeout time.Duration) (*http.Response, ErrorClass, error) {
	parent := req.Context()
	ctx, cancel := context.WithCancel(parent)

	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	outReq := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			timer.Stop()
			cancel()
			return nil, ErrorClassNetwork, fmt.Errorf("rewind request body: %w", err)
		}
		outReq.Body = body
	}

	resp, err := c.httpClient.Do(outReq)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, classify(parent, &timedOut, err), err
	}

	if !timer.Stop() {
		// Deadline fired while the response headers were arriving.
		resp.Body.Close()
		cancel()
		return nil, ErrorClassTimeout, fmt.Errorf("deadline of %v exceeded", timeout)
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, "", nil
}

// classify maps a transport failure onto an ErrorClass.
func classify(parent context.Context, timedOut *atomic.Bool, err error) ErrorClass {
	if timedOut.Load() {
		return ErrorClassTimeout
	}
	if parent.Err() != nil {
		return ErrorClassCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}
	return ErrorClassNetwork
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
