// Package http is the client used for responder traffic: RFC 3161
// timestamp requests, OCSP and CRL fetches, and AIA issuer downloads.
//
// Requests carry the nusign user agent, are traced and counted, and pass
// through a per-host circuit breaker so one dead responder does not stall
// every certificate that points at it.
package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/willibrandon/nusign/observability"
	"github.com/willibrandon/nusign/resilience"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultDialTimeout = 10 * time.Second
	DefaultUserAgent   = "nusign/0.1.0"
)

// ErrBodyNotReplayable is returned when a retry would need to resend a body
// the request cannot produce again.
var ErrBodyNotReplayable = errors.New("request body cannot be replayed")

// Doer sends a request. Client and the value returned by Client.Retrying
// both satisfy the signature package's HTTPDoer.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client wraps http.Client with responder-specific behavior.
type Client struct {
	httpClient  *http.Client
	userAgent   string
	timeout     time.Duration
	retryConfig *RetryConfig
	logger      observability.Logger
	breakers    *resilience.ResponderBreakers // nil disables
}

// Config holds client configuration.
type Config struct {
	Timeout     time.Duration
	UserAgent   string
	Transport   TransportConfig
	RetryConfig *RetryConfig
	Logger      observability.Logger // nil uses NullLogger

	// EnableTracing wraps the transport in an OpenTelemetry span per request.
	EnableTracing bool

	// CircuitBreakerConfig enables one breaker per responder host. nil disables.
	CircuitBreakerConfig *resilience.CircuitBreakerConfig
}

// DefaultConfig returns a configuration with per-host breakers enabled.
func DefaultConfig() *Config {
	breaker := resilience.DefaultCircuitBreakerConfig()
	return &Config{
		Timeout:              DefaultTimeout,
		UserAgent:            DefaultUserAgent,
		Transport:            DefaultTransportConfig(),
		RetryConfig:          DefaultRetryConfig(),
		CircuitBreakerConfig: &breaker,
	}
}

// NewClient creates a client. A nil cfg uses DefaultConfig.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RetryConfig == nil {
		cfg.RetryConfig = DefaultRetryConfig()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	transport := NewTransport(cfg.Transport)
	if cfg.EnableTracing {
		transport = observability.NewHTTPTracingTransport(transport, "github.com/willibrandon/nusign/http")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNullLogger()
	}

	client := &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		userAgent:   cfg.UserAgent,
		timeout:     cfg.Timeout,
		retryConfig: cfg.RetryConfig,
		logger:      logger,
	}
	if cfg.CircuitBreakerConfig != nil {
		client.breakers = resilience.NewResponderBreakers(*cfg.CircuitBreakerConfig, logger)
	}
	return client
}

// Breakers returns the per-host breakers, or nil when disabled.
func (c *Client) Breakers() *resilience.ResponderBreakers {
	return c.breakers
}

// SetUserAgent updates the user agent sent with requests that have none.
func (c *Client) SetUserAgent(ua string) {
	c.userAgent = ua
}

func (c *Client) prepare(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	if out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", c.userAgent)
	}
	return out
}

func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.WarnContext(ctx, "HTTP {Method} {URL} failed after {Duration}ms: {Error}",
			req.Method, req.URL.String(), duration.Milliseconds(), err)
		observability.HTTPRequestsTotal.WithLabelValues(req.Method, "error", req.URL.Host).Inc()
		return nil, err
	}

	c.logger.DebugContext(ctx, "HTTP {Method} {URL} -> {StatusCode} {Protocol} ({Duration}ms)",
		req.Method, req.URL.String(), resp.StatusCode, ProtocolVersion(resp), duration.Milliseconds())
	observability.HTTPRequestsTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode), req.URL.Host).Inc()
	observability.HTTPRequestDuration.WithLabelValues(req.Method, req.URL.Host).Observe(duration.Seconds())
	return resp, nil
}

func (c *Client) guarded(ctx context.Context, host string, op resilience.Operation) (*http.Response, error) {
	if c.breakers == nil {
		return op(ctx)
	}
	return c.breakers.Execute(ctx, host, op)
}

// Do sends req once. Revocation lookups use Do directly: a responder that
// fails is reported as unknown rather than retried.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = c.prepare(ctx, req)
	c.logger.VerboseContext(ctx, "HTTP {Method} {URL}", req.Method, req.URL.String())

	return c.guarded(ctx, req.URL.Host, func(ctx context.Context) (*http.Response, error) {
		return c.send(ctx, req)
	})
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(ctx, req)
}

// DoWithRetry sends req, retrying transport errors and 429/503/504 with
// backoff. Requests with a body must set GetBody. The breaker sees the
// whole sequence as one outcome.
func (c *Client) DoWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	c.logger.DebugContext(ctx, "HTTP {Method} {URL} with retry (max={MaxRetries})",
		req.Method, req.URL.String(), c.retryConfig.MaxRetries)

	return c.guarded(ctx, req.URL.Host, func(ctx context.Context) (*http.Response, error) {
		return c.retry(ctx, req)
	})
}

func (c *Client) attempt(ctx context.Context, req *http.Request, n int) (*http.Request, error) {
	out := c.prepare(ctx, req)
	if n == 0 || req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}
	if req.GetBody == nil {
		return nil, ErrBodyNotReplayable
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replay body: %w", err)
	}
	out.Body = body
	return out, nil
}

func (c *Client) retry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var (
		resp    *http.Response
		lastErr error
	)
	for n := 0; n <= c.retryConfig.MaxRetries; n++ {
		attemptReq, err := c.attempt(ctx, req, n)
		if err != nil {
			return nil, err
		}

		resp, lastErr = c.send(ctx, attemptReq)
		if lastErr == nil && !IsRetriableStatus(resp.StatusCode) {
			if n > 0 {
				c.logger.InfoContext(ctx, "HTTP {Method} {URL} succeeded after {Attempt} retries",
					req.Method, req.URL.String(), n)
			}
			return resp, nil
		}
		if lastErr != nil && !IsRetriable(lastErr) {
			return nil, lastErr
		}
		if n == c.retryConfig.MaxRetries {
			break
		}

		var backoff time.Duration
		if resp != nil {
			backoff = ParseRetryAfter(resp.Header.Get("Retry-After"))
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		if backoff == 0 {
			backoff = c.retryConfig.CalculateBackoff(n)
		}
		observability.RecordRetry(ctx, n+1, lastErr)
		c.logger.DebugContext(ctx, "HTTP {Method} {URL} retry {Attempt}/{MaxRetries} after {Backoff}ms",
			req.Method, req.URL.String(), n+1, c.retryConfig.MaxRetries, backoff.Milliseconds())

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	if lastErr != nil {
		c.logger.ErrorContext(ctx, "HTTP {Method} {URL} failed after {MaxRetries} retries: {Error}",
			req.Method, req.URL.String(), c.retryConfig.MaxRetries, lastErr)
		return nil, fmt.Errorf("after %d retries: %w", c.retryConfig.MaxRetries, lastErr)
	}
	return resp, nil
}

type retryingDoer struct {
	client *Client
}

func (d retryingDoer) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return d.client.DoWithRetry(ctx, req)
}

// Retrying returns a Doer that sends every request through DoWithRetry.
// Timestamp requests use it; a TSA that sheds load answers 503.
func (c *Client) Retrying() Doer {
	return retryingDoer{client: c}
}

// Option is a functional option for configuring the client.
type Option func(*Config)

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.Timeout = timeout
	}
}

// WithUserAgent sets the user agent string.
func WithUserAgent(ua string) Option {
	return func(cfg *Config) {
		cfg.UserAgent = ua
	}
}

// WithTLSConfig sets the TLS configuration of the transport.
func WithTLSConfig(tlsCfg *tls.Config) Option {
	return func(cfg *Config) {
		cfg.Transport.TLSClientConfig = tlsCfg
	}
}

// WithHTTP3 enables QUIC with TCP fallback.
func WithHTTP3(enabled bool) Option {
	return func(cfg *Config) {
		cfg.Transport.EnableHTTP3 = enabled
	}
}

// WithMaxRetries sets the maximum number of retries.
func WithMaxRetries(n int) Option {
	return func(cfg *Config) {
		if cfg.RetryConfig == nil {
			cfg.RetryConfig = DefaultRetryConfig()
		}
		cfg.RetryConfig.MaxRetries = n
	}
}

// WithRetryConfig replaces the retry configuration.
func WithRetryConfig(retryCfg *RetryConfig) Option {
	return func(cfg *Config) {
		cfg.RetryConfig = retryCfg
	}
}

// WithCircuitBreaker replaces the breaker configuration. nil disables.
func WithCircuitBreaker(breaker *resilience.CircuitBreakerConfig) Option {
	return func(cfg *Config) {
		cfg.CircuitBreakerConfig = breaker
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithTracing enables per-request spans.
func WithTracing(enabled bool) Option {
	return func(cfg *Config) {
		cfg.EnableTracing = enabled
	}
}

// NewClientWithOptions creates a client from DefaultConfig and opts.
func NewClientWithOptions(opts ...Option) *Client {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return NewClient(cfg)
}
