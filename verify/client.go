// Package verify calls the downstream email deliverability and phone
// carrier lookup services. Calls are outbound only and never touch stored
// state, so an abandoned call leaves nothing behind.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds one verification call.
const DefaultTimeout = 5 * time.Second

// ErrTimeout is returned when a call does not finish within its timeout.
var ErrTimeout = errors.New("verify: timed out")

// Classification is the verdict of a verification service.
type Classification string

const (
	Valid   Classification = "valid"
	Invalid Classification = "invalid"
	Risky   Classification = "risky"
	Unknown Classification = "unknown"
)

// Result is a verdict and an optional human-readable reason.
type Result struct {
	Classification Classification `json:"classification"`
	Reason         string         `json:"reason,omitempty"`
}

// StatusError is a non-2xx response from a verification service.
type StatusError struct {
	Service string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("verify: %s service returned %d: %s", e.Service, e.Code, e.Message)
}

// Config locates the verification services.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"-"`
	Timeout time.Duration `yaml:"timeout"`
	// RatePerSecond limits outbound calls; zero disables the limit.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Observer is told the outcome of every call.
type Observer interface {
	Verification(service string, c Classification, elapsed time.Duration, err error)
}

// Option configures a Client.
type Option func(c *Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver registers a call hook.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client calls the verification services.
type Client struct {
	base     *url.URL
	apiKey   string
	timeout  time.Duration
	limiter  *rate.Limiter
	http     *http.Client
	logger   *zap.Logger
	observer Observer
}

// New returns a Client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("verify: invalid base url %q", cfg.BaseURL)
	}
	c := &Client{
		base:    base,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		http:    &http.Client{},
		logger:  zap.NewNop(),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "verify"))
	return c, nil
}

// CheckEmail asks the deliverability service about address.
func (c *Client) CheckEmail(ctx context.Context, address string) (Result, error) {
	return c.call(ctx, "email", url.Values{"address": {address}})
}

// LookupPhone asks the carrier lookup service about number.
func (c *Client) LookupPhone(ctx context.Context, number string) (Result, error) {
	return c.call(ctx, "phone", url.Values{"number": {number}})
}

func (c *Client) call(ctx context.Context, service string, q url.Values) (res Result, err error) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		if c.observer != nil {
			c.observer.Verification(service, res.Classification, elapsed, err)
		}
		if err != nil {
			c.logger.Warn("verification failed", zap.String("service", service), zap.Duration("elapsed", elapsed), zap.Error(err))
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(callCtx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return Result{}, ctx.Err()
			}
			return Result{}, fmt.Errorf("%w: %s call waiting for rate limit", ErrTimeout, service)
		}
	}

	u := c.base.JoinPath(service)
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, c.classify(ctx, callCtx, service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &StatusError{Service: service, Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&res); err != nil {
		return Result{}, c.classify(ctx, callCtx, service, err)
	}
	switch res.Classification {
	case Valid, Invalid, Risky:
	default:
		res.Classification = Unknown
	}
	return res, nil
}

// classify turns an expired deadline into ErrTimeout. Cancellation by the
// caller is returned as context.Canceled.
func (c *Client) classify(ctx, callCtx context.Context, service string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s call after %s", ErrTimeout, service, c.timeout)
	}
	return fmt.Errorf("verify: %s call: %w", service, err)
}
