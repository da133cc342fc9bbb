package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/habedi/crmkit/apierr"
	"github.com/habedi/crmkit/auth"
	"github.com/habedi/crmkit/ratelimit"
)

// Defaults used when the corresponding Config field is zero.
const (
	DefaultAPIVersion  = "2026-02"
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffCap  = 30 * time.Second
	DefaultTimeout     = 30 * time.Second
)

// Config tunes the request dispatcher.
type Config struct {
	BaseURL     string
	APIVersion  string        // value of the X-Api-Version header
	MaxAttempts int           // total attempts per call, retries included
	BackoffBase time.Duration // first retry delay; doubles per attempt
	BackoffCap  time.Duration // upper bound on a single backoff sleep
	Timeout     time.Duration // per-attempt connect/read timeout

	// PaceRPS enables an optional hard pacer (token bucket) in front of the
	// window limiter. Zero disables it.
	PaceRPS   float64
	PaceBurst int
}

func (c Config) withDefaults() Config {
	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Client is the request dispatcher: the sole entry point resource callers use
// to reach the API. It owns token acquisition, throttling, retries, and the
// diagnostic call log.
type Client struct {
	cfg     Config
	http    *http.Client
	tokens  *auth.Service
	limiter *ratelimit.Limiter
	pacer   *rate.Limiter
	calls   *CallLog

	// sleep is swapped out in tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Client. The base URL is required; a missing value is a
// configuration error detected here, before any network call.
func New(cfg Config, tokens *auth.Service, limiter *ratelimit.Limiter) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, apierr.New(apierr.Configuration, "base URL is not configured", nil)
	}
	if tokens == nil {
		return nil, apierr.New(apierr.Configuration, "token service is not configured", nil)
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	cfg = cfg.withDefaults()

	var pacer *rate.Limiter
	if cfg.PaceRPS > 0 {
		burst := cfg.PaceBurst
		if burst <= 0 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(cfg.PaceRPS), burst)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		limiter: limiter,
		pacer:   pacer,
		calls:   &CallLog{},
		sleep:   sleepCtx,
	}, nil
}

// SetHTTPClient swaps the underlying transport, e.g. for tests or custom TLS.
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.http = hc
	}
}

// CallLog returns the dispatcher's diagnostic attempt log.
func (c *Client) CallLog() *CallLog { return c.calls }

// Stats returns a snapshot of the rate limiter counters.
func (c *Client) Stats() ratelimit.Statistics { return c.limiter.Statistics() }

// IsAuthenticated reports whether a currently valid token pair is stored.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	return c.tokens.HasValidTokens(ctx)
}

// SetAccessToken stores a manually supplied access token. This is the escape
// hatch for testing and embedding; the token gets a one-hour validity window
// and no refresh token.
func (c *Client) SetAccessToken(ctx context.Context, token string) error {
	return c.tokens.StoreTokens(ctx, &auth.TokenResponse{
		AccessToken: token,
		ExpiresIn:   3600,
	})
}

// Logout deletes the stored token pair.
func (c *Client) Logout(ctx context.Context) error {
	return c.tokens.ClearTokens(ctx)
}

// HandleOAuthCallback exchanges an authorization code for a token pair using
// the same attempt/backoff discipline as Request. Only transport failures are
// retried; a rejected code is final.
func (c *Client) HandleOAuthCallback(ctx context.Context, code, state string) (bool, error) {
	if code == "" {
		return false, apierr.New(apierr.Validation, "authorization code is empty", nil)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt, 0)); err != nil {
				return false, err
			}
		}
		err := c.tokens.ExchangeCode(ctx, code)
		if err == nil {
			log.Info().Str("state", state).Msg("Authorization code exchanged")
			return true, nil
		}
		lastErr = err
		if !isTransportError(err) {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Code exchange failed, retrying")
	}
	return false, lastErr
}

// isTransportError reports whether err stems from the network rather than
// from the remote API rejecting the grant.
func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
