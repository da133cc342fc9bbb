package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/habedi/crmkit/apierr"
)

// Request performs one API call with token acquisition, throttling, and retry
// with exponential backoff. The returned Outcome always carries the same kind
// and message as the returned error; callers may consume either.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*Outcome, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			apiErr := apierr.New(apierr.Validation, fmt.Sprintf("failed to encode request body: %v", err), err)
			return &Outcome{Err: apiErr}, apiErr
		}
	}

	var lastErr *apierr.Error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.backoff(attempt, retryAfter(lastErr))
			log.Debug().Int("attempt", attempt).Dur("backoff", wait).Msg("Backing off before retry")
			if err := c.sleep(ctx, wait); err != nil {
				apiErr := apierr.FromTransport(err)
				return &Outcome{Err: apiErr}, apiErr
			}
		}

		outcome, apiErr := c.attempt(ctx, method, path, payload, attempt)
		if apiErr == nil {
			return outcome, nil
		}

		lastErr = apiErr
		if apiErr.Retryable() && attempt < c.cfg.MaxAttempts {
			log.Warn().
				Str("method", method).
				Str("path", path).
				Int("status", apiErr.StatusCode).
				Int("attempt", attempt).
				Str("kind", string(apiErr.Kind)).
				Msg("Request failed, will retry")
			continue
		}

		log.Error().
			Str("method", method).
			Str("path", path).
			Int("status", apiErr.StatusCode).
			Int("attempt", attempt).
			Str("kind", string(apiErr.Kind)).
			Str("message", apiErr.Message).
			Msg("Request failed")
		return &Outcome{Status: apiErr.StatusCode, Err: apiErr}, apiErr
	}

	// Unreachable: the loop always returns from inside.
	return &Outcome{Err: lastErr}, lastErr
}

// attempt runs one pass of the per-call state machine: acquire token, rate
// check, send, classify, update rate state.
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, attempt int) (*Outcome, *apierr.Error) {
	// A long backoff or rate wait may have invalidated the previous token, so
	// each attempt re-acquires it.
	token, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil || token == "" {
		c.recordFailedAttempt(method, path, attempt)
		return nil, apierr.New(apierr.Unauthorized, "not authenticated; authorize or set an access token first", err)
	}

	if apiErr := c.throttle(ctx); apiErr != nil {
		c.recordFailedAttempt(method, path, attempt)
		return nil, apiErr
	}

	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			c.recordFailedAttempt(method, path, attempt)
			return nil, apierr.FromTransport(err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, method, path, payload, token)
	if err != nil {
		c.recordFailedAttempt(method, path, attempt)
		return nil, apierr.New(apierr.Validation, err.Error(), err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.calls.add(CallRecord{Method: method, Path: path, Attempt: attempt, Duration: duration, At: start})
		return nil, apierr.FromTransport(err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)

	// Rate-limit headers arrive on success and error responses alike.
	c.limiter.UpdateFromHeaders(resp.Header)
	c.calls.add(CallRecord{
		Method: method, Path: path, Attempt: attempt,
		Status: resp.StatusCode, Duration: duration, At: start,
	})

	if readErr != nil {
		return nil, apierr.FromTransport(fmt.Errorf("failed to read response body: %w", readErr))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.limiter.RecordRequest()
		outcome := &Outcome{Status: resp.StatusCode, Header: resp.Header}
		if resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
			outcome.NoContent = true
		} else {
			outcome.Payload = respBody
		}
		log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("Request succeeded")
		return outcome, nil
	}

	return nil, apierr.Classify(resp.StatusCode, respBody, resp.Header)
}

// throttle consults the window limiter, waiting at most once for an exhausted
// window before giving up on this attempt.
func (c *Client) throttle(ctx context.Context) *apierr.Error {
	d := c.limiter.CheckAndThrottle()
	if !d.CanProceed {
		log.Info().Dur("retry_in", d.RetryIn).Msg("Quota exhausted, waiting for window reset")
		if err := c.sleep(ctx, d.RetryIn); err != nil {
			return apierr.FromTransport(err)
		}
		d = c.limiter.CheckAndThrottle()
		if !d.CanProceed {
			return &apierr.Error{
				Kind:       apierr.RateLimited,
				Message:    "request quota exhausted",
				RetryAfter: d.RetryIn,
			}
		}
	}
	if d.Delay > 0 {
		if err := c.sleep(ctx, d.Delay); err != nil {
			return apierr.FromTransport(err)
		}
	}
	return nil
}

// recordFailedAttempt logs an attempt that never produced an HTTP response,
// such as a missing token or an exhausted rate window. Status stays zero.
func (c *Client) recordFailedAttempt(method, path string, attempt int) {
	c.calls.add(CallRecord{Method: method, Path: path, Attempt: attempt, At: time.Now()})
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte, token string) (*http.Request, error) {
	url := c.cfg.BaseURL + "/" + strings.TrimPrefix(path, "/")
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Api-Version", c.cfg.APIVersion)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// backoff computes the pre-attempt delay: exponential with a cap and ±25%
// jitter. A server-provided Retry-After wins when it is larger.
func (c *Client) backoff(attempt int, serverWait time.Duration) time.Duration {
	base := c.cfg.BackoffBase << (attempt - 2)
	if base > c.cfg.BackoffCap || base <= 0 {
		base = c.cfg.BackoffCap
	}
	jitter := time.Duration(float64(base) * 0.25 * (rand.Float64()*2 - 1))
	d := base + jitter
	if d < 0 {
		d = c.cfg.BackoffBase
	}
	if serverWait > d {
		d = serverWait
	}
	return d
}

func retryAfter(e *apierr.Error) time.Duration {
	if e == nil {
		return 0
	}
	return e.RetryAfter
}
