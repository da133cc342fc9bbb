package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Defaults used when the corresponding Config field is zero.
const (
	DefaultWindow        = 60 * time.Second
	DefaultLimit         = 100
	DefaultSoftThreshold = 0.7
	DefaultHardThreshold = 0.9
	DefaultSoftDelayMax  = 500 * time.Millisecond
	DefaultHardDelay     = 2 * time.Second
)

// Config tunes the sliding-window limiter. Zero values fall back to defaults.
type Config struct {
	Window time.Duration // length of the rolling window
	Limit  int           // locally configured requests per window

	// SoftThreshold and HardThreshold split the window into three bands:
	// below soft requests pass untouched, between soft and hard a linearly
	// growing delay is applied, at or above hard the full HardDelay applies.
	SoftThreshold float64
	HardThreshold float64
	SoftDelayMax  time.Duration
	HardDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.SoftThreshold <= 0 {
		c.SoftThreshold = DefaultSoftThreshold
	}
	if c.HardThreshold <= 0 {
		c.HardThreshold = DefaultHardThreshold
	}
	if c.SoftDelayMax <= 0 {
		c.SoftDelayMax = DefaultSoftDelayMax
	}
	if c.HardDelay <= 0 {
		c.HardDelay = DefaultHardDelay
	}
	return c
}

// Decision is the outcome of a throttling check.
type Decision struct {
	CanProceed bool
	Delay      time.Duration // pre-send pause when proceeding
	RetryIn    time.Duration // wait until the window frees up when blocked
	Reason     string        // "ok", "throttled", "near_limit", or "exhausted"
}

// Statistics is a snapshot of the limiter's local counters. It is recomputed
// on every call; server-reported header values are echoed for diagnostics but
// never folded into Remaining (they only lower the quota used by
// CheckAndThrottle decisions).
type Statistics struct {
	TotalRequests   int
	Limit           int
	Remaining       int
	UsagePercent    float64
	WindowResets    time.Time
	ServerRemaining int // -1 when no rate-limit headers have been seen
	ServerLimit     int // -1 when no rate-limit headers have been seen
}

// Limiter tracks requests issued by this process over a rolling window and
// reconciles the local count with rate-limit headers reported by the API.
// All methods are safe for concurrent use.
type Limiter struct {
	mu  sync.Mutex
	cfg Config

	stamps          []time.Time
	serverRemaining int
	serverLimit     int
	serverSeen      time.Time // when the last rate-limit headers arrived

	now func() time.Time
}

// New creates a Limiter with the given configuration.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:             cfg.withDefaults(),
		serverRemaining: -1,
		serverLimit:     -1,
		now:             time.Now,
	}
}

// prune drops timestamps that have slid out of the window, and forgets
// server-reported quota once the window that contained it has rolled over.
// A stale server zero would otherwise block forever: while blocked no request
// is sent, so no fresh headers can ever arrive to clear it. Callers must
// hold mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
	if !l.serverSeen.IsZero() && !l.serverSeen.After(cutoff) {
		l.serverRemaining = -1
		l.serverLimit = -1
		l.serverSeen = time.Time{}
	}
}

// effectiveRemaining takes the more conservative of the local remaining quota
// and the last server-reported remaining quota. Callers must hold mu.
func (l *Limiter) effectiveRemaining() int {
	remaining := l.cfg.Limit - len(l.stamps)
	if l.serverRemaining >= 0 && l.serverRemaining < remaining {
		remaining = l.serverRemaining
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// CheckAndThrottle decides whether a request may be sent now and how long the
// caller should pause first. It never mutates the request count; callers must
// invoke RecordRequest after the request has actually been dispatched.
func (l *Limiter) CheckAndThrottle() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	remaining := l.effectiveRemaining()
	if remaining == 0 {
		// Waiting RetryIn must actually unblock: take the later of when the
		// oldest local stamp slides out and when the server-reported zero is
		// forgotten, whichever constraint binds.
		var retryIn time.Duration
		if len(l.stamps) >= l.cfg.Limit {
			retryIn = l.stamps[0].Add(l.cfg.Window).Sub(now)
		}
		if l.serverRemaining == 0 && !l.serverSeen.IsZero() {
			if s := l.serverSeen.Add(l.cfg.Window).Sub(now); s > retryIn {
				retryIn = s
			}
		}
		if retryIn <= 0 {
			retryIn = l.cfg.Window
		}
		log.Warn().Dur("retry_in", retryIn).Msg("Rate limit window exhausted, request blocked")
		return Decision{CanProceed: false, RetryIn: retryIn, Reason: "exhausted"}
	}

	used := float64(l.cfg.Limit-remaining) / float64(l.cfg.Limit)
	switch {
	case used < l.cfg.SoftThreshold:
		return Decision{CanProceed: true, Reason: "ok"}
	case used < l.cfg.HardThreshold:
		frac := (used - l.cfg.SoftThreshold) / (l.cfg.HardThreshold - l.cfg.SoftThreshold)
		delay := time.Duration(frac * float64(l.cfg.SoftDelayMax))
		return Decision{CanProceed: true, Delay: delay, Reason: "throttled"}
	default:
		log.Debug().Float64("used", used).Msg("Rate limit usage high, applying aggressive throttle")
		return Decision{CanProceed: true, Delay: l.cfg.HardDelay, Reason: "near_limit"}
	}
}

// RecordRequest counts one dispatched request against the current window.
func (l *Limiter) RecordRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	l.stamps = append(l.stamps, now)
}

// UpdateFromHeaders folds the API's rate-limit headers into the limiter state.
// Missing or malformed headers are ignored.
func (l *Limiter) UpdateFromHeaders(h http.Header) {
	if h == nil {
		return
	}
	remaining, okR := parseHeaderInt(h, "X-RateLimit-Remaining")
	limit, okL := parseHeaderInt(h, "X-RateLimit-Limit")
	if !okR && !okL {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if okR {
		l.serverRemaining = remaining
	}
	if okL {
		l.serverLimit = limit
	}
	l.serverSeen = l.now()
	log.Debug().
		Int("server_remaining", l.serverRemaining).
		Int("server_limit", l.serverLimit).
		Msg("Updated rate limit state from response headers")
}

// Statistics returns a snapshot recomputed from the current counters.
func (l *Limiter) Statistics() Statistics {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	count := len(l.stamps)
	resets := now
	if count > 0 {
		resets = l.stamps[0].Add(l.cfg.Window)
	}
	return Statistics{
		TotalRequests:   count,
		Limit:           l.cfg.Limit,
		Remaining:       l.cfg.Limit - count,
		UsagePercent:    float64(count) / float64(l.cfg.Limit) * 100,
		WindowResets:    resets,
		ServerRemaining: l.serverRemaining,
		ServerLimit:     l.serverLimit,
	}
}

// Reset clears all counters and forgets any server-reported state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stamps = l.stamps[:0]
	l.serverRemaining = -1
	l.serverLimit = -1
	l.serverSeen = time.Time{}
}

func parseHeaderInt(h http.Header, key string) (int, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
