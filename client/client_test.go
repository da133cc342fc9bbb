package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habedi/crmkit/apierr"
	"github.com/habedi/crmkit/auth"
	"github.com/habedi/crmkit/ratelimit"
	"github.com/habedi/crmkit/store"
)

type stubExchanger struct {
	refreshCalls  atomic.Int64
	exchangeCalls atomic.Int64
	exchangeErr   error
}

func (s *stubExchanger) RefreshToken(ctx context.Context, refreshToken string) (*auth.TokenResponse, error) {
	s.refreshCalls.Add(1)
	return &auth.TokenResponse{
		AccessToken:  "refreshed-token",
		RefreshToken: "next-refresh",
		ExpiresIn:    3600,
	}, nil
}

func (s *stubExchanger) ExchangeCode(ctx context.Context, code string) (*auth.TokenResponse, error) {
	s.exchangeCalls.Add(1)
	if s.exchangeErr != nil {
		return nil, s.exchangeErr
	}
	return &auth.TokenResponse{AccessToken: "exchanged", ExpiresIn: 3600}, nil
}

// sleepRecorder replaces the client's sleep so tests run instantly while
// still observing every backoff and throttle wait.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return nil
}

func (r *sleepRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.sleeps))
	copy(out, r.sleeps)
	return out
}

type testRig struct {
	client    *Client
	tokens    *auth.Service
	exchanger *stubExchanger
	sleeps    *sleepRecorder
}

func newTestRig(t *testing.T, baseURL string, cfg Config) *testRig {
	t.Helper()
	ex := &stubExchanger{}
	tokens := auth.NewService(store.NewMemory(store.Config{}), ex, auth.Options{})
	cfg.BaseURL = baseURL
	c, err := New(cfg, tokens, ratelimit.New(ratelimit.Config{Limit: 1000}))
	require.NoError(t, err)
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return &testRig{client: c, tokens: tokens, exchanger: ex, sleeps: rec}
}

func (r *testRig) authorize(t *testing.T) {
	t.Helper()
	require.NoError(t, r.tokens.StoreTokens(context.Background(), &auth.TokenResponse{
		AccessToken:  "test-token",
		RefreshToken: "test-refresh",
		ExpiresIn:    3600,
	}))
}

func TestNew_RequiresBaseURL(t *testing.T) {
	tokens := auth.NewService(store.NewMemory(store.Config{}), &stubExchanger{}, auth.Options{})
	_, err := New(Config{}, tokens, nil)
	require.Error(t, err)

	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.Configuration, apiErr.Kind)
}

func TestRequest_Success(t *testing.T) {
	var gotAuth, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("X-Api-Version")
		w.Header().Set("X-RateLimit-Remaining", "99")
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Write([]byte(`{"id":42,"title":"Big deal"}`))
	}))
	defer server.Close()

	rig := newTestRig(t, server.URL, Config{})
	rig.authorize(t)

	out, err := rig.client.Request(context.Background(), http.MethodGet, "/deals/42", nil)
	require.NoError(t, err)
	require.True(t, out.OK())

	var deal struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	}
	require.NoError(t, out.Decode(&deal))
	assert.Equal(t, 42, deal.ID)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, DefaultAPIVersion, gotVersion)

	stats := rig.client.Stats()
	assert.Equal(t, 1, stats.TotalRequests)
	assert.Equal(t, 99, stats.ServerRemaining)
}

func TestRequest_NoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	rig := newTestRig(t, server.URL, Config{})
	rig.authorize(t)

	out, err := rig.client.Request(context.Background(), http.MethodDelete, "/deals/42", nil)
	require.NoError(t, err)
	assert.True(t, out.NoContent)
	assert.Equal(t, http.StatusNoContent, out.Status)
	assert.Error(t, out.Decode(&struct{}{}))
}

func TestRequest_RetriesServerErrorThenSucceeds(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message":"upstream exploded"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	rig := newTestRig(t, server.URL, Config{MaxAttempts: 3})
	rig.authorize(t)

	out, err := rig.client.Request(context.Background(), http.MethodGet, "/projects", nil)
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Equal(t, int64(3), attempts.Load())

	records := rig.client.CallLog().Records()
	require.Len(t, records, 3)
	assert.Equal(t, 500, records[0].Status)
	assert.Equal(t, 500, records[1].Status)
	assert.Equal(t, 200, records[2].Status)
	for i, r := range records {
		assert.Equal(t, i+1, r.Attempt)
	}

	// Two backoff sleeps, the second longer before jitter: with ±25% jitter
	// the second must still exceed half the first's nominal doubling.
	sleeps := rig.sleeps.all()
	require.Len(t, sleeps, 2)
	assert.Greater(t, sleeps[1], sleeps[0])
}

func TestRequest_NoRetryOnUnauthorized(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"bad token"}`))
	}))
	defer server.Close()

	rig := newTestRig(t, server.URL, Config{})
	rig.authorize(t)

	out, err := rig.client.Request(context.Background(), http.MethodGet, "/me", nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), attempts.Load())

	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.Unauthorized, apiErr.Kind)
	assert.Equal(t, 401, apiErr.StatusCode)
	assert.Same(t, apiErr, out.Err, "outcome and error must carry the same classification")
}

func TestRequest_NoRetryOnValidation(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"errors":[{"title":"Name is required"}]}`))
	}))
	defer server.Close()

	rig := newTestRig(t, server.URL, Config{})
	rig.authorize(t)

	_, err := rig.client.Request(context.Background(), http.MethodPost, "/deals",
		map[string]string{"title": ""})
	require.Error(t, err)
	assert.Equal(t, int64(1), attempts.Load())

	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.Validation, apiErr.Kind)
	assert.Equal(t, "Name is required", apiErr.Message)
}

func TestRequest_RetryAfterWinsOverBackoff(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	rig := newTestRig(t, server.URL, Config{BackoffBase: 10 * time.Millisecond})
	rig.authorize(t)

	_, err := rig.client.Request(context.Background(), http.MethodGet, "/deals", nil)
	require.NoError(t, err)

	sleeps := rig.sleeps.all()
	require.NotEmpty(t, sleeps)
	assert.Equal(t, 7*time.Second, sleeps[0], "server Retry-After must override the computed backoff")
}

func TestRequest_TransportErrorRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listens anymore

	rig := newTestRig(t, server.URL, Config{MaxAttempts: 3})
	rig.authorize(t)

	_, err := rig.client.Request(context.Background(), http.MethodGet, "/deals", nil)
	require.Error(t, err)

	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.Transport, apiErr.Kind)
	assert.Len(t, rig.client.CallLog().Records(), 3, "transport failures count as attempts")
}

func TestRequest_UnauthenticatedFailsWithoutNetworkCall(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer server.Close()

	rig := newTestRig(t, server.URL, Config{})
	// no authorize

	_, err := rig.client.Request(context.Background(), http.MethodGet, "/deals", nil)
	require.Error(t, err)

	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.Unauthorized, apiErr.Kind)
	assert.Zero(t, attempts.Load())

	// The attempt still shows up in the call log, with no response status.
	records := rig.client.CallLog().Records()
	require.Len(t, records, 1)
	assert.Zero(t, records[0].Status)
	assert.Equal(t, "/deals", records[0].Path)
}

func TestRequest_RefreshesExpiringTokenBeforeSend(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	rig := newTestRig(t, server.URL, Config{})
	// Expires in 2 seconds; inside the default 5-minute refresh buffer.
	require.NoError(t, rig.tokens.StoreTokens(context.Background(), &auth.TokenResponse{
		AccessToken:  "nearly-dead",
		RefreshToken: "refresh-me",
		ExpiresIn:    2,
	}))

	_, err := rig.client.Request(context.Background(), http.MethodGet, "/deals", nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), rig.exchanger.refreshCalls.Load(), "exactly one refresh before sending")
	assert.Equal(t, "Bearer refreshed-token", gotAuth)
}

func TestRequest_BlockedWhenWindowStaysExhausted(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	ex := &stubExchanger{}
	tokens := auth.NewService(store.NewMemory(store.Config{}), ex, auth.Options{})
	c, err := New(Config{BaseURL: server.URL, MaxAttempts: 2},
		tokens, ratelimit.New(ratelimit.Config{Limit: 1, Window: time.Hour}))
	require.NoError(t, err)
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	require.NoError(t, tokens.StoreTokens(context.Background(), &auth.TokenResponse{
		AccessToken: "t", ExpiresIn: 3600,
	}))

	_, err = c.Request(context.Background(), http.MethodGet, "/ping", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), attempts.Load())

	// The stubbed sleep never lets the hour-long window roll over, so the
	// bounded one-wait-per-attempt rule must surface a rate-limit error.
	_, err = c.Request(context.Background(), http.MethodGet, "/ping", nil)
	require.Error(t, err)

	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.RateLimited, apiErr.Kind)
	assert.Equal(t, int64(1), attempts.Load(), "blocked attempts must not reach the server")

	// Both blocked attempts are logged with a zero status, after the one
	// successful call.
	records := c.CallLog().Records()
	require.Len(t, records, 3)
	assert.Equal(t, 200, records[0].Status)
	assert.Zero(t, records[1].Status)
	assert.Zero(t, records[2].Status)
}

func TestRequest_PacerGatesThroughput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	// 50 rps with a burst of one means each request after the first waits
	// roughly 20ms for the next token.
	rig := newTestRig(t, server.URL, Config{PaceRPS: 50, PaceBurst: 1})
	require.NotNil(t, rig.client.pacer)
	rig.authorize(t)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := rig.client.Request(context.Background(), http.MethodGet, "/deals", nil)
		require.NoError(t, err)
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond,
		"three paced requests must not complete as a burst")
}

func TestNew_PacerDisabledByDefault(t *testing.T) {
	rig := newTestRig(t, "https://api.example.com", Config{})
	assert.Nil(t, rig.client.pacer)
}

func TestSetAccessToken_And_Logout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	rig := newTestRig(t, server.URL, Config{})
	ctx := context.Background()

	assert.False(t, rig.client.IsAuthenticated(ctx))
	require.NoError(t, rig.client.SetAccessToken(ctx, "manual-token"))
	assert.True(t, rig.client.IsAuthenticated(ctx))

	out, err := rig.client.Request(ctx, http.MethodGet, "/me", nil)
	require.NoError(t, err)
	assert.True(t, out.OK())

	require.NoError(t, rig.client.Logout(ctx))
	assert.False(t, rig.client.IsAuthenticated(ctx))
}

func TestHandleOAuthCallback(t *testing.T) {
	rig := newTestRig(t, "https://api.example.com", Config{})

	ok, err := rig.client.HandleOAuthCallback(context.Background(), "good-code", "state-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, rig.client.IsAuthenticated(context.Background()))
}

func TestHandleOAuthCallback_EmptyCode(t *testing.T) {
	rig := newTestRig(t, "https://api.example.com", Config{})

	ok, err := rig.client.HandleOAuthCallback(context.Background(), "", "")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestHandleOAuthCallback_RejectedCodeNotRetried(t *testing.T) {
	rig := newTestRig(t, "https://api.example.com", Config{})
	rig.exchanger.exchangeErr = errors.New("invalid_grant")

	ok, err := rig.client.HandleOAuthCallback(context.Background(), "bad-code", "")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), rig.exchanger.exchangeCalls.Load())
}
