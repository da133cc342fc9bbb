package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/habedi/crmkit/store"
)

// DefaultRefreshBuffer is the lead time before expiry at which a token is
// treated as no longer valid and refreshed proactively.
const DefaultRefreshBuffer = 5 * time.Minute

// TokenResponse is the body returned by the OAuth token endpoint for both the
// authorization-code and refresh-token grants.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error,omitempty"`
	ErrorDesc    string `json:"error_description,omitempty"`
}

// Exchanger performs grants against the OAuth token endpoint.
type Exchanger interface {
	ExchangeCode(ctx context.Context, code string) (*TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// Service owns the OAuth token lifecycle on top of a passive token store.
// Refreshes are collapsed through a single-flight group so concurrent callers
// trigger at most one exchange and all observe the same resulting record.
type Service struct {
	store     store.Store
	exchanger Exchanger
	buffer    time.Duration
	group     singleflight.Group

	now func() time.Time
}

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	RefreshBuffer time.Duration
	Now           func() time.Time // test hook
}

// NewService is the constructor for the token service.
func NewService(st store.Store, ex Exchanger, opts Options) *Service {
	buffer := opts.RefreshBuffer
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{store: st, exchanger: ex, buffer: buffer, now: now}
}

// GetValidAccessToken returns an access token that is valid right now, or ""
// when the caller must (re-)authorize. A token inside the refresh buffer is
// refreshed before being returned; if the refresh fails the empty string is
// returned rather than an expired token.
func (s *Service) GetValidAccessToken(ctx context.Context) (string, error) {
	rec, err := s.store.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve token record: %w", err)
	}
	if rec == nil {
		return "", nil
	}
	if s.isValid(rec) {
		return rec.AccessToken, nil
	}

	log.Info().Msg("Access token expired or expiring soon, refreshing")
	rec, err = s.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// HasValidTokens reports whether a usable token pair is currently stored.
func (s *Service) HasValidTokens(ctx context.Context) bool {
	rec, err := s.store.Get(ctx)
	if err != nil || rec == nil {
		return false
	}
	return s.isValid(rec)
}

// isValid applies the refresh buffer to the stored expiry.
func (s *Service) isValid(rec *store.Record) bool {
	if rec.AccessToken == "" || rec.ExpiresAt.IsZero() {
		return false
	}
	return s.now().Add(s.buffer).Before(rec.ExpiresAt)
}

// StoreTokens validates a token-endpoint response and writes a new record,
// replacing whatever was stored before.
func (s *Service) StoreTokens(ctx context.Context, resp *TokenResponse) error {
	_, err := s.storeTokens(ctx, resp)
	return err
}

func (s *Service) storeTokens(ctx context.Context, resp *TokenResponse) (*store.Record, error) {
	if resp == nil || resp.AccessToken == "" {
		return nil, fmt.Errorf("token response is missing access_token")
	}
	now := s.now()
	rec := &store.Record{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save token record: %w", err)
	}
	log.Info().Time("expires_at", rec.ExpiresAt).Msg("Token pair stored")
	return rec, nil
}

// Refresh exchanges the stored refresh token for a new token pair. Concurrent
// callers share a single in-flight exchange. A failed refresh clears the
// stored tokens; the caller must re-authorize.
func (s *Service) Refresh(ctx context.Context) (*store.Record, error) {
	v, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		return s.doRefresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Record), nil
}

func (s *Service) doRefresh(ctx context.Context) (*store.Record, error) {
	rec, err := s.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve token record: %w", err)
	}
	if rec == nil || rec.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token stored; please authorize first")
	}

	resp, err := s.exchanger.RefreshToken(ctx, rec.RefreshToken)
	if err != nil {
		log.Error().Err(err).Msg("Token refresh failed, clearing stored tokens")
		if clearErr := s.store.Delete(ctx); clearErr != nil {
			log.Error().Err(clearErr).Msg("Failed to clear tokens after refresh failure")
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	// Return the record we just wrote rather than re-reading the store: a
	// concurrent ClearTokens landing between the write and a re-read would
	// hand the caller a nil record with a nil error.
	return s.storeTokens(ctx, resp)
}

// ExchangeCode performs the one-shot authorization-code exchange and stores
// the resulting token pair.
func (s *Service) ExchangeCode(ctx context.Context, code string) error {
	if code == "" {
		return fmt.Errorf("authorization code is empty")
	}
	resp, err := s.exchanger.ExchangeCode(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return s.StoreTokens(ctx, resp)
}

// ClearTokens deletes the stored token pair.
func (s *Service) ClearTokens(ctx context.Context) error {
	if err := s.store.Delete(ctx); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	log.Info().Msg("Stored tokens cleared")
	return nil
}
