package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/habedi/crmkit/apierr"
)

// OAuthConfig holds the client credentials for the token endpoint.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration // per-exchange HTTP timeout, default 30s
}

// OAuthExchanger implements Exchanger against a real OAuth token endpoint.
type OAuthExchanger struct {
	cfg    OAuthConfig
	client *http.Client
}

// NewOAuthExchanger validates the client credentials eagerly; missing
// configuration is a fatal, non-retryable condition detected here rather than
// on the first request.
func NewOAuthExchanger(cfg OAuthConfig) (*OAuthExchanger, error) {
	var missing []string
	if cfg.TokenURL == "" {
		missing = append(missing, "token URL")
	}
	if cfg.ClientID == "" {
		missing = append(missing, "client id")
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, "client secret")
	}
	if cfg.RedirectURL == "" {
		missing = append(missing, "redirect URL")
	}
	if len(missing) > 0 {
		return nil, apierr.New(apierr.Configuration,
			fmt.Sprintf("missing OAuth configuration: %s", strings.Join(missing, ", ")), nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OAuthExchanger{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// ExchangeCode trades an authorization code for a token pair.
func (e *OAuthExchanger) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{
		"client_id":     {e.cfg.ClientID},
		"client_secret": {e.cfg.ClientSecret},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {e.cfg.RedirectURL},
	}
	return e.post(ctx, form)
}

// RefreshToken trades a refresh token for a new token pair.
func (e *OAuthExchanger) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"client_id":     {e.cfg.ClientID},
		"client_secret": {e.cfg.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return e.post(ctx, form)
}

func (e *OAuthExchanger) post(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	grant := form.Get("grant_type")
	log.Debug().Str("grant_type", grant).Msg("Posting to token endpoint")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("token endpoint returned status %d: %s",
			resp.StatusCode, apierr.ParseMessage(body))
	}

	var result TokenResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if result.Error != "" {
		msg := result.ErrorDesc
		if msg == "" {
			msg = result.Error
		}
		return nil, fmt.Errorf("token endpoint error: %s", msg)
	}
	return &result, nil
}
