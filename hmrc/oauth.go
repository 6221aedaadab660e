package hmrc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bitbucket.org/finfolio/selfassess_backend/config"
	"bitbucket.org/finfolio/selfassess_backend/models"
)

// OAuthClient exchanges codes and refresh tokens against HMRC's token endpoint.
// It owns the network call and nothing else; persisting the resulting grant is
// the caller's job.
type OAuthClient struct {
	cfg  config.HmrcConfig
	http *http.Client
}

func NewOAuthClient(cfg config.HmrcConfig, httpClient *http.Client) *OAuthClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	return &OAuthClient{cfg: cfg, http: httpClient}
}

// AuthExchangeError is a non-2xx response from the token endpoint, carrying
// HMRC's error code and description verbatim.
type AuthExchangeError struct {
	Status      int
	Code        string
	Description string
}

func (e *AuthExchangeError) Error() string {
	return fmt.Sprintf("hmrc token exchange failed (status %d): %s: %s", e.Status, e.Code, e.Description)
}

// AuthorizationURL builds the redirect target for the authorize step.
// Deterministic, no network call.
func (c *OAuthClient) AuthorizationURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("scope", strings.Join(c.cfg.Scopes, " "))
	q.Set("state", state)
	return c.cfg.AuthBaseURL + "/oauth/authorize?" + q.Encode()
}

// ExchangeCode swaps an authorization code for a grant. ExpiresAt on the
// returned record is absolute: now + expires_in.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (*models.HmrcToken, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	return c.tokenRequest(ctx, form, false)
}

// Refresh swaps a refresh token for a new grant. An invalid_grant response
// means the refresh token was already rotated or revoked; that surfaces as
// ErrRefreshInvalid so callers force a full re-authorization instead of looping.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*models.HmrcToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, form, true)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *OAuthClient) tokenRequest(ctx context.Context, form url.Values, isRefresh bool) (*models.HmrcToken, error) {
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	endpoint := c.cfg.APIBaseURL + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var oauthErr tokenErrorResponse
		_ = json.Unmarshal(body, &oauthErr)
		if isRefresh && oauthErr.Error == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", ErrRefreshInvalid, oauthErr.ErrorDescription)
		}
		return nil, &AuthExchangeError{
			Status:      resp.StatusCode,
			Code:        oauthErr.Error,
			Description: oauthErr.ErrorDescription,
		}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("hmrc token response malformed: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, &AuthExchangeError{Status: resp.StatusCode, Code: "empty_access_token"}
	}

	tokenType := parsed.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}

	return &models.HmrcToken{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		TokenType:    tokenType,
		Scope:        parsed.Scope,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}
