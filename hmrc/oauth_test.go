package hmrc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"bitbucket.org/finfolio/selfassess_backend/config"
)

func testOAuthConfig(tokenBase string) config.HmrcConfig {
	return config.HmrcConfig{
		APIBaseURL:   tokenBase,
		AuthBaseURL:  "https://test-www.tax.service.gov.uk",
		ClientID:     "client-abc",
		ClientSecret: "secret-xyz",
		RedirectURI:  "https://app.example.com/hmrc/callback",
		Scopes:       []string{"read:self-assessment", "write:self-assessment"},
		HTTPTimeout:  5 * time.Second,
	}
}

func TestAuthorizationURL(t *testing.T) {
	c := NewOAuthClient(testOAuthConfig("https://test-api.service.hmrc.gov.uk"), nil)

	raw := c.AuthorizationURL("state-123")
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("authorize URL does not parse: %v", err)
	}
	if parsed.Path != "/oauth/authorize" {
		t.Fatalf("unexpected path %q", parsed.Path)
	}
	q := parsed.Query()
	expected := map[string]string{
		"response_type": "code",
		"client_id":     "client-abc",
		"redirect_uri":  "https://app.example.com/hmrc/callback",
		"scope":         "read:self-assessment write:self-assessment",
		"state":         "state-123",
	}
	for key, want := range expected {
		if got := q.Get(key); got != want {
			t.Fatalf("query %s = %q, expected %q", key, got, want)
		}
	}
}

func TestExchangeCode_Success(t *testing.T) {
	var seenForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		seenForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"bearer","scope":"read:self-assessment","expires_in":14400}`))
	}))
	defer server.Close()

	c := NewOAuthClient(testOAuthConfig(server.URL), server.Client())
	before := time.Now().UTC()
	tok, err := c.ExchangeCode(context.Background(), "auth-code-9")
	if err != nil {
		t.Fatalf("ExchangeCode error: %v", err)
	}

	if seenForm.Get("grant_type") != "authorization_code" {
		t.Fatalf("grant_type = %q", seenForm.Get("grant_type"))
	}
	if seenForm.Get("code") != "auth-code-9" {
		t.Fatalf("code = %q", seenForm.Get("code"))
	}
	if seenForm.Get("client_id") != "client-abc" || seenForm.Get("client_secret") != "secret-xyz" {
		t.Fatal("client credentials missing from form")
	}
	if tok.AccessToken != "at-1" || tok.RefreshToken != "rt-1" {
		t.Fatalf("unexpected token %+v", tok)
	}

	// ExpiresAt must be absolute, roughly now + expires_in.
	want := before.Add(14400 * time.Second)
	if tok.ExpiresAt.Before(want.Add(-10*time.Second)) || tok.ExpiresAt.After(want.Add(time.Minute)) {
		t.Fatalf("ExpiresAt %v not near %v", tok.ExpiresAt, want)
	}
}

func TestRefresh_InvalidGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token already used"}`))
	}))
	defer server.Close()

	c := NewOAuthClient(testOAuthConfig(server.URL), server.Client())
	_, err := c.Refresh(context.Background(), "rt-stale")
	if !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid, got %v", err)
	}
}

func TestExchangeCode_ErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client","error_description":"unknown client id"}`))
	}))
	defer server.Close()

	c := NewOAuthClient(testOAuthConfig(server.URL), server.Client())
	_, err := c.ExchangeCode(context.Background(), "code")

	var exchErr *AuthExchangeError
	if !errors.As(err, &exchErr) {
		t.Fatalf("expected AuthExchangeError, got %v", err)
	}
	if exchErr.Status != http.StatusUnauthorized || exchErr.Code != "invalid_client" {
		t.Fatalf("unexpected exchange error %+v", exchErr)
	}

	// invalid_grant is only special on the refresh path.
	if errors.Is(err, ErrRefreshInvalid) {
		t.Fatal("exchange error must not map to ErrRefreshInvalid")
	}
}

func TestExchangeCode_EmptyAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token_type":"bearer","expires_in":14400}`))
	}))
	defer server.Close()

	c := NewOAuthClient(testOAuthConfig(server.URL), server.Client())
	_, err := c.ExchangeCode(context.Background(), "code")
	var exchErr *AuthExchangeError
	if !errors.As(err, &exchErr) {
		t.Fatalf("expected AuthExchangeError, got %v", err)
	}
}
