package hmrc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/finfolio/selfassess_backend/config"
	"bitbucket.org/finfolio/selfassess_backend/models"
)

type fakeStateStore struct {
	mu     sync.Mutex
	states map[string]int
	seq    int
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: map[string]int{}}
}

func (s *fakeStateStore) IssueState(_ context.Context, userId int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	state := fmt.Sprintf("state-%d", s.seq)
	s.states[state] = userId
	return state, nil
}

func (s *fakeStateStore) ConsumeState(_ context.Context, state string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userId, ok := s.states[state]
	if !ok {
		return 0, ErrStateInvalid
	}
	delete(s.states, state)
	return userId, nil
}

type fakeSubmissionStore struct {
	mu        sync.Mutex
	subs      []models.HmrcPeriodSubmission
	upsertErr error
	upserts   int
}

func (s *fakeSubmissionStore) Upsert(_ context.Context, sub *models.HmrcPeriodSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.upsertErr != nil {
		return s.upsertErr
	}
	for i, existing := range s.subs {
		if existing.BusinessId == sub.BusinessId && existing.TaxYear == sub.TaxYear &&
			existing.PeriodFrom.Equal(sub.PeriodFrom) && existing.PeriodTo.Equal(sub.PeriodTo) {
			s.subs[i] = *sub
			return nil
		}
	}
	s.subs = append(s.subs, *sub)
	return nil
}

func (s *fakeSubmissionStore) rows() []models.HmrcPeriodSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.HmrcPeriodSubmission, len(s.subs))
	copy(out, s.subs)
	return out
}

type fakeObligationCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newFakeObligationCache() *fakeObligationCache {
	return &fakeObligationCache{entries: map[string]string{}}
}

func (c *fakeObligationCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, ok := c.entries[key]
	return val, ok, nil
}

func (c *fakeObligationCache) Set(_ context.Context, key string, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *fakeObligationCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *fakeObligationCache) DeleteByPrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	return nil
}

type serviceFixture struct {
	svc     *Service
	tokens  *fakeTokenStore
	logs    *fakeLogStore
	subs    *fakeSubmissionStore
	states  *fakeStateStore
	refresh *fakeRefreshEndpoint
	apiHits *atomic.Int32
	server  *httptest.Server
}

func newServiceFixture(t *testing.T, handler http.HandlerFunc) *serviceFixture {
	t.Helper()

	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/oauth/") {
			hits.Add(1)
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	cfg := config.HmrcConfig{
		APIBaseURL:     server.URL,
		AuthBaseURL:    server.URL,
		ClientID:       "client-abc",
		ClientSecret:   "secret-xyz",
		RedirectURI:    "https://app.example.com/hmrc/callback",
		Scopes:         []string{"read:self-assessment", "write:self-assessment"},
		ProductName:    "finfolio-selfassess",
		ProductVersion: "1.4.2",
		HTTPTimeout:    5 * time.Second,
	}

	tokens := newFakeTokenStore()
	logs := &fakeLogStore{}
	subs := &fakeSubmissionStore{}
	states := newFakeStateStore()
	refresh := &fakeRefreshEndpoint{}

	builder := NewHeaderBuilder(cfg)
	builder.localIPs = "10.0.0.5"

	svc := NewService(
		cfg,
		server.Client(),
		tokens,
		subs,
		NewOAuthClient(cfg, server.Client()),
		NewRefresher(tokens, refresh, nil),
		states,
		builder,
		NewCallLogger(logs, quietLogger()),
		nil,
		quietLogger(),
	)
	svc.retry = retryConfig{maxAttempts: 3, baseBackoff: time.Millisecond, maxBackoff: 4 * time.Millisecond}

	return &serviceFixture{
		svc: svc, tokens: tokens, logs: logs, subs: subs,
		states: states, refresh: refresh, apiHits: hits, server: server,
	}
}

func (f *serviceFixture) seedToken(t *testing.T, userId int, accessToken string, expiresAt time.Time) {
	t.Helper()
	err := f.tokens.Upsert(context.Background(), &models.HmrcToken{
		UserId:       userId,
		AccessToken:  accessToken,
		RefreshToken: "seed-refresh",
		TokenType:    "bearer",
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		t.Fatalf("seed token: %v", err)
	}
}

func browserHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	h.Set("X-Device-Id", "dev-42")
	return h
}

const testRemoteAddr = "192.0.2.10:40000"

func samplePeriod() PeriodData {
	return PeriodData{
		PeriodFrom: "2025-04-06",
		PeriodTo:   "2025-07-05",
		Incomes: PeriodIncome{
			Turnover: decimal.NewFromInt(12500),
			Other:    decimal.NewFromInt(150),
		},
		Expenses: &PeriodExpenses{
			CostOfGoods: decimal.NewFromInt(4200),
			Premises:    decimal.NewFromInt(800),
		},
	}
}

/* authorization flow */

func TestAuthorizationRoundTrip(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","token_type":"bearer","expires_in":14400}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	ctx := context.Background()

	redirectURL, state, err := f.svc.StartAuthorization(ctx, 7)
	if err != nil {
		t.Fatalf("StartAuthorization error: %v", err)
	}
	if !strings.Contains(redirectURL, "state="+state) {
		t.Fatalf("authorize URL %q missing issued state %q", redirectURL, state)
	}

	userId, err := f.svc.HandleCallback(ctx, "auth-code", state, state)
	if err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}
	if userId != 7 {
		t.Fatalf("callback resolved user %d, expected 7", userId)
	}

	stored, _ := f.tokens.Get(ctx, 7)
	if stored == nil || stored.AccessToken != "at-new" {
		t.Fatalf("exchanged grant not persisted: %+v", stored)
	}
}

func TestHandleCallback_FailsClosed(t *testing.T) {
	var tokenEndpointHits atomic.Int32
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			tokenEndpointHits.Add(1)
			w.Write([]byte(`{"access_token":"at-new","token_type":"bearer","expires_in":14400}`))
		}
	})
	ctx := context.Background()

	_, state, err := f.svc.StartAuthorization(ctx, 7)
	if err != nil {
		t.Fatalf("StartAuthorization error: %v", err)
	}

	cases := []struct {
		name        string
		state       string
		cookieState string
	}{
		{"cookie mismatch", state, "state-forged"},
		{"missing cookie", state, ""},
		{"unknown state", "state-unknown", "state-unknown"},
	}
	for _, tc := range cases {
		_, err := f.svc.HandleCallback(ctx, "auth-code", tc.state, tc.cookieState)
		if !errors.Is(err, ErrStateInvalid) {
			t.Fatalf("%s: expected ErrStateInvalid, got %v", tc.name, err)
		}
	}

	// A consumed state cannot be replayed.
	if _, err := f.svc.HandleCallback(ctx, "auth-code", state, state); err != nil {
		t.Fatalf("first use of valid state failed: %v", err)
	}
	if _, err := f.svc.HandleCallback(ctx, "auth-code", state, state); !errors.Is(err, ErrStateInvalid) {
		t.Fatalf("replayed state: expected ErrStateInvalid, got %v", err)
	}

	if tokenEndpointHits.Load() != 1 {
		t.Fatalf("token endpoint hit %d times, expected only the one valid callback", tokenEndpointHits.Load())
	}
}

/* call pipeline */

func TestDoCall_NoStoredToken_NoNetworkCall(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	_, err := f.svc.ListBusinesses(context.Background(), 7, "AB123456C", browserHeaders(), testRemoteAddr)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if f.apiHits.Load() != 0 {
		t.Fatalf("expected zero upstream calls, got %d", f.apiHits.Load())
	}
	if f.refresh.callCount() != 0 {
		t.Fatalf("expected zero refresh calls, got %d", f.refresh.callCount())
	}
}

func TestDoCall_SendsAuthAcceptAndFraudHeaders(t *testing.T) {
	var seen http.Header
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Write([]byte(`{"listOfBusinesses":[]}`))
	})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))

	if _, err := f.svc.ListBusinesses(context.Background(), 7, "AB123456C", browserHeaders(), testRemoteAddr); err != nil {
		t.Fatalf("ListBusinesses error: %v", err)
	}

	if got := seen.Get("Authorization"); got != "Bearer seed-token" {
		t.Fatalf("Authorization = %q", got)
	}
	if got := seen.Get("Accept"); got != "application/vnd.hmrc.2.0+json" {
		t.Fatalf("Accept = %q", got)
	}
	for _, name := range mandatedHeaders {
		if seen.Get(name) == "" {
			t.Fatalf("mandated fraud header %s missing from outbound request", name)
		}
	}
	if got := seen.Get("Gov-Client-User-IDs"); got != "finfolio-selfassess=7" {
		t.Fatalf("Gov-Client-User-IDs = %q", got)
	}
}

func TestDoCall_ExpiringToken_RefreshedOnceAndUsed(t *testing.T) {
	var authSeen string
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		authSeen = r.Header.Get("Authorization")
		w.Write([]byte(`{"listOfBusinesses":[]}`))
	})
	// 30s out is inside the 60s refresh window.
	f.seedToken(t, 7, "nearly-stale", time.Now().Add(30*time.Second))

	if _, err := f.svc.ListBusinesses(context.Background(), 7, "AB123456C", browserHeaders(), testRemoteAddr); err != nil {
		t.Fatalf("ListBusinesses error: %v", err)
	}

	if f.refresh.callCount() != 1 {
		t.Fatalf("expected exactly one refresh, got %d", f.refresh.callCount())
	}
	if authSeen == "Bearer nearly-stale" {
		t.Fatal("stale token sent upstream after refresh")
	}
	stored, _ := f.tokens.Get(context.Background(), 7)
	if "Bearer "+stored.AccessToken != authSeen {
		t.Fatalf("persisted token %q does not match the one sent (%q)", stored.AccessToken, authSeen)
	}
}

func TestDoCall_Unauthorized_ForcesSingleRefreshAndReissues(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer revoked" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":"INVALID_CREDENTIALS","message":"Invalid Authentication information provided"}`))
			return
		}
		w.Write([]byte(`{"listOfBusinesses":[]}`))
	})
	// Locally fresh, revoked upstream.
	f.seedToken(t, 7, "revoked", time.Now().Add(2*time.Hour))

	businesses, err := f.svc.ListBusinesses(context.Background(), 7, "AB123456C", browserHeaders(), testRemoteAddr)
	if err != nil {
		t.Fatalf("ListBusinesses error: %v", err)
	}
	if businesses == nil {
		t.Fatal("expected a business list after reissue")
	}
	if f.refresh.callCount() != 1 {
		t.Fatalf("expected one forced refresh, got %d", f.refresh.callCount())
	}
	if f.apiHits.Load() != 2 {
		t.Fatalf("expected original call plus one reissue, got %d", f.apiHits.Load())
	}
}

func TestDoCall_SecondUnauthorized_SessionExpired(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"INVALID_CREDENTIALS","message":"Invalid Authentication information provided"}`))
	})
	f.seedToken(t, 7, "revoked", time.Now().Add(2*time.Hour))

	_, err := f.svc.ListBusinesses(context.Background(), 7, "AB123456C", browserHeaders(), testRemoteAddr)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if f.refresh.callCount() != 1 {
		t.Fatalf("expected exactly one forced refresh, got %d", f.refresh.callCount())
	}
	if f.apiHits.Load() != 2 {
		t.Fatalf("expected two upstream attempts, got %d", f.apiHits.Load())
	}
}

func TestDoCall_RateLimitedThenSuccess(t *testing.T) {
	var calls atomic.Int32
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":"MESSAGE_THROTTLED_OUT","message":"The request for the API is throttled"}`))
			return
		}
		w.Write([]byte(`{"listOfBusinesses":[]}`))
	})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))

	if _, err := f.svc.ListBusinesses(context.Background(), 7, "AB123456C", browserHeaders(), testRemoteAddr); err != nil {
		t.Fatalf("ListBusinesses error: %v", err)
	}
	if f.apiHits.Load() != 2 {
		t.Fatalf("expected one retry after throttle, got %d calls", f.apiHits.Load())
	}
}

func TestDoCall_ValidationErrorNotRetried(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"FORMAT_NINO","message":"The provided NINO is invalid"}`))
	})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))

	_, err := f.svc.ListBusinesses(context.Background(), 7, "bogus", browserHeaders(), testRemoteAddr)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindValidation {
		t.Fatalf("expected validation APIError, got %v", err)
	}
	if f.apiHits.Load() != 1 {
		t.Fatalf("validation failure retried: %d calls", f.apiHits.Load())
	}
}

func TestDoCall_RetriesExhausted(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":"SERVICE_UNAVAILABLE","message":"Service unavailable"}`))
	})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))

	_, err := f.svc.ListBusinesses(context.Background(), 7, "AB123456C", browserHeaders(), testRemoteAddr)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindUpstreamUnavailable {
		t.Fatalf("expected upstream-unavailable APIError, got %v", err)
	}
	if f.apiHits.Load() != 3 {
		t.Fatalf("expected maxAttempts calls, got %d", f.apiHits.Load())
	}

	// Exactly one settled audit entry for the whole retry sequence.
	entries := f.logs.all()
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	if entries[0].ErrorCode == nil || *entries[0].ErrorCode != "SERVICE_UNAVAILABLE" {
		t.Fatalf("audit entry error code = %v", entries[0].ErrorCode)
	}
}

/* business operations */

func TestListBusinesses_NotFoundMeansEmptyList(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"MATCHING_RESOURCE_NOT_FOUND","message":"Matching resource not found"}`))
	})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))

	businesses, err := f.svc.ListBusinesses(context.Background(), 7, "AB123456C", browserHeaders(), testRemoteAddr)
	if err != nil {
		t.Fatalf("expected empty list, got error %v", err)
	}
	if businesses == nil || len(businesses) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", businesses)
	}
}

func TestListBusinesses_ParsesList(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"listOfBusinesses":[{"businessId":"XBIS12345678901","typeOfBusiness":"self-employment","tradingName":"Acme Plumbing"}]}`))
	})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))

	businesses, err := f.svc.ListBusinesses(context.Background(), 7, "AB123456C", browserHeaders(), testRemoteAddr)
	if err != nil {
		t.Fatalf("ListBusinesses error: %v", err)
	}
	if len(businesses) != 1 || businesses[0].BusinessId != "XBIS12345678901" || businesses[0].TradingName != "Acme Plumbing" {
		t.Fatalf("unexpected businesses: %+v", businesses)
	}
}

func TestGetObligations_FlattensGroups(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"obligations":[
			{"typeOfBusiness":"self-employment","businessId":"XBIS1","obligationDetails":[
				{"status":"Fulfilled","inboundCorrespondenceFromDate":"2025-04-06","inboundCorrespondenceToDate":"2025-07-05","inboundCorrespondenceDueDate":"2025-08-05","inboundCorrespondenceDateReceived":"2025-07-20","periodKey":"25P1"},
				{"status":"Open","inboundCorrespondenceFromDate":"2025-07-06","inboundCorrespondenceToDate":"2025-10-05","inboundCorrespondenceDueDate":"2025-11-05","periodKey":"25P2"}
			]},
			{"typeOfBusiness":"uk-property","businessId":"XPIS2","obligationDetails":[
				{"status":"Open","inboundCorrespondenceFromDate":"2025-04-06","inboundCorrespondenceToDate":"2025-07-05","inboundCorrespondenceDueDate":"2025-08-05","periodKey":"25P1"}
			]}
		]}`))
	})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))

	obligations, err := f.svc.GetObligations(context.Background(), 7, "AB123456C", ObligationFilter{}, browserHeaders(), testRemoteAddr)
	if err != nil {
		t.Fatalf("GetObligations error: %v", err)
	}
	if len(obligations) != 3 {
		t.Fatalf("expected 3 flattened obligations, got %d", len(obligations))
	}
	if obligations[0].BusinessId != "XBIS1" || obligations[0].Status != "Fulfilled" {
		t.Fatalf("first obligation: %+v", obligations[0])
	}
	if obligations[0].ReceivedDate == nil || *obligations[0].ReceivedDate != "2025-07-20" {
		t.Fatalf("fulfilled obligation missing received date: %+v", obligations[0])
	}
	if obligations[2].BusinessId != "XPIS2" || obligations[2].TypeOfBusiness != "uk-property" {
		t.Fatalf("third obligation: %+v", obligations[2])
	}
}

func TestGetObligations_FilterForwardedAsQuery(t *testing.T) {
	var seenQuery string
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		seenQuery = r.URL.RawQuery
		w.Write([]byte(`{"obligations":[]}`))
	})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))

	filter := ObligationFilter{FromDate: "2025-04-06", ToDate: "2026-04-05", Status: "Open"}
	if _, err := f.svc.GetObligations(context.Background(), 7, "AB123456C", filter, browserHeaders(), testRemoteAddr); err != nil {
		t.Fatalf("GetObligations error: %v", err)
	}
	for _, part := range []string{"fromDate=2025-04-06", "toDate=2026-04-05", "status=Open"} {
		if !strings.Contains(seenQuery, part) {
			t.Fatalf("query %q missing %q", seenQuery, part)
		}
	}
}

// obligationsByNino answers every obligations request with a single open
// obligation whose businessId embeds the NINO from the request path, so tests
// can tell whose data a response carries.
func obligationsByNino(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	nino := parts[3]
	fmt.Fprintf(w, `{"obligations":[{"typeOfBusiness":"self-employment","businessId":"biz-%s","obligationDetails":[
		{"status":"Open","inboundCorrespondenceFromDate":"2025-04-06","inboundCorrespondenceToDate":"2025-07-05","inboundCorrespondenceDueDate":"2025-08-05","periodKey":"25P1"}
	]}]}`, nino)
}

func TestGetObligations_CacheScopedToNino(t *testing.T) {
	f := newServiceFixture(t, obligationsByNino)
	f.svc.cache = newFakeObligationCache()
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))
	ctx := context.Background()

	first, err := f.svc.GetObligations(ctx, 7, "AB123456C", ObligationFilter{}, browserHeaders(), testRemoteAddr)
	if err != nil {
		t.Fatalf("first NINO: %v", err)
	}
	if first[0].BusinessId != "biz-AB123456C" {
		t.Fatalf("first NINO businessId = %q", first[0].BusinessId)
	}

	// Same user, different NINO. The first NINO's cached response must not
	// answer this query.
	second, err := f.svc.GetObligations(ctx, 7, "CE987654A", ObligationFilter{}, browserHeaders(), testRemoteAddr)
	if err != nil {
		t.Fatalf("second NINO: %v", err)
	}
	if second[0].BusinessId != "biz-CE987654A" {
		t.Fatalf("second NINO was served another NINO's obligations: businessId = %q", second[0].BusinessId)
	}
	if f.apiHits.Load() != 2 {
		t.Fatalf("expected one upstream call per NINO, got %d", f.apiHits.Load())
	}

	// A repeat unfiltered query is served from the cache.
	if _, err := f.svc.GetObligations(ctx, 7, "AB123456C", ObligationFilter{}, browserHeaders(), testRemoteAddr); err != nil {
		t.Fatalf("repeat query: %v", err)
	}
	if f.apiHits.Load() != 2 {
		t.Fatalf("repeat unfiltered query bypassed the cache: %d upstream calls", f.apiHits.Load())
	}
}

func TestGetObligations_FilteredQueriesBypassCache(t *testing.T) {
	f := newServiceFixture(t, obligationsByNino)
	f.svc.cache = newFakeObligationCache()
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))
	ctx := context.Background()

	filter := ObligationFilter{Status: "Open"}
	for i := 0; i < 2; i++ {
		if _, err := f.svc.GetObligations(ctx, 7, "AB123456C", filter, browserHeaders(), testRemoteAddr); err != nil {
			t.Fatalf("filtered query %d: %v", i, err)
		}
	}
	if f.apiHits.Load() != 2 {
		t.Fatalf("filtered queries must reach upstream every time, got %d calls", f.apiHits.Load())
	}
}

func TestSubmitPeriod_InvalidatesCachedObligationsForNino(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.Header().Set("X-CorrelationId", "corr-1")
			w.WriteHeader(http.StatusOK)
			return
		}
		obligationsByNino(w, r)
	})
	f.svc.cache = newFakeObligationCache()
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))
	ctx := context.Background()

	if _, err := f.svc.GetObligations(ctx, 7, "AB123456C", ObligationFilter{}, browserHeaders(), testRemoteAddr); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if _, err := f.svc.SubmitPeriod(ctx, 7, "AB123456C", "XBIS1", "2025-26", samplePeriod(), browserHeaders(), testRemoteAddr); err != nil {
		t.Fatalf("SubmitPeriod error: %v", err)
	}

	// The fulfilled obligation must show up on the next query, so the
	// submission drops the cached response for that NINO.
	if _, err := f.svc.GetObligations(ctx, 7, "AB123456C", ObligationFilter{}, browserHeaders(), testRemoteAddr); err != nil {
		t.Fatalf("post-submission query: %v", err)
	}
	if f.apiHits.Load() != 3 {
		t.Fatalf("post-submission query served stale cache: %d upstream calls", f.apiHits.Load())
	}
}

func TestDisconnect_ClearsCachedObligationsForAllNinos(t *testing.T) {
	f := newServiceFixture(t, obligationsByNino)
	cache := newFakeObligationCache()
	f.svc.cache = cache
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))
	ctx := context.Background()

	for _, nino := range []string{"AB123456C", "CE987654A"} {
		if _, err := f.svc.GetObligations(ctx, 7, nino, ObligationFilter{}, browserHeaders(), testRemoteAddr); err != nil {
			t.Fatalf("warm cache for %s: %v", nino, err)
		}
	}
	if err := f.svc.Disconnect(ctx, 7); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}

	cache.mu.Lock()
	remaining := len(cache.entries)
	cache.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("disconnect left %d cached obligation responses behind", remaining)
	}
}

func TestSubmitPeriod_ReceiptAndLocalRecord(t *testing.T) {
	var correlation atomic.Int32
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, expected PUT", r.Method)
		}
		w.Header().Set("X-CorrelationId", fmt.Sprintf("corr-%d", correlation.Add(1)))
		w.WriteHeader(http.StatusOK)
	})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))
	ctx := context.Background()

	receipt, err := f.svc.SubmitPeriod(ctx, 7, "AB123456C", "XBIS1", "2025-26", samplePeriod(), browserHeaders(), testRemoteAddr)
	if err != nil {
		t.Fatalf("SubmitPeriod error: %v", err)
	}
	if receipt.CorrelationId != "corr-1" {
		t.Fatalf("correlation id = %q", receipt.CorrelationId)
	}

	rows := f.subs.rows()
	if len(rows) != 1 {
		t.Fatalf("expected one submission row, got %d", len(rows))
	}
	if rows[0].BusinessId != "XBIS1" || rows[0].TaxYear != "2025-26" {
		t.Fatalf("submission row: %+v", rows[0])
	}
	if !rows[0].TotalIncome.Equal(decimal.NewFromInt(12650)) {
		t.Fatalf("total income = %s, expected 12650", rows[0].TotalIncome)
	}
	if !rows[0].TotalExpenses.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("total expenses = %s, expected 5000", rows[0].TotalExpenses)
	}

	// Resubmitting the same period replaces the row and yields a fresh
	// correlation id, never a duplicate-period failure.
	updated := samplePeriod()
	updated.Incomes.Turnover = decimal.NewFromInt(13000)
	receipt2, err := f.svc.SubmitPeriod(ctx, 7, "AB123456C", "XBIS1", "2025-26", updated, browserHeaders(), testRemoteAddr)
	if err != nil {
		t.Fatalf("resubmission error: %v", err)
	}
	if receipt2.CorrelationId != "corr-2" {
		t.Fatalf("resubmission correlation id = %q", receipt2.CorrelationId)
	}
	if receipt2.CorrelationId == receipt.CorrelationId {
		t.Fatal("resubmission reused the original correlation id")
	}

	rows = f.subs.rows()
	if len(rows) != 1 {
		t.Fatalf("resubmission created a second row: %d rows", len(rows))
	}
	if !rows[0].TotalIncome.Equal(decimal.NewFromInt(13150)) {
		t.Fatalf("resubmission did not update figures: %s", rows[0].TotalIncome)
	}
	if rows[0].CorrelationId != "corr-2" {
		t.Fatalf("row correlation id = %q", rows[0].CorrelationId)
	}

	// Both settled calls were audited with their correlation ids.
	entries := f.logs.all()
	if len(entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(entries))
	}
	if entries[0].CorrelationId == nil || *entries[0].CorrelationId != "corr-1" {
		t.Fatalf("first audit entry correlation: %v", entries[0].CorrelationId)
	}
}

func TestSubmitPeriod_InvalidInput_NoNetworkCall(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))
	ctx := context.Background()

	cases := []struct {
		name       string
		mutate     func(*PeriodData)
		taxYear    string
		businessId string
	}{
		{"reversed dates", func(d *PeriodData) { d.PeriodFrom, d.PeriodTo = d.PeriodTo, d.PeriodFrom }, "2025-26", "XBIS1"},
		{"malformed from date", func(d *PeriodData) { d.PeriodFrom = "06/04/2025" }, "2025-26", "XBIS1"},
		{"negative turnover", func(d *PeriodData) { d.Incomes.Turnover = decimal.NewFromInt(-5) }, "2025-26", "XBIS1"},
		{"bad tax year", func(d *PeriodData) {}, "2025", "XBIS1"},
		{"missing business id", func(d *PeriodData) {}, "2025-26", ""},
	}
	for _, tc := range cases {
		data := samplePeriod()
		tc.mutate(&data)
		_, err := f.svc.SubmitPeriod(ctx, 7, "AB123456C", tc.businessId, tc.taxYear, data, browserHeaders(), testRemoteAddr)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Kind != KindValidation {
			t.Fatalf("%s: expected validation APIError, got %v", tc.name, err)
		}
	}
	if f.apiHits.Load() != 0 {
		t.Fatalf("invalid input reached upstream: %d calls", f.apiHits.Load())
	}
}

func TestSubmitPeriod_LocalBookkeepingFailureStillSucceeds(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-CorrelationId", "corr-1")
		w.WriteHeader(http.StatusOK)
	})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))
	f.subs.upsertErr = errors.New("mysql gone away")

	receipt, err := f.svc.SubmitPeriod(context.Background(), 7, "AB123456C", "XBIS1", "2025-26", samplePeriod(), browserHeaders(), testRemoteAddr)
	if err != nil {
		t.Fatalf("HMRC accepted but caller saw error: %v", err)
	}
	if receipt.CorrelationId != "corr-1" {
		t.Fatalf("correlation id = %q", receipt.CorrelationId)
	}
}

func TestSubmitPeriod_MissingCorrelationIdMarkedLocal(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		// 200 with no X-CorrelationId header.
		w.WriteHeader(http.StatusOK)
	})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))

	receipt, err := f.svc.SubmitPeriod(context.Background(), 7, "AB123456C", "XBIS1", "2025-26", samplePeriod(), browserHeaders(), testRemoteAddr)
	if err != nil {
		t.Fatalf("SubmitPeriod error: %v", err)
	}
	// The stand-in id must be recognizably ours, never mistakable for one
	// HMRC issued.
	if !strings.HasPrefix(receipt.CorrelationId, "local:") {
		t.Fatalf("receipt correlation id %q not marked as locally generated", receipt.CorrelationId)
	}
	if receipt.CorrelationId == "local:" {
		t.Fatal("local correlation id carries no request id")
	}

	rows := f.subs.rows()
	if len(rows) != 1 {
		t.Fatalf("expected one submission row, got %d", len(rows))
	}
	if rows[0].CorrelationId != receipt.CorrelationId {
		t.Fatalf("stored correlation id %q differs from receipt %q", rows[0].CorrelationId, receipt.CorrelationId)
	}
}

func TestGetCalculation_ParsesHeadlineFigures(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/individuals/calculations/AB123456C/self-assessment/2025-26/calc-1") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{
			"metadata":{"calculationId":"calc-1","calculationType":"inYear","taxYear":"2025-26"},
			"calculation":{"taxCalculation":{"totalIncomeReceivedFromAllSources":42000.50,"totalIncomeTaxAndNicsDue":8400.10}}
		}`))
	})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))

	calc, err := f.svc.GetCalculation(context.Background(), 7, "AB123456C", "2025-26", "calc-1", browserHeaders(), testRemoteAddr)
	if err != nil {
		t.Fatalf("GetCalculation error: %v", err)
	}
	if calc.CalculationId != "calc-1" || calc.TaxYear != "2025-26" {
		t.Fatalf("calculation metadata: %+v", calc)
	}
	if !calc.TotalIncome.Equal(decimal.NewFromFloat(42000.50)) {
		t.Fatalf("total income = %s", calc.TotalIncome)
	}
	if !calc.IncomeTaxDue.Equal(decimal.NewFromFloat(8400.10)) {
		t.Fatalf("income tax due = %s", calc.IncomeTaxDue)
	}
	if len(calc.Raw) == 0 {
		t.Fatal("raw calculation body not retained")
	}
}

func TestDisconnect_RemovesGrant(t *testing.T) {
	f := newServiceFixture(t, func(w http.ResponseWriter, r *http.Request) {})
	f.seedToken(t, 7, "seed-token", time.Now().Add(2*time.Hour))
	ctx := context.Background()

	if err := f.svc.Disconnect(ctx, 7); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}
	stored, _ := f.tokens.Get(ctx, 7)
	if stored != nil {
		t.Fatalf("grant still stored after disconnect: %+v", stored)
	}

	_, err := f.svc.ListBusinesses(ctx, 7, "AB123456C", browserHeaders(), testRemoteAddr)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired after disconnect, got %v", err)
	}
}

func TestRetryBackoff_ExponentialAndCapped(t *testing.T) {
	cfg := retryConfig{maxAttempts: 5, baseBackoff: 500 * time.Millisecond, maxBackoff: 10 * time.Second}
	cases := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{5, 8 * time.Second},
		{6, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := retryBackoff(tc.attempt, cfg); got != tc.expected {
			t.Fatalf("attempt %d: backoff = %v, expected %v", tc.attempt, got, tc.expected)
		}
	}
}
