package hmrc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitbucket.org/finfolio/selfassess_backend/config"
	"bitbucket.org/finfolio/selfassess_backend/models"
	"bitbucket.org/finfolio/selfassess_backend/utils"
)

const acceptHeader = "application/vnd.hmrc.2.0+json"

const obligationCacheTTL = 5 * time.Minute

var taxYearPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

type retryConfig struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func getRetryConfig() retryConfig {
	cfg := retryConfig{
		maxAttempts: 3,
		baseBackoff: 500 * time.Millisecond,
		maxBackoff:  10 * time.Second,
	}
	if v := os.Getenv("HMRC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxAttempts = n
		}
	}
	if v := os.Getenv("HMRC_BASE_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.baseBackoff = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("HMRC_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxBackoff = time.Duration(n) * time.Second
		}
	}
	return cfg
}

// base * 2^(attempt-1), capped.
func retryBackoff(attempt int, cfg retryConfig) time.Duration {
	if attempt <= 0 {
		return cfg.baseBackoff
	}
	delay := cfg.baseBackoff << (attempt - 1)
	if delay > cfg.maxBackoff {
		return cfg.maxBackoff
	}
	return delay
}

// Service is the facade route handlers use. Every operation runs the same
// pipeline: ensure fresh token, build fraud headers, issue the call, log the
// settled outcome, translate failures. All collaborators are injected; there
// are no ambient globals in this package.
type Service struct {
	cfg         config.HmrcConfig
	http        *http.Client
	tokens      models.TokenStore
	submissions models.SubmissionStore
	oauth       *OAuthClient
	refresher   *Refresher
	states      StateStore
	headers     *HeaderBuilder
	calls       *CallLogger
	cache       ObligationCache // optional; nil disables the obligation cache
	log         *logrus.Logger
	validate    *validator.Validate
	retry       retryConfig
}

func NewService(
	cfg config.HmrcConfig,
	httpClient *http.Client,
	tokens models.TokenStore,
	submissions models.SubmissionStore,
	oauth *OAuthClient,
	refresher *Refresher,
	states StateStore,
	headers *HeaderBuilder,
	calls *CallLogger,
	cache ObligationCache,
	logger *logrus.Logger,
) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	return &Service{
		cfg:         cfg,
		http:        httpClient,
		tokens:      tokens,
		submissions: submissions,
		oauth:       oauth,
		refresher:   refresher,
		states:      states,
		headers:     headers,
		calls:       calls,
		cache:       cache,
		log:         logger,
		validate:    validator.New(),
		retry:       getRetryConfig(),
	}
}

// Logs exposes the audit logger for the log-query routes.
func (s *Service) Logs() *CallLogger {
	return s.calls
}

/* authorization flow */

// StartAuthorization issues a CSRF state bound to the user and returns the
// HMRC authorize URL to redirect to, plus the state for the flow cookie.
func (s *Service) StartAuthorization(ctx context.Context, userId int) (redirectURL string, state string, err error) {
	state, err = s.states.IssueState(ctx, userId)
	if err != nil {
		return "", "", err
	}
	return s.oauth.AuthorizationURL(state), state, nil
}

// HandleCallback completes the flow. The returned state must match both the
// flow cookie and the stored single-use value; any mismatch fails closed with
// no token exchange attempted.
func (s *Service) HandleCallback(ctx context.Context, code, state, cookieState string) (int, error) {
	if state == "" || cookieState == "" || state != cookieState {
		return 0, ErrStateInvalid
	}
	userId, err := s.states.ConsumeState(ctx, state)
	if err != nil {
		return 0, err
	}

	token, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return 0, err
	}
	token.UserId = userId
	if err := s.tokens.Upsert(ctx, token); err != nil {
		return 0, err
	}
	return userId, nil
}

// Disconnect removes the stored grant. HMRC-side revocation is the user's
// action in their Government Gateway account.
func (s *Service) Disconnect(ctx context.Context, userId int) error {
	s.clearObligationCache(ctx, userId)
	return s.tokens.Delete(ctx, userId)
}

/* business operations */

// ListBusinesses returns the user's registered businesses. "No business found"
// is a legitimate answer for many users, so ResourceNotFound comes back as an
// empty list, not an error.
func (s *Service) ListBusinesses(ctx context.Context, userId int, nino string, incoming http.Header, remoteAddr string) ([]Business, error) {
	out, err := s.doCall(ctx, userId, incoming, remoteAddr, http.MethodGet,
		fmt.Sprintf("/individuals/business/details/%s/list", nino), nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Kind == KindResourceNotFound {
			return []Business{}, nil
		}
		return nil, err
	}

	var parsed listBusinessesResponse
	if err := json.Unmarshal(out.body, &parsed); err != nil {
		return nil, fmt.Errorf("hmrc business list malformed: %w", err)
	}
	if parsed.ListOfBusinesses == nil {
		return []Business{}, nil
	}
	return parsed.ListOfBusinesses, nil
}

// GetObligations returns the user's quarterly obligations flattened across
// businesses. Unfiltered results are cached briefly; a submission invalidates
// the cache so the fulfilled obligation shows up immediately.
func (s *Service) GetObligations(ctx context.Context, userId int, nino string, filter ObligationFilter, incoming http.Header, remoteAddr string) ([]Obligation, error) {
	unfiltered := filter == (ObligationFilter{})
	cacheKey := s.obligationCacheKey(userId, nino)
	if unfiltered && s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
			var obligations []Obligation
			if json.Unmarshal([]byte(cached), &obligations) == nil {
				return obligations, nil
			}
		}
	}

	query := url.Values{}
	if filter.FromDate != "" {
		query.Set("fromDate", filter.FromDate)
	}
	if filter.ToDate != "" {
		query.Set("toDate", filter.ToDate)
	}
	if filter.Status != "" {
		query.Set("status", filter.Status)
	}

	out, err := s.doCall(ctx, userId, incoming, remoteAddr, http.MethodGet,
		fmt.Sprintf("/obligations/details/%s/income-and-expenditure", nino), query, nil)
	if err != nil {
		return nil, err
	}

	var parsed obligationsResponse
	if err := json.Unmarshal(out.body, &parsed); err != nil {
		return nil, fmt.Errorf("hmrc obligations malformed: %w", err)
	}

	obligations := make([]Obligation, 0)
	for _, group := range parsed.Obligations {
		for _, d := range group.ObligationDetails {
			obligations = append(obligations, Obligation{
				BusinessId:     group.BusinessId,
				TypeOfBusiness: group.TypeOfBusiness,
				PeriodStart:    d.InboundCorrespondenceFromDate,
				PeriodEnd:      d.InboundCorrespondenceToDate,
				DueDate:        d.InboundCorrespondenceDueDate,
				Status:         d.Status,
				ReceivedDate:   d.InboundCorrespondenceDateReceived,
				PeriodKey:      d.PeriodKey,
			})
		}
	}

	if unfiltered && s.cache != nil {
		if raw, err := json.Marshal(obligations); err == nil {
			if cerr := s.cache.Set(ctx, cacheKey, string(raw), obligationCacheTTL); cerr != nil {
				config.LogWarn(s.log, "hmrc/service.go", "GetObligations", "cache.Set", cerr.Error())
			}
		}
	}
	return obligations, nil
}

// SubmitPeriod sends the cumulative update for one quarter. Resubmitting the
// same (businessId, taxYear, periodFrom, periodTo) replaces the period's
// cumulative figures upstream; locally the period row is upserted by that
// natural key. The upstream correlation id comes back to the caller and lands
// in the audit log.
func (s *Service) SubmitPeriod(ctx context.Context, userId int, nino, businessId, taxYear string, data PeriodData, incoming http.Header, remoteAddr string) (*SubmissionReceipt, error) {
	if err := s.validatePeriod(businessId, taxYear, data); err != nil {
		return nil, err
	}

	body := periodSubmissionBody{
		PeriodIncome:   data.Incomes,
		PeriodExpenses: data.Expenses,
	}
	body.PeriodDates.PeriodStartDate = data.PeriodFrom
	body.PeriodDates.PeriodEndDate = data.PeriodTo

	out, err := s.doCall(ctx, userId, incoming, remoteAddr, http.MethodPut,
		fmt.Sprintf("/individuals/business/self-employment/%s/%s/cumulative/%s", nino, businessId, taxYear), nil, body)
	if err != nil {
		return nil, err
	}

	correlationId := out.header.Get("X-CorrelationId")
	if correlationId == "" {
		// Locally minted stand-in, marked so it is never quoted back to HMRC
		// as one of theirs.
		correlationId = "local:" + out.requestId
	}

	periodFrom, _ := time.Parse("2006-01-02", data.PeriodFrom)
	periodTo, _ := time.Parse("2006-01-02", data.PeriodTo)
	payloadJSON, _ := json.Marshal(body)
	sub := &models.HmrcPeriodSubmission{
		UserId:        userId,
		BusinessId:    businessId,
		TaxYear:       taxYear,
		PeriodFrom:    periodFrom,
		PeriodTo:      periodTo,
		TotalIncome:   data.Incomes.Turnover.Add(data.Incomes.Other),
		TotalExpenses: totalExpenses(data.Expenses),
		PayloadJSON:   payloadJSON,
		CorrelationId: correlationId,
		SubmittedAt:   time.Now().UTC(),
	}
	if err := s.submissions.Upsert(ctx, sub); err != nil {
		// HMRC accepted the update; a local bookkeeping failure must not
		// convert that acceptance into a caller-visible error.
		config.LogError(s.log, "hmrc/service.go", "SubmitPeriod", "submissions.Upsert", businessId, err)
	}

	s.invalidateObligationCache(ctx, userId, nino)
	return &SubmissionReceipt{CorrelationId: correlationId}, nil
}

// GetCalculation retrieves one self-assessment calculation. Read-only.
func (s *Service) GetCalculation(ctx context.Context, userId int, nino, taxYear, calculationId string, incoming http.Header, remoteAddr string) (*Calculation, error) {
	out, err := s.doCall(ctx, userId, incoming, remoteAddr, http.MethodGet,
		fmt.Sprintf("/individuals/calculations/%s/self-assessment/%s/%s", nino, taxYear, calculationId), nil, nil)
	if err != nil {
		return nil, err
	}

	var parsed calculationResponse
	if err := json.Unmarshal(out.body, &parsed); err != nil {
		return nil, fmt.Errorf("hmrc calculation malformed: %w", err)
	}
	return &Calculation{
		CalculationId:   parsed.Metadata.CalculationId,
		CalculationType: parsed.Metadata.CalculationType,
		TaxYear:         parsed.Metadata.TaxYear,
		TotalIncome:     parsed.Calculation.TaxCalculation.TotalIncome,
		IncomeTaxDue:    parsed.Calculation.TaxCalculation.IncomeTaxDue,
		Raw:             json.RawMessage(out.body),
	}, nil
}

/* call pipeline */

type callOutcome struct {
	status    int
	body      []byte
	header    http.Header
	requestId string
}

// doCall runs the full pipeline for one outbound request: fresh token, fraud
// headers, the HTTP call with bounded retries, then exactly one audit log
// entry once the call settles.
func (s *Service) doCall(ctx context.Context, userId int, incoming http.Header, remoteAddr, method, path string, query url.Values, payload interface{}) (*callOutcome, error) {
	token, err := s.refresher.EnsureFreshToken(ctx, userId)
	if err != nil {
		return nil, err
	}

	fraudHeaders, err := s.headers.BuildHeaders(incoming, remoteAddr, userId)
	if err != nil {
		return nil, err
	}

	var reqBody []byte
	if payload != nil {
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	endpoint := s.cfg.APIBaseURL + path
	if len(query) > 0 {
		endpoint = endpoint + "?" + query.Encode()
	}

	requestId, ok := utils.GetRequestIdFromContext(ctx)
	if !ok {
		requestId = uuid.NewString()
	}

	started := time.Now()
	attempt := 1
	refreshed := false
	var lastErr *APIError

	for {
		req, rerr := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(reqBody))
		if rerr != nil {
			return nil, rerr
		}
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
		req.Header.Set("Accept", acceptHeader)
		if len(reqBody) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for name, value := range fraudHeaders {
			req.Header.Set(name, value)
		}

		resp, derr := s.http.Do(req)
		if derr != nil {
			if ctx.Err() != nil {
				// The call never settled normally; log a synthesized outcome
				// rather than a half-written entry.
				s.logOutcome(ctx, userId, method, path, reqBody, 0, nil, &APIError{
					Kind: KindUnknown, Code: "CANCELLED", Message: "request cancelled",
				}, requestId, started)
				return nil, ctx.Err()
			}
			lastErr = transportError(derr)
		} else {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				correlationId := resp.Header.Get("X-CorrelationId")
				s.logSuccess(ctx, userId, method, path, reqBody, resp.StatusCode, body, correlationId, started)
				return &callOutcome{status: resp.StatusCode, body: body, header: resp.Header, requestId: requestId}, nil
			}

			// A 401 on a token we just validated means HMRC revoked or rotated
			// it out from under us. One forced refresh, one reissue, never more.
			if resp.StatusCode == http.StatusUnauthorized && !refreshed {
				refreshed = true
				fresh, ferr := s.refresher.ForceRefresh(ctx, userId, token.AccessToken)
				if ferr != nil {
					apiErr := ParseAPIError(resp.StatusCode, body)
					s.logOutcome(ctx, userId, method, path, reqBody, resp.StatusCode, body, apiErr, requestId, started)
					return nil, ErrSessionExpired
				}
				token = fresh
				continue
			}

			// Second 401 on a freshly minted token: the grant is dead.
			if resp.StatusCode == http.StatusUnauthorized && refreshed {
				apiErr := ParseAPIError(resp.StatusCode, body)
				s.logOutcome(ctx, userId, method, path, reqBody, resp.StatusCode, body, apiErr, requestId, started)
				return nil, ErrSessionExpired
			}

			lastErr = ParseAPIError(resp.StatusCode, body)
			lastErr.Details = json.RawMessage(body)

			if lastErr.Retryable() {
				// Honor upstream throttling hints.
				if ra := resp.Header.Get("Retry-After"); ra != "" {
					if seconds, perr := strconv.Atoi(ra); perr == nil && seconds > 0 {
						if serr := sleepCtx(ctx, time.Duration(seconds)*time.Second); serr != nil {
							s.logOutcome(ctx, userId, method, path, reqBody, lastErr.Status, body, lastErr, requestId, started)
							return nil, serr
						}
						attempt++
						if attempt <= s.retry.maxAttempts {
							continue
						}
						s.logOutcome(ctx, userId, method, path, reqBody, lastErr.Status, body, lastErr, requestId, started)
						return nil, lastErr
					}
				}
			}
		}

		if !lastErr.Retryable() || attempt >= s.retry.maxAttempts {
			var respBody []byte
			if lastErr.Details != nil {
				respBody = lastErr.Details
			}
			s.logOutcome(ctx, userId, method, path, reqBody, lastErr.Status, respBody, lastErr, requestId, started)
			return nil, lastErr
		}

		if serr := sleepCtx(ctx, retryBackoff(attempt, s.retry)); serr != nil {
			s.logOutcome(ctx, userId, method, path, reqBody, lastErr.Status, nil, &APIError{
				Kind: KindUnknown, Code: "CANCELLED", Message: "request cancelled",
			}, requestId, started)
			return nil, serr
		}
		attempt++
	}
}

func (s *Service) logSuccess(ctx context.Context, userId int, method, path string, reqBody []byte, status int, respBody []byte, correlationId string, started time.Time) {
	entry := &models.HmrcApiLog{
		UserId:         userId,
		Method:         method,
		Endpoint:       path,
		RequestBody:    string(reqBody),
		ResponseStatus: status,
		ResponseBody:   string(respBody),
		DurationMs:     time.Since(started).Milliseconds(),
	}
	if correlationId != "" {
		entry.CorrelationId = &correlationId
	}
	s.calls.LogCall(ctx, entry)
}

func (s *Service) logOutcome(ctx context.Context, userId int, method, path string, reqBody []byte, status int, respBody []byte, apiErr *APIError, requestId string, started time.Time) {
	code := apiErr.Code
	message := apiErr.Message
	entry := &models.HmrcApiLog{
		UserId:         userId,
		Method:         method,
		Endpoint:       path,
		RequestBody:    string(reqBody),
		ResponseStatus: status,
		ResponseBody:   string(respBody),
		ErrorCode:      &code,
		ErrorMessage:   &message,
		DurationMs:     time.Since(started).Milliseconds(),
		CorrelationId:  &requestId,
	}
	s.calls.LogCall(ctx, entry)
}

func (s *Service) validatePeriod(businessId, taxYear string, data PeriodData) error {
	validationErr := func(msg string) *APIError {
		return &APIError{
			Kind:    KindValidation,
			Code:    "INVALID_PERIOD",
			Message: msg,
			Status:  http.StatusBadRequest,
		}
	}

	if strings.TrimSpace(businessId) == "" {
		return validationErr("businessId is required")
	}
	if !taxYearPattern.MatchString(taxYear) {
		return validationErr("taxYear must look like 2025-26")
	}
	if err := s.validate.Struct(data); err != nil {
		return validationErr("period dates must be valid YYYY-MM-DD values")
	}

	from, err1 := time.Parse("2006-01-02", data.PeriodFrom)
	to, err2 := time.Parse("2006-01-02", data.PeriodTo)
	if err1 != nil || err2 != nil {
		return validationErr("period dates must be valid YYYY-MM-DD values")
	}
	if from.After(to) {
		return validationErr("periodFrom must not be after periodTo")
	}
	if data.Incomes.Turnover.IsNegative() || data.Incomes.Other.IsNegative() {
		return validationErr("income amounts must not be negative")
	}
	return nil
}

func totalExpenses(e *PeriodExpenses) decimal.Decimal {
	if e == nil {
		return decimal.Zero
	}
	return e.CostOfGoods.
		Add(e.Premises).
		Add(e.Staff).
		Add(e.Travel).
		Add(e.Professional).
		Add(e.Other)
}

func (s *Service) obligationCacheKey(userId int, nino string) string {
	return fmt.Sprintf("hmrc:obligations:%d:%s", userId, nino)
}

func (s *Service) invalidateObligationCache(ctx context.Context, userId int, nino string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.obligationCacheKey(userId, nino)); err != nil {
		config.LogWarn(s.log, "hmrc/service.go", "invalidateObligationCache", "cache.Delete", err.Error())
	}
}

// clearObligationCache drops every cached response for the user, whichever
// NINOs they were queried under.
func (s *Service) clearObligationCache(ctx context.Context, userId int) {
	if s.cache == nil {
		return
	}
	prefix := fmt.Sprintf("hmrc:obligations:%d:", userId)
	if err := s.cache.DeleteByPrefix(ctx, prefix); err != nil {
		config.LogWarn(s.log, "hmrc/service.go", "clearObligationCache", "cache.DeleteByPrefix", err.Error())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
