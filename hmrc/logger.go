package hmrc

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/finfolio/selfassess_backend/config"
	"bitbucket.org/finfolio/selfassess_backend/models"
)

// CallLogger is the audit trail of every outbound HMRC call. Writing it must
// never fail the call it describes: store errors are reported to the process
// log and swallowed.
type CallLogger struct {
	store models.LogStore
	log   *logrus.Logger
}

func NewCallLogger(store models.LogStore, logger *logrus.Logger) *CallLogger {
	return &CallLogger{store: store, log: logger}
}

var (
	// The log is for audit, not secret storage: tokens, NINOs and bank details
	// are redacted before anything reaches the store.
	reBearer      = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	reTokenFields = regexp.MustCompile(`(?i)"(access_token|refresh_token|client_secret|code)"\s*:\s*"[^"]*"`)
	reNino        = regexp.MustCompile(`\b[A-CEGHJ-PR-TW-Z]{2}\s?\d{2}\s?\d{2}\s?\d{2}\s?[A-D]\b`)
	reSortCode    = regexp.MustCompile(`\b\d{2}-\d{2}-\d{2}\b`)
	reAccountNo   = regexp.MustCompile(`\b\d{8}\b`)
)

// SanitizeBody redacts secrets and personal identifiers from a request or
// response body before it is persisted.
func SanitizeBody(body string) string {
	if body == "" {
		return body
	}
	body = reBearer.ReplaceAllString(body, "Bearer [REDACTED]")
	body = reTokenFields.ReplaceAllString(body, `"$1":"[REDACTED]"`)
	body = reNino.ReplaceAllString(body, "[NINO]")
	body = reSortCode.ReplaceAllString(body, "[SORT-CODE]")
	body = reAccountNo.ReplaceAllString(body, "[ACCOUNT]")
	return body
}

// LogCall sanitizes and persists one settled call. Fire-and-forget for the
// caller; internally synchronous against the store.
func (l *CallLogger) LogCall(ctx context.Context, entry *models.HmrcApiLog) {
	entry.RequestBody = SanitizeBody(entry.RequestBody)
	entry.ResponseBody = SanitizeBody(entry.ResponseBody)
	if err := l.store.Insert(ctx, entry); err != nil {
		config.LogError(l.log, "hmrc/logger.go", "LogCall", "store.Insert", entry.Endpoint, err)
	}
}

// GetLogs returns filtered entries, newest first, capped by the store.
func (l *CallLogger) GetLogs(ctx context.Context, filter models.LogFilter) ([]models.HmrcApiLog, error) {
	return l.store.Query(ctx, filter)
}

// ErrorSummary aggregates the error-filtered log over a trailing window.
type ErrorSummary struct {
	TotalErrors  int                 `json:"totalErrors"`
	ErrorsByCode map[string]int      `json:"errorsByCode"`
	RecentErrors []models.HmrcApiLog `json:"recentErrors"`
}

func (l *CallLogger) GetErrorSummary(ctx context.Context, userId int, days int) (*ErrorSummary, error) {
	if days <= 0 {
		days = 7
	}
	start := time.Now().UTC().AddDate(0, 0, -days)
	entries, err := l.store.Query(ctx, models.LogFilter{
		UserId:    &userId,
		Status:    models.LogStatusError,
		StartDate: &start,
		Limit:     models.DefaultLogQueryLimit,
	})
	if err != nil {
		return nil, err
	}

	summary := &ErrorSummary{
		TotalErrors:  len(entries),
		ErrorsByCode: map[string]int{},
	}
	for _, e := range entries {
		code := fmt.Sprintf("HTTP_%d", e.ResponseStatus)
		if e.ErrorCode != nil && *e.ErrorCode != "" {
			code = *e.ErrorCode
		}
		summary.ErrorsByCode[code]++
	}
	if len(entries) > 10 {
		entries = entries[:10]
	}
	summary.RecentErrors = entries
	return summary, nil
}

// ClearOldLogs hard-deletes entries strictly older than now - daysToKeep days.
// Entries exactly at the boundary are retained. This is the log's only
// mutation path.
func (l *CallLogger) ClearOldLogs(ctx context.Context, daysToKeep int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)
	return l.store.DeleteOlderThan(ctx, cutoff)
}
