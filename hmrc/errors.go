package hmrc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind is the closed taxonomy every upstream failure collapses into.
// Handlers and the retry loop branch on kinds, never on raw HMRC codes.
type ErrorKind string

const (
	KindUnauthorized        ErrorKind = "UNAUTHORIZED"
	KindResourceNotFound    ErrorKind = "RESOURCE_NOT_FOUND"
	KindValidation          ErrorKind = "VALIDATION"
	KindRateLimited         ErrorKind = "RATE_LIMITED"
	KindUpstreamUnavailable ErrorKind = "UPSTREAM_UNAVAILABLE"
	KindUnknown             ErrorKind = "UNKNOWN"
)

var (
	// ErrSessionExpired means the stored grant is gone or unrecoverable and the
	// user must re-authorize. Callers route this to the connect flow, never a retry.
	ErrSessionExpired = errors.New("hmrc session expired, reauthorization required")

	// ErrRefreshInvalid is the upstream "refresh token already used/revoked" case.
	ErrRefreshInvalid = errors.New("hmrc refresh token no longer valid")

	// ErrStateInvalid is a missing, expired, or replayed OAuth state value.
	ErrStateInvalid = errors.New("oauth state invalid or expired")
)

// APIError is a translated upstream failure. Message is always safe to show a
// user; Details keeps the raw payload for the audit log only.
type APIError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Status  int
	Details json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hmrc api error %s (%s, status %d)", e.Kind, e.Code, e.Status)
}

// Retryable reports whether the retry loop may reissue the call.
// Exactly RateLimited and UpstreamUnavailable qualify.
func (e *APIError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindUpstreamUnavailable
}

// IncompleteFraudHeadersError blocks an outbound call whose mandated
// fraud-prevention headers could not all be populated.
type IncompleteFraudHeadersError struct {
	Missing []string
}

func (e *IncompleteFraudHeadersError) Error() string {
	return "incomplete fraud prevention headers: " + strings.Join(e.Missing, ", ")
}

var userSafeMessages = map[ErrorKind]string{
	KindUnauthorized:        "Your HMRC connection is no longer authorised. Please reconnect.",
	KindResourceNotFound:    "HMRC has no matching record for this request.",
	KindValidation:          "HMRC rejected the request because some details were invalid.",
	KindRateLimited:         "HMRC is receiving too many requests right now. Please try again shortly.",
	KindUpstreamUnavailable: "HMRC is temporarily unavailable. Please try again shortly.",
	KindUnknown:             "Something went wrong talking to HMRC. Please try again.",
}

// kindForCode maps HMRC's documented error codes onto the taxonomy. Codes not
// listed fall through to status-based classification.
var kindForCode = map[string]ErrorKind{
	"INVALID_CREDENTIALS":             KindUnauthorized,
	"UNAUTHORIZED":                    KindUnauthorized,
	"CLIENT_OR_AGENT_NOT_AUTHORISED":  KindUnauthorized,
	"MATCHING_RESOURCE_NOT_FOUND":     KindResourceNotFound,
	"NOT_FOUND":                       KindResourceNotFound,
	"NO_BUSINESSES_FOUND":             KindResourceNotFound,
	"INVALID_REQUEST":                 KindValidation,
	"INVALID_PAYLOAD":                 KindValidation,
	"INVALID_TAX_YEAR":                KindValidation,
	"INVALID_NINO":                    KindValidation,
	"MESSAGE_THROTTLED_OUT":           KindRateLimited,
	"SERVER_ERROR":                    KindUpstreamUnavailable,
	"INTERNAL_SERVER_ERROR":           KindUpstreamUnavailable,
	"SERVICE_UNAVAILABLE":             KindUpstreamUnavailable,
	"GATEWAY_TIMEOUT":                 KindUpstreamUnavailable,
}

// ParseAPIError translates a raw non-2xx response into the taxonomy. Pure
// function, no I/O. The raw body is preserved verbatim in Details.
func ParseAPIError(status int, body []byte) *APIError {
	var parsed hmrcErrorBody
	_ = json.Unmarshal(body, &parsed)

	code := strings.TrimSpace(parsed.Code)
	if code == "" && len(parsed.Errors) > 0 {
		code = parsed.Errors[0].Code
	}

	kind, ok := kindForCode[code]
	if !ok {
		// FORMAT_* and RULE_* families are field-level validation failures.
		if strings.HasPrefix(code, "FORMAT_") || strings.HasPrefix(code, "RULE_") {
			kind = KindValidation
		} else {
			kind = kindForStatus(status)
		}
	}

	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}

	var details json.RawMessage
	if len(body) > 0 && json.Valid(body) {
		details = json.RawMessage(body)
	}

	return &APIError{
		Kind:    kind,
		Code:    code,
		Message: userSafeMessages[kind],
		Status:  status,
		Details: details,
	}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindResourceNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindUpstreamUnavailable
	default:
		return KindUnknown
	}
}

// transportError classifies a failed round trip (DNS, reset, timeout) as
// retryable upstream unavailability.
func transportError(err error) *APIError {
	return &APIError{
		Kind:    KindUpstreamUnavailable,
		Code:    "TRANSPORT_ERROR",
		Message: userSafeMessages[KindUpstreamUnavailable],
		Status:  0,
		Details: json.RawMessage(fmt.Sprintf("%q", err.Error())),
	}
}
