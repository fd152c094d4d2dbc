package quarantine

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/teranos/forage/errors"
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// ClassifyHTTPStatus maps a response status to an error class.
// Returns false for statuses that say nothing about the resource's health.
func ClassifyHTTPStatus(status int) (ErrorCode, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited, true
	case status == http.StatusForbidden, status == http.StatusUnavailableForLegalReasons:
		return CodeBlocked, true
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return CodeTimeout, true
	case status >= 500:
		return CodeServerError, true
	default:
		return "", false
	}
}

// ClassifyError maps an error to an error class. Returns false when the error is
// not a signal about the resource (parse errors, not-found, our own bugs).
func ClassifyError(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if code, ok := ClassifyHTTPStatus(sc.StatusCode()); ok {
			return code, true
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.IsTimeout(err) {
		return CodeTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout, true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "captcha") || strings.Contains(msg, "challenge"):
		return CodeCaptcha, true
	case strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit"):
		return CodeRateLimited, true
	case strings.Contains(msg, "forbidden") || strings.Contains(msg, "access denied") || strings.Contains(msg, "blocked"):
		return CodeBlocked, true
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return CodeTimeout, true
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "eof"):
		return CodeConnection, true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CodeConnection, true
	}
	return "", false
}

// ResourceFor returns the resource a unit key touches: the lower-cased host for
// URLs, otherwise fallback (typically the cursor key).
func ResourceFor(key, fallback string) string {
	if u, err := url.Parse(key); err == nil && u.Host != "" {
		return strings.ToLower(u.Hostname())
	}
	return fallback
}
