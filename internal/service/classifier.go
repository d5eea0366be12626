package service

import (
	"net/http"
	"strings"

	"github.com/Wei-Shaw/codex-switch/internal/domain"
)

var usageLimitPatterns = []string{
	"usage_limit_reached",
	"usage_not_included",
	"usage limit",
	"exhausted",
	"quota",
}

var rateLimitPatterns = []string{
	"rate_limit",
	"rate limit",
	"too many requests",
	"per minute",
}

// ClassifyFailure maps an upstream rejection to a reason tag driving the
// backoff schedule.
func ClassifyFailure(status int, body string) string {
	if status == http.StatusServiceUnavailable || status == 529 {
		return domain.ReasonServerError
	}

	lower := strings.ToLower(body)
	for _, pattern := range usageLimitPatterns {
		if strings.Contains(lower, pattern) {
			return domain.ReasonUsageLimitReached
		}
	}
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(lower, pattern) {
			return domain.ReasonRateLimitExceeded
		}
	}
	return domain.ReasonUnknown
}

// IsMisreported404 reports whether a 404 response is actually a quota
// rejection the vendor mislabeled; such responses are treated as 429.
func IsMisreported404(status int, body string) bool {
	if status != http.StatusNotFound {
		return false
	}
	lower := strings.ToLower(body)
	for _, pattern := range usageLimitPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
