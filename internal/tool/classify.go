package tool

import (
	"strings"
	"time"
)

// rateLimitSignatures are matched case-insensitively against failure text.
var rateLimitSignatures = []string{
	"429",
	"rate limit",
	"quota exceeded",
	"too many requests",
	"resource exhausted",
	"requests per minute",
}

// IsRateLimited reports whether failure text looks like a provider
// rate-limit response.
func IsRateLimited(text string) bool {
	lower := strings.ToLower(text)
	for _, sig := range rateLimitSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// BackoffFor returns the sleep after the given zero-based failed attempt:
// min(2^attempt, 60)s normally, min(30*2^attempt, 120)s after a rate-limit
// failure.
func BackoffFor(attempt int, rateLimited bool) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Cap the shift well before overflow; both schedules saturate early.
	shift := min(attempt, 16)
	if rateLimited {
		return time.Duration(min(30<<shift, 120)) * time.Second
	}
	return time.Duration(min(1<<shift, 60)) * time.Second
}
