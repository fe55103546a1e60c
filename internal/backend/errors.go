package backend

import "strings"

// ErrorKind classifies a failed backend call for retry policy purposes.
type ErrorKind string

const (
	KindRateLimited       ErrorKind = "rate_limited"
	KindTimeout           ErrorKind = "timeout"
	KindAuthFailure       ErrorKind = "auth_failure"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindUnavailable       ErrorKind = "unavailable"
	KindContentTooLarge   ErrorKind = "content_too_large"
	KindUnknown           ErrorKind = "unknown"
)

// Retriable reports whether a failure of this kind is worth retrying with backoff.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindUnavailable, KindMalformedResponse, KindUnknown:
		return true
	}
	return false
}

// Systemic reports whether repeated failures of this kind indicate a
// backend-side condition that quarantine (rather than further retries)
// should absorb.
func (k ErrorKind) Systemic() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindUnavailable:
		return true
	}
	return false
}

// Fatal reports whether this kind ends the whole session. No later call
// can succeed after an authentication failure.
func (k ErrorKind) Fatal() bool {
	return k == KindAuthFailure
}

// classificationRule maps substrings of the backend's error output to an
// ErrorKind. Rules are evaluated in order; the first match wins.
type classificationRule struct {
	kind     ErrorKind
	patterns []string
}

// defaultRules is the ordered rule table for classifying raw backend
// failures. Auth is checked before rate limiting because some CLI
// backends mention quota in both messages.
var defaultRules = []classificationRule{
	{KindAuthFailure, []string{
		"authentication", "unauthorized", "401", "invalid api key", "api key not found",
		"credit balance", "please run /login", "forbidden", "403",
	}},
	{KindRateLimited, []string{
		"rate limit", "rate_limit", "429", "too many requests", "quota exceeded",
		"overloaded", "usage limit",
	}},
	{KindContentTooLarge, []string{
		"context length", "too large", "prompt is too long", "maximum context",
		"request too large", "413",
	}},
	{KindUnavailable, []string{
		"connection refused", "connection reset", "no such host", "service unavailable",
		"503", "502", "bad gateway", "network is unreachable", "executable file not found",
		"internal server error", "500",
	}},
	{KindTimeout, []string{
		"timeout", "timed out", "deadline exceeded", "504",
	}},
}

// Classify maps raw backend error output to an ErrorKind using the
// default rule table.
func Classify(output string) ErrorKind {
	return classifyWith(defaultRules, output)
}

func classifyWith(rules []classificationRule, output string) ErrorKind {
	lower := strings.ToLower(output)
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				return r.kind
			}
		}
	}
	return KindUnknown
}
