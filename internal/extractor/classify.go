package extractor

import (
	"context"
	"errors"
	"strings"
)

type Kind string

const (
	KindAuthRequired     Kind = "auth_required"
	KindVideoUnavailable Kind = "video_unavailable"
	KindPrivateVideo     Kind = "private_video"
	KindRateLimited      Kind = "rate_limited"
	KindNetworkError     Kind = "network_error"
	KindTimeout          Kind = "timeout"
	KindUnknown          Kind = "unknown"
)

// Rule maps a lower-case substring of the tool's diagnostics to a Kind.
type Rule struct {
	Pattern string
	Kind    Kind
}

// Rules is evaluated top to bottom. Private-video messages also mention
// signing in, so they must come before the auth rules.
var Rules = []Rule{
	{"private video", KindPrivateVideo},
	{"video is private", KindPrivateVideo},
	{"this account is private", KindPrivateVideo},

	{"sign in to confirm", KindAuthRequired},
	{"login required", KindAuthRequired},
	{"requires authentication", KindAuthRequired},
	{"use --cookies", KindAuthRequired},
	{"members-only", KindAuthRequired},

	{"http error 429", KindRateLimited},
	{"too many requests", KindRateLimited},
	{"rate-limit", KindRateLimited},
	{"rate limit", KindRateLimited},

	{"video unavailable", KindVideoUnavailable},
	{"has been removed", KindVideoUnavailable},
	{"not available in your country", KindVideoUnavailable},
	{"no video formats found", KindVideoUnavailable},
	{"unsupported url", KindVideoUnavailable},
	{"http error 404", KindVideoUnavailable},
	{"does not exist", KindVideoUnavailable},

	{"timed out", KindTimeout},
	{"read timeout", KindTimeout},

	{"unable to download webpage", KindNetworkError},
	{"connection reset", KindNetworkError},
	{"connection refused", KindNetworkError},
	{"name or service not known", KindNetworkError},
	{"temporary failure in name resolution", KindNetworkError},
	{"network is unreachable", KindNetworkError},
	{"ssl:", KindNetworkError},
	{"http error 5", KindNetworkError},
}

// Classify turns a failed run into a Kind. A context deadline always wins.
func Classify(stderr string, ctxErr error) Kind {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return KindTimeout
	}
	s := strings.ToLower(stderr)
	for _, r := range Rules {
		if strings.Contains(s, r.Pattern) {
			return r.Kind
		}
	}
	return KindUnknown
}

// Error is a classified extraction failure.
type Error struct {
	Kind    Kind
	Message string
	Stderr  string
	Err     error
}

func (e *Error) Error() string {
	msg := "extract " + string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// diagnostic picks the most useful line of stderr for a short message.
func diagnostic(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); strings.HasPrefix(l, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(l, "ERROR:"))
		}
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
