package discord

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies an API failure. The client never retries on its own;
// callers decide policy based on the kind.
type ErrorKind int

const (
	// KindNetwork covers transport-level failures (DNS, TLS, timeouts).
	KindNetwork ErrorKind = iota
	// KindUnauthorized means the credential was rejected (401).
	KindUnauthorized
	// KindForbidden means the credential lacks access (403).
	KindForbidden
	// KindNotFound means the guild/user/channel does not exist (404).
	KindNotFound
	// KindRateLimited means the platform throttled the call (429);
	// RetryAfter carries the signaled wait.
	KindRateLimited
	// KindMalformed means the response body could not be decoded.
	KindMalformed
	// KindPlatform covers any other platform rejection; Message carries the
	// platform-reported text.
	KindPlatform
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindMalformed:
		return "malformed"
	case KindPlatform:
		return "platform"
	default:
		return "unknown"
	}
}

// APIError is the tagged failure result of one REST call.
type APIError struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration // KindRateLimited only
	cause      error
}

func (e *APIError) Error() string {
	switch {
	case e.Kind == KindRateLimited:
		return fmt.Sprintf("discord: rate limited (retry after %s)", e.RetryAfter)
	case e.Message != "":
		return fmt.Sprintf("discord: %s (%s)", e.Message, e.Kind)
	case e.cause != nil:
		return fmt.Sprintf("discord: %s: %v", e.Kind, e.cause)
	default:
		return fmt.Sprintf("discord: %s (status %d)", e.Kind, e.Status)
	}
}

func (e *APIError) Unwrap() error { return e.cause }

// AsAPIError extracts an *APIError from an error chain.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// RetryAfter reports the signaled throttle wait if err is a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	ae, ok := AsAPIError(err)
	if !ok || ae.Kind != KindRateLimited {
		return 0, false
	}
	return ae.RetryAfter, true
}

// IsUnauthorized reports whether err means the credential was rejected.
func IsUnauthorized(err error) bool {
	ae, ok := AsAPIError(err)
	return ok && ae.Kind == KindUnauthorized
}
