package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a send failure into the scheduler's taxonomy.
type ErrorKind string

const (
	// KindRateLimited means the platform signaled a wait; RetryAfter says
	// how long.
	KindRateLimited ErrorKind = "rate_limited"
	// KindAbuseFlagged means the platform suspects spam from this identity.
	KindAbuseFlagged ErrorKind = "abuse_flagged"
	// KindForbidden means this particular peer cannot be messaged
	// (privacy settings, blocks). The identity itself is fine.
	KindForbidden ErrorKind = "forbidden"
	// KindBanned means the identity's account is permanently unusable.
	KindBanned ErrorKind = "banned"
	// KindOther is any unclassified failure.
	KindOther ErrorKind = "other"
)

// SendError is the classified failure returned by Session.SendMessage.
type SendError struct {
	Kind       ErrorKind
	RetryAfter time.Duration // only for KindRateLimited
	Err        error
}

func (e *SendError) Error() string {
	if e.Kind == KindRateLimited {
		return fmt.Sprintf("send %s (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("send %s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// RateLimited builds a rate-limit error with the platform's wait.
func RateLimited(wait time.Duration, err error) *SendError {
	return &SendError{Kind: KindRateLimited, RetryAfter: wait, Err: err}
}

// AbuseFlagged builds an abuse-detection error.
func AbuseFlagged(err error) *SendError {
	return &SendError{Kind: KindAbuseFlagged, Err: err}
}

// Forbidden builds a peer-unreachable error.
func Forbidden(err error) *SendError {
	return &SendError{Kind: KindForbidden, Err: err}
}

// Banned builds a terminal account error.
func Banned(err error) *SendError {
	return &SendError{Kind: KindBanned, Err: err}
}

// Other wraps an unclassified failure.
func Other(err error) *SendError {
	return &SendError{Kind: KindOther, Err: err}
}

// Classify extracts the error kind from any error chain. Unclassified
// errors (including nil SendError in the chain) report KindOther.
func Classify(err error) ErrorKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}

// RetryAfter returns the signaled wait for rate-limit errors, 0 otherwise.
func RetryAfter(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) && se.Kind == KindRateLimited {
		return se.RetryAfter
	}
	return 0
}
